package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
)

func TestBlobStore(t *testing.T) {
	ctx := context.Background()
	blobs := Open().Blobs()

	if err := blobs.Put(ctx, storage.Blob{Key: "k", Data: []byte("one"), Version: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := blobs.Put(ctx, storage.Blob{Key: "k", Data: []byte("stale"), Version: 1}); !errors.Is(err, storage.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	blob, err := blobs.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	blob.Data[0] = 'X'

	again, _ := blobs.Get(ctx, "k")
	if string(again.Data) != "one" {
		t.Errorf("stored data mutated through returned blob: %q", again.Data)
	}
	if again.UpdatedAt.IsZero() {
		t.Error("expected updated_at to be stamped")
	}

	if err := blobs.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := blobs.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBlobStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Open().Blobs().Put(ctx, storage.Blob{Key: "k"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestUserStore(t *testing.T) {
	ctx := context.Background()
	users := Open().Users()

	created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = users.Upsert(ctx, storage.User{ID: "1", Username: "b", PasswordHash: "x", CreatedAt: created})
	_ = users.Upsert(ctx, storage.User{ID: "2", Username: "a", PasswordHash: "y"})
	_ = users.Upsert(ctx, storage.User{ID: "1", Username: "b", PasswordHash: "z"})

	user, err := users.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if user.PasswordHash != "z" || !user.CreatedAt.Equal(created) {
		t.Errorf("user = %+v", user)
	}

	list, _ := users.List(ctx)
	if len(list) != 2 || list[0].Username != "a" {
		t.Errorf("list = %+v", list)
	}

	if err := users.UpdateLastLogin(ctx, "nobody", time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
