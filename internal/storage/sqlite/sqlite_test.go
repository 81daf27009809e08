package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "greengpt.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return store
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "greengpt.db")

	for i := 0; i < 2; i++ {
		store, err := Open(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}

		var applied int
		if err := store.db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&applied); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if applied != len(migrations) {
			t.Errorf("applied migrations = %d, want %d", applied, len(migrations))
		}
		_ = store.Close()
	}
}

func TestBlobStoreVersioning(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	blobs := store.Blobs()

	if _, err := blobs.Get(ctx, "impact"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	updated := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	if err := blobs.Put(ctx, storage.Blob{Key: "impact", Data: []byte("v2"), Version: 2, UpdatedAt: updated}); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := blobs.Put(ctx, storage.Blob{Key: "impact", Data: []byte("v1"), Version: 1}); !errors.Is(err, storage.ErrStale) {
		t.Errorf("expected ErrStale for older version, got %v", err)
	}
	if err := blobs.Put(ctx, storage.Blob{Key: "impact", Data: []byte("v2b"), Version: 2}); !errors.Is(err, storage.ErrStale) {
		t.Errorf("expected ErrStale for equal version, got %v", err)
	}

	blob, err := blobs.Get(ctx, "impact")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(blob.Data) != "v2" || blob.Version != 2 {
		t.Errorf("blob = %q@%d, want v2@2", blob.Data, blob.Version)
	}
	if !blob.UpdatedAt.Equal(updated) {
		t.Errorf("updated_at = %v, want %v", blob.UpdatedAt, updated)
	}

	if err := blobs.Put(ctx, storage.Blob{Key: "impact", Data: []byte("v3"), Version: 3}); err != nil {
		t.Fatalf("put v3: %v", err)
	}
	blob, _ = blobs.Get(ctx, "impact")
	if string(blob.Data) != "v3" {
		t.Errorf("data = %q, want v3", blob.Data)
	}
}

func TestBlobStoreDeleteAndList(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	blobs := store.Blobs()

	for _, key := range []string{"zeta", "alpha"} {
		if err := blobs.Put(ctx, storage.Blob{Key: key, Data: []byte(key), Version: 1}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	keys, err := blobs.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "zeta" {
		t.Errorf("keys = %v", keys)
	}

	if err := blobs.Delete(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := blobs.Delete(ctx, "alpha"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUserStore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	users := store.Users()

	created := time.Date(2022, 12, 25, 0, 0, 0, 0, time.UTC)
	if err := users.Upsert(ctx, storage.User{ID: "1", Username: "admin", PasswordHash: "a", CreatedAt: created}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := users.Upsert(ctx, storage.User{ID: "1", Username: "admin", PasswordHash: "b"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	user, err := users.Get(ctx, "admin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if user.PasswordHash != "b" {
		t.Errorf("password hash = %q, want b", user.PasswordHash)
	}
	if !user.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", user.CreatedAt, created)
	}

	login := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := users.UpdateLastLogin(ctx, "admin", login); err != nil {
		t.Fatalf("update last login: %v", err)
	}
	if err := users.UpdateLastLogin(ctx, "ghost", login); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}

	list, err := users.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].LastLogin == nil || !list[0].LastLogin.Equal(login) {
		t.Errorf("list = %+v", list)
	}

	if err := users.Delete(ctx, "admin"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := users.Get(ctx, "admin"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
