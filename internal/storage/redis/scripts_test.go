package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestPutBlobScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	keys := []string{"g:blob:impact", "g:blobs"}

	tests := []struct {
		name        string
		data        string
		version     int
		wantWritten int
		wantData    string
	}{
		{name: "first write", data: "one", version: 1, wantWritten: 1, wantData: "one"},
		{name: "newer version", data: "three", version: 3, wantWritten: 1, wantData: "three"},
		{name: "older version", data: "two", version: 2, wantWritten: 0, wantData: "three"},
		{name: "same version", data: "again", version: 3, wantWritten: 0, wantData: "three"},
		{name: "unversioned", data: "forced", version: 0, wantWritten: 1, wantData: "forced"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			written, err := putBlob.Run(ctx, client, keys, "impact", tt.data, tt.version, "2024-01-01T00:00:00Z").Int()
			if err != nil {
				t.Fatalf("Script failed: %v", err)
			}
			if written != tt.wantWritten {
				t.Errorf("Expected written=%d, got %d", tt.wantWritten, written)
			}
			if got := mr.HGet("g:blob:impact", "data"); got != tt.wantData {
				t.Errorf("Expected data %q, got %q", tt.wantData, got)
			}
		})
	}

	if ok, _ := mr.SIsMember("g:blobs", "impact"); !ok {
		t.Error("Expected blob key in index")
	}
}

func TestUpsertUserScriptPreservesCreatedAt(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	keys := []string{"g:user:bob", "g:users"}

	if err := upsertUser.Run(ctx, client, keys, "u2", "bob", "h1", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z").Err(); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	if err := upsertUser.Run(ctx, client, keys, "u2", "bob", "h2", "2025-01-01T00:00:00Z", "2025-01-01T00:00:00Z").Err(); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	if got := mr.HGet("g:user:bob", "created_at"); got != "2024-01-01T00:00:00Z" {
		t.Errorf("Expected original created_at, got %s", got)
	}
	if got := mr.HGet("g:user:bob", "updated_at"); got != "2025-01-01T00:00:00Z" {
		t.Errorf("Expected new updated_at, got %s", got)
	}
	if got := mr.HGet("g:user:bob", "password_hash"); got != "h2" {
		t.Errorf("Expected new password hash, got %s", got)
	}
}
