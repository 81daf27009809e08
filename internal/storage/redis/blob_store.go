package redis

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
	"github.com/redis/go-redis/v9"
)

type blobStore struct {
	client *redis.Client
	keys   keyspace
}

// Get retrieves a blob by key
func (s *blobStore) Get(ctx context.Context, key string) (*storage.Blob, error) {
	data, err := s.client.HGetAll(ctx, s.keys.blob(key)).Result()
	if err != nil {
		return nil, err
	}
	return parseBlob(key, data)
}

// Put stores a blob unless the stored version is newer
func (s *blobStore) Put(ctx context.Context, blob storage.Blob) error {
	updatedAt := blob.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	keys := []string{s.keys.blob(blob.Key), s.keys.blobIndex()}
	args := []interface{}{
		blob.Key,
		blob.Data,
		blob.Version,
		updatedAt.UTC().Format(time.RFC3339Nano),
	}

	written, err := putBlob.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if written == 0 {
		return storage.ErrStale
	}
	return nil
}

// Delete removes a blob
func (s *blobStore) Delete(ctx context.Context, key string) error {
	removed, err := s.client.Del(ctx, s.keys.blob(key)).Result()
	if err != nil {
		return err
	}
	if err := s.client.SRem(ctx, s.keys.blobIndex(), key).Err(); err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns all blob keys
func (s *blobStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.keys.blobIndex()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
