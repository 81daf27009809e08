package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
)

type blobStore struct {
	db *sql.DB
}

// Get retrieves a blob by key
func (s *blobStore) Get(ctx context.Context, key string) (*storage.Blob, error) {
	var (
		blob    = storage.Blob{Key: key}
		version int64
		updated string
	)

	err := s.db.QueryRowContext(ctx,
		"SELECT data, version, updated_at FROM blobs WHERE key = ?", key,
	).Scan(&blob.Data, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	blob.Version = uint64(version)
	if blob.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &blob, nil
}

// Put stores a blob unless the stored version is newer
func (s *blobStore) Put(ctx context.Context, blob storage.Blob) error {
	updatedAt := blob.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	data := blob.Data
	if data == nil {
		data = []byte{}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, data, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version = 0 OR excluded.version > blobs.version
	`, blob.Key, data, int64(blob.Version), formatTime(updatedAt))
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrStale
	}
	return nil
}

// Delete removes a blob
func (s *blobStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE key = ?", key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns all blob keys in order
func (s *blobStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM blobs ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
