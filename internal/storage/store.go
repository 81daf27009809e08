package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrStale is returned when a versioned write is older than the stored record.
	ErrStale = errors.New("storage: stale write")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Blobs() BlobStore
	Users() UserStore
}

// BlobStore holds opaque, versioned documents under namespaced keys.
//
// Put rejects a blob whose Version is not greater than the stored version
// with ErrStale. A zero Version always overwrites.
type BlobStore interface {
	Get(ctx context.Context, key string) (*Blob, error)
	Put(ctx context.Context, blob Blob) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// UserStore manages web user accounts.
type UserStore interface {
	Get(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Upsert(ctx context.Context, user User) error
	Delete(ctx context.Context, username string) error
	UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error
}
