// Package memory provides a process-local storage.Store used for tests and
// for running without persistence.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
)

// Store implements storage.Store in memory
type Store struct {
	blobs *blobStore
	users *userStore
}

// Open returns an empty in-memory store
func Open() *Store {
	return &Store{
		blobs: &blobStore{data: make(map[string]storage.Blob)},
		users: &userStore{data: make(map[string]storage.User)},
	}
}

// Close is a no-op
func (s *Store) Close() error { return nil }

// Blobs returns the BlobStore implementation
func (s *Store) Blobs() storage.BlobStore { return s.blobs }

// Users returns the UserStore implementation
func (s *Store) Users() storage.UserStore { return s.users }

type blobStore struct {
	mu   sync.RWMutex
	data map[string]storage.Blob
}

func (s *blobStore) Get(ctx context.Context, key string) (*storage.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	blob.Data = append([]byte(nil), blob.Data...)
	return &blob, nil
}

func (s *blobStore) Put(ctx context.Context, blob storage.Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.data[blob.Key]; ok && storage.IsStale(stored.Version, blob.Version) {
		return storage.ErrStale
	}
	if blob.UpdatedAt.IsZero() {
		blob.UpdatedAt = time.Now()
	}
	blob.Data = append([]byte(nil), blob.Data...)
	s.data[blob.Key] = blob
	return nil
}

func (s *blobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.data, key)
	return nil
}

func (s *blobStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

type userStore struct {
	mu   sync.RWMutex
	data map[string]storage.User
}

func (s *userStore) Get(ctx context.Context, username string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.data[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &user, nil
}

func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]storage.User, 0, len(s.data))
	for _, user := range s.data {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.data[user.Username]; ok {
		user.CreatedAt = existing.CreatedAt
		user.LastLogin = existing.LastLogin
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.data[user.Username] = user
	return nil
}

func (s *userStore) Delete(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[username]; !ok {
		return storage.ErrNotFound
	}
	delete(s.data, username)
	return nil
}

func (s *userStore) UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data[username]
	if !ok {
		return storage.ErrNotFound
	}
	user.LastLogin = &loginTime
	user.UpdatedAt = time.Now()
	s.data[username] = user
	return nil
}
