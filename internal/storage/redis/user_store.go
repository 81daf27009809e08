package redis

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
	"github.com/redis/go-redis/v9"
)

type userStore struct {
	client *redis.Client
	keys   keyspace
}

// Get retrieves a user by username
func (s *userStore) Get(ctx context.Context, username string) (*storage.User, error) {
	data, err := s.client.HGetAll(ctx, s.keys.user(username)).Result()
	if err != nil {
		return nil, err
	}
	return parseUser(data)
}

// List retrieves all users
func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	usernames, err := s.client.SMembers(ctx, s.keys.userIndex()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	users := make([]storage.User, 0, len(usernames))
	for _, username := range usernames {
		user, err := s.Get(ctx, username)
		if errors.Is(err, storage.ErrNotFound) {
			// Index entry outlived its hash
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}

	return users, nil
}

// Upsert creates or updates a user
func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	keys := []string{s.keys.user(user.Username), s.keys.userIndex()}
	args := []interface{}{
		user.ID,
		user.Username,
		user.PasswordHash,
		user.CreatedAt.UTC().Format(time.RFC3339Nano),
		now.UTC().Format(time.RFC3339Nano),
	}

	return upsertUser.Run(ctx, s.client, keys, args...).Err()
}

// Delete removes a user by username
func (s *userStore) Delete(ctx context.Context, username string) error {
	removed, err := s.client.Del(ctx, s.keys.user(username)).Result()
	if err != nil {
		return err
	}
	if err := s.client.SRem(ctx, s.keys.userIndex(), username).Err(); err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateLastLogin records the last login timestamp for a user
func (s *userStore) UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error {
	key := s.keys.user(username)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return storage.ErrNotFound
	}

	return s.client.HSet(ctx, key,
		"last_login", loginTime.UTC().Format(time.RFC3339Nano),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}
