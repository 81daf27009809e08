package web

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EnsureInitialUser creates the first web user if no users exist.
func EnsureInitialUser(ctx context.Context, store storage.UserStore, username, password string, logger zerolog.Logger) error {
	users, err := store.List(ctx)
	if err != nil {
		return err
	}

	if len(users) > 0 {
		logger.Info().Int("count", len(users)).Msg("Web users already exist")
		return nil
	}

	if username == "" {
		username = "admin"
	}

	if password == "" {
		return errors.New("initial web password cannot be empty")
	}

	if _, err := CreateUser(ctx, store, username, password); err != nil {
		return err
	}

	logger.Info().Str("username", username).Msg("Created initial web user")

	if password == "changeme" || password == "admin" || password == "password" {
		logger.Warn().Msg("Using a default web password, change web.initial_password")
	}

	return nil
}

// CreateUser hashes password and stores a new user, or replaces the
// password of an existing one.
func CreateUser(ctx context.Context, store storage.UserStore, username, password string) (*storage.User, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := storage.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	existing, err := store.Get(ctx, username)
	switch {
	case err == nil:
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	if err := store.Upsert(ctx, user); err != nil {
		return nil, err
	}

	return &user, nil
}
