package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
)

// parseBlob converts a Redis hash to a Blob
func parseBlob(key string, data map[string]string) (*storage.Blob, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	version, err := strconv.ParseUint(data["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.Blob{
		Key:       key,
		Data:      []byte(data["data"]),
		Version:   version,
		UpdatedAt: updatedAt,
	}, nil
}

// parseUser converts a Redis hash to a User
func parseUser(data map[string]string) (*storage.User, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	user := &storage.User{
		ID:           data["id"],
		Username:     data["username"],
		PasswordHash: data["password_hash"],
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}

	if raw, ok := data["last_login"]; ok && raw != "" {
		lastLogin, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_login: %w", err)
		}
		user.LastLogin = &lastLogin
	}

	return user, nil
}
