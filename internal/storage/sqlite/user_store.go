package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
)

type userStore struct {
	db *sql.DB
}

const userColumns = "id, username, password_hash, created_at, updated_at, last_login"

// Get retrieves a user by username
func (s *userStore) Get(ctx context.Context, username string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = ?", username)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return user, err
}

// List retrieves all users ordered by username
func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// Upsert creates or updates a user, keeping the original created_at
func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			id = excluded.id,
			password_hash = excluded.password_hash,
			updated_at = excluded.updated_at
	`, user.ID, user.Username, user.PasswordHash, formatTime(user.CreatedAt), formatTime(now))
	return err
}

// Delete removes a user by username
func (s *userStore) Delete(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE username = ?", username)
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

// UpdateLastLogin records the last login timestamp for a user
func (s *userStore) UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login = ?, updated_at = ? WHERE username = ?",
		formatTime(loginTime), formatTime(time.Now()), username)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*storage.User, error) {
	var (
		user             storage.User
		created, updated string
		lastLogin        sql.NullString
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &created, &updated, &lastLogin); err != nil {
		return nil, err
	}

	var err error
	if user.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if user.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if lastLogin.Valid && lastLogin.String != "" {
		t, err := parseTime(lastLogin.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_login: %w", err)
		}
		user.LastLogin = &t
	}
	return &user, nil
}
