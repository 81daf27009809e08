package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements the storage.Store interface using SQLite
type Store struct {
	db        *sql.DB
	blobStore *blobStore
	userStore *userStore
}

// Open creates a new database connection and runs migrations
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := storage.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:        db,
		blobStore: &blobStore{db: db},
		userStore: &userStore{db: db},
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Blobs returns the BlobStore implementation
func (s *Store) Blobs() storage.BlobStore {
	return s.blobStore
}

// Users returns the UserStore implementation
func (s *Store) Users() storage.UserStore {
	return s.userStore
}

// runMigrations applies all database migrations
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for i, migration := range migrations {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(migration); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// migrations are applied in slice order; never reorder them
var migrations = []string{
	migration001Blobs,
	migration002Users,
}

const migration001Blobs = `
CREATE TABLE IF NOT EXISTS blobs (
	key TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`

const migration002Users = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT NOT NULL,
	username TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_login TEXT
);
`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
