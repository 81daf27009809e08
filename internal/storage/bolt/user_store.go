package bolt

import (
	"context"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
	"go.etcd.io/bbolt"
)

type userStore struct {
	db *bbolt.DB
}

// Get retrieves a user by username.
func (s *userStore) Get(ctx context.Context, username string) (*storage.User, error) {
	var user storage.User

	err := s.db.View(func(tx *bbolt.Tx) error {
		if err := checkContext(ctx); err != nil {
			return err
		}

		data := tx.Bucket([]byte(bucketUsers)).Get([]byte(username))
		if data == nil {
			return storage.ErrNotFound
		}
		return unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// List retrieves all users.
func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	users := make([]storage.User, 0)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUsers)).ForEach(func(_, v []byte) error {
			if err := checkContext(ctx); err != nil {
				return err
			}
			var user storage.User
			if err := unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, user)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return users, nil
}

// Upsert creates or updates a user.
func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	data, err := marshal(user)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := checkContext(ctx); err != nil {
			return err
		}
		users, err := bucket(tx, bucketUsers)
		if err != nil {
			return err
		}
		return users.Put([]byte(user.Username), data)
	})
}

// Delete removes a user by username.
func (s *userStore) Delete(ctx context.Context, username string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		users, err := bucket(tx, bucketUsers)
		if err != nil {
			return err
		}
		if users.Get([]byte(username)) == nil {
			return storage.ErrNotFound
		}
		return users.Delete([]byte(username))
	})
}

// UpdateLastLogin updates the last login timestamp for a user.
func (s *userStore) UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		users, err := bucket(tx, bucketUsers)
		if err != nil {
			return err
		}

		data := users.Get([]byte(username))
		if data == nil {
			return storage.ErrNotFound
		}

		var user storage.User
		if err := unmarshal(data, &user); err != nil {
			return err
		}

		user.LastLogin = &loginTime
		user.UpdatedAt = time.Now()

		updated, err := marshal(user)
		if err != nil {
			return err
		}
		return users.Put([]byte(username), updated)
	})
}
