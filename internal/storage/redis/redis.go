package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/greengpt/internal/config"
	"github.com/goodtune/greengpt/internal/storage"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "greengpt"

// Store implements the storage.Store interface using Redis
type Store struct {
	client    *redis.Client
	blobStore *blobStore
	userStore *userStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry a port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	keys := keyspace{prefix: prefix}

	return &Store{
		client:    client,
		blobStore: &blobStore{client: client, keys: keys},
		userStore: &userStore{client: client, keys: keys},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Blobs returns the BlobStore implementation
func (s *Store) Blobs() storage.BlobStore {
	return s.blobStore
}

// Users returns the UserStore implementation
func (s *Store) Users() storage.UserStore {
	return s.userStore
}

// keyspace builds namespaced Redis keys
type keyspace struct {
	prefix string
}

func (k keyspace) blob(key string) string { return k.prefix + ":blob:" + key }
func (k keyspace) blobIndex() string { return k.prefix + ":blobs" }
func (k keyspace) user(username string) string { return k.prefix + ":user:" + username }
func (k keyspace) userIndex() string { return k.prefix + ":users" }
