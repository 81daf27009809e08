package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goodtune/greengpt/internal/config"
	"github.com/goodtune/greengpt/internal/impact"
	"github.com/goodtune/greengpt/internal/storage"
	"github.com/goodtune/greengpt/internal/storage/bolt"
	"github.com/goodtune/greengpt/internal/storage/memory"
	"github.com/goodtune/greengpt/internal/storage/redis"
	"github.com/goodtune/greengpt/internal/storage/sqlite"
	"github.com/rs/zerolog"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "memory":
		return memory.Open(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// newAggregator restores the impact state held in store
func newAggregator(ctx context.Context, cfg *config.Config, store storage.Store, logger zerolog.Logger) *impact.Aggregator {
	return impact.New(ctx, store.Blobs(), impact.Options{
		Ratios: impact.Ratios{
			WaterPerToken: cfg.Impact.WaterPerToken,
			CO2PerToken:   cfg.Impact.CO2PerToken,
		},
		HistoryLimit: cfg.Impact.HistoryLimit,
		DailyLimit:   cfg.Impact.DailyLimit,
		StorageKey:   cfg.Impact.StorageKey,
	}, logger)
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger()
}

// commandLogger is the quiet logger used by the one-shot subcommands
func commandLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)
}

// loadForCommand loads configuration and storage for a one-shot subcommand
func loadForCommand() (*config.Config, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return cfg, store, nil
}
