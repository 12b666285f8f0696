package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/comandos-hq/fieldlink/internal/config"
	"github.com/comandos-hq/fieldlink/internal/mirror"
	"github.com/comandos-hq/fieldlink/internal/mirror/file"
	"github.com/comandos-hq/fieldlink/internal/mirror/sqlite"
	"github.com/comandos-hq/fieldlink/internal/storage"
	firestorestorage "github.com/comandos-hq/fieldlink/internal/storage/firestore"
	"github.com/comandos-hq/fieldlink/internal/storage/memory"
	redisstorage "github.com/comandos-hq/fieldlink/internal/storage/redis"
	relaystorage "github.com/comandos-hq/fieldlink/internal/storage/relay"
)

// createStorageBackend returns nil for the local backend: the coordinator
// then runs on the mirror alone.
func createStorageBackend(cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		logger.Info("No remote store configured, running on local mirror")
		return nil, nil

	case config.BackendMemory:
		logger.Info("Memory storage backend initialized")
		return memory.New(), nil

	case config.BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			return nil, fmt.Errorf("firestore backend needs firestore.projectId")
		}
		logger.Info("Firestore storage backend initialized", "project", cfg.Firestore.ProjectID)
		return firestorestorage.New(firestorestorage.Config{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
		}, logger), nil

	case config.BackendRedis:
		logger.Info("Redis storage backend initialized", "addr", cfg.Redis.Addr)
		return redisstorage.New(redisstorage.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, logger), nil

	case config.BackendRelay:
		logger.Info("Relay storage backend initialized", "url", cfg.Relay.URL)
		return relaystorage.New(relaystorage.Config{URL: cfg.Relay.URL}, logger), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func openMirror(cfg config.MirrorConfig) (mirror.Mirror, error) {
	switch cfg.Type {
	case "", "file":
		m, err := file.New(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mirror dir: %w", err)
		}
		m, err := sqlite.Open(filepath.Join(cfg.Dir, "mirror.db"))
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown mirror type %q", cfg.Type)
}
