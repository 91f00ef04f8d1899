package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skyforge/provisd/internal/config"
	"github.com/skyforge/provisd/pkg/kvstore"
	"github.com/skyforge/provisd/pkg/kvstore/fskv"
	"github.com/skyforge/provisd/pkg/kvstore/s3kv"
	"github.com/skyforge/provisd/pkg/kvstore/sqlitekv"
)

// dataDir resolves the default on-disk location for job state.
func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".provisd"), nil
}

// openStore builds the configured key-value backend.
func openStore(ctx context.Context, cfg *config.Config) (kvstore.Store, error) {
	switch kvstore.Backend(cfg.Store.Backend) {
	case kvstore.BackendFS:
		path := cfg.Store.Path
		if path == "" {
			dir, err := dataDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "jobs")
		}
		return fskv.New(path)

	case kvstore.BackendSQLite:
		path := cfg.Store.Path
		if path == "" {
			dir, err := dataDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "provisd.db")
		}
		return sqlitekv.Open(ctx, path)

	case kvstore.BackendS3:
		return s3kv.New(ctx, s3kv.Config{
			Bucket:         cfg.Store.Bucket,
			KeyPrefix:      cfg.Store.KeyPrefix,
			Region:         cfg.Store.Region,
			Endpoint:       cfg.Store.Endpoint,
			Profile:        cfg.Store.Profile,
			ForcePathStyle: cfg.Store.ForcePathStyle,
		})

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
