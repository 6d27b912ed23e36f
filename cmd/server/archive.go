package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/ledispatch/internal/archive"
	"github.com/me/ledispatch/internal/config"
	"github.com/me/ledispatch/internal/store"
)

// newArchiver builds the archiver for the configured backend.
func newArchiver(ctx context.Context, cfg config.ArchiveConfig, st store.Store, logger *slog.Logger) (*archive.Archiver, error) {
	var objects archive.ObjectStore
	switch cfg.Backend {
	case "s3":
		s3Store, err := archive.NewS3Store(ctx, archive.S3Options{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		objects = s3Store
	case "dir":
		dirStore, err := archive.NewDirStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		objects = dirStore
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return archive.New(st, objects, archive.Config{
		Retention: cfg.Retention,
		BatchSize: cfg.BatchSize,
		Prefix:    cfg.Prefix,
	}, logger), nil
}
