package objstore

import (
	"context"

	"github.com/cerberus-defense/cerberus/internal/config"
)

// FromConfig builds the configured evidence store backend.
func FromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.Store.Backend == "s3" {
		return NewS3Store(ctx, S3Config{
			Endpoint:  cfg.Store.Endpoint,
			Region:    cfg.Store.Region,
			AccessKey: cfg.Store.AccessKey,
			SecretKey: cfg.Store.SecretKey,
		})
	}
	return NewFSStore(cfg.Store.FSRoot)
}
