package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/internal/config"
	"github.com/synergy-labs/envelope/pkg/contentstore"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
	"github.com/synergy-labs/envelope/pkg/retry"
)

// openStore picks the content backend: kubo, then S3, then
// a badger pin set, then memory. Every backend is retried.
func openStore(
	ctx context.Context,
	cfg config.Config,
	log logrus.FieldLogger,
) (contentstore.Store, func() error, error) {
	noop := func() error { return nil }

	var (
		store   contentstore.Store
		closeFn = noop
	)
	switch {
	case cfg.ContentGatewayURL != "":
		store = contentstore.NewKubo(cfg.ContentGatewayURL, contentstore.WithKuboLogger(log))
		log.WithField("url", cfg.ContentGatewayURL).Info("content store: kubo")
	case cfg.S3Bucket != "":
		s, err := contentstore.NewS3(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("s3 content store: %w", err)
		}
		store = s
		log.WithField("bucket", cfg.S3Bucket).Info("content store: s3")
	case cfg.DataPath != "":
		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Path:             cfg.DataPath,
			MinimumFreeSpace: cfg.MinimumFreeGB,
			SyncWrites:       true,
			Logger:           log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("local content store: %w", err)
		}
		store = contentstore.NewLocal(kv)
		closeFn = kv.Close
		log.WithField("path", cfg.DataPath).Info("content store: badger")
	default:
		store = contentstore.NewMemory()
		log.Warn("content store: memory, content is lost on exit")
	}
	return contentstore.NewRetrying(store, retry.Default(), log), closeFn, nil
}
