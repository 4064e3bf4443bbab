package artifacts

import (
	"context"
	"fmt"

	"github.com/rennerdo30/vcpkg-harbor/pkg/config"
	"github.com/rennerdo30/vcpkg-harbor/pkg/util/resiliency"
)

// NewStoreFromConfig builds the backend selected by cfg.Storage.Type:
// "file" (default), "minio" or "s3", or "gcs" (requires the gcp build tag).
// The store is not initialized.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	switch cfg.Storage.Type {
	case "", config.StorageFile:
		return newFileStoreFromConfig(cfg)
	case config.StorageMinIO, config.StorageS3:
		return newS3StoreFromConfig(ctx, cfg)
	case config.StorageGCS:
		return newGCSStoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Storage.Type)
	}
}

func newFileStoreFromConfig(cfg *config.Config) (Store, error) {
	fc := cfg.Storage.File
	return NewFileStore(fc.Path,
		WithWorkDir(fc.WorkDir),
		WithChunkSize(fc.ChunkSize),
	)
}

func newS3StoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	mc := cfg.Storage.MinIO
	if mc.Bucket == "" {
		return nil, fmt.Errorf("VCPKG_MINIO_BUCKET is required for %s storage", cfg.Storage.Type)
	}
	return NewS3Store(ctx, S3Config{
		Bucket:         mc.Bucket,
		Region:         mc.Region,
		Endpoint:       mc.Endpoint,
		AccessKey:      mc.AccessKey,
		SecretKey:      mc.SecretKey,
		Secure:         mc.Secure,
		Prefix:         mc.Prefix,
		StagingDir:     mc.StagingDir,
		ConnectTimeout: mc.ConnectTimeout,
		ReadTimeout:    mc.ReadTimeout,
		ChunkSize:      cfg.Storage.File.ChunkSize,
		Retry:          retryPolicy(cfg.Retry),
	})
}

func retryPolicy(rc config.RetryConfig) resiliency.Policy {
	return resiliency.Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
	}
}
