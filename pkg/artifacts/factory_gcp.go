//go:build gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/rennerdo30/vcpkg-harbor/pkg/config"
)

func newGCSStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	gc := cfg.Storage.GCS
	if gc.Bucket == "" {
		return nil, fmt.Errorf("VCPKG_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket:     gc.Bucket,
		Project:    gc.Project,
		Prefix:     gc.Prefix,
		StagingDir: gc.StagingDir,
		ChunkSize:  cfg.Storage.File.ChunkSize,
		Retry:      retryPolicy(cfg.Retry),
	})
}
