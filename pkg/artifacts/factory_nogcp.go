//go:build !gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/rennerdo30/vcpkg-harbor/pkg/config"
)

func newGCSStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
