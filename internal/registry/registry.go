package registry

import (
	"context"
	"path/filepath"

	"github.com/zjrosen/conclave/internal/config"
)

// Open selects and opens the backend named by cfg, resolving the file
// backend's path relative to stateDir.
func Open(ctx context.Context, cfg config.RegistryConfig, stateDir string) (Backend, error) {
	switch cfg.Backend {
	case config.RegistryBackendDistributed:
		return OpenDistributed(ctx, cfg.ValkeyAddrs)
	default:
		return OpenFile(filepath.Join(stateDir, "instances.json"))
	}
}
