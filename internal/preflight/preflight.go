package preflight

import (
	"context"

	"rafsctl/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Network checks are only run when the corresponding backend is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	dirs := []struct {
		name string
		path string
	}{
		{"Workspace", cfg.Paths.WorkspaceDir},
		{"Bootstrap directory", cfg.Paths.BootstrapDir},
		{"Blob directory", cfg.Paths.BlobDir},
		{"Cache directory", cfg.Paths.CacheDir},
		{"Mount root", cfg.Paths.MountRoot},
		{"Socket directory", cfg.Paths.SocketDir},
		{"Log directory", cfg.Paths.LogDir},
	}
	for _, dir := range dirs {
		if dir.path != "" {
			results = append(results, CheckDirectoryAccess(dir.name, dir.path))
		}
	}

	// Fuse mode cannot mount anything without the device node. Virtiofs
	// sessions talk to a VMM socket instead and skip this check.
	if cfg.Daemon.Mode == "" || cfg.Daemon.Mode == "fuse" {
		results = append(results, CheckFuseDevice())
	}

	if cfg.Proxy.URL != "" {
		results = append(results, CheckProxy(ctx, cfg.Proxy.URL))
	}

	return results
}
