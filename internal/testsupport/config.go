package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"rafsctl/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config rooted in a temp directory unique to the
// test. The entire workspace layout is pinned under that root so nothing
// an option adds later can escape the sandbox.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	workspace := filepath.Join(base, "workspace")

	cfgVal := config.Default()
	cfgVal.Paths = config.Paths{
		WorkspaceDir: workspace,
		BootstrapDir: filepath.Join(workspace, "bootstraps"),
		BlobDir:      filepath.Join(workspace, "blobs"),
		CacheDir:     filepath.Join(workspace, "cache"),
		FscacheDir:   filepath.Join(workspace, "fscache"),
		MountRoot:    filepath.Join(workspace, "mnt"),
		SocketDir:    filepath.Join(workspace, "sockets"),
		LogDir:       filepath.Join(workspace, "logs"),
		DatabasePath: filepath.Join(workspace, "rafsctl.db"),
	}

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithOSSCredentials fills the object-store section of the test config.
func WithOSSCredentials(endpoint, bucket, accessKeyID, accessKeySecret string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.OSS.Endpoint = endpoint
		b.cfg.OSS.Bucket = bucket
		b.cfg.OSS.AccessKeyID = accessKeyID
		b.cfg.OSS.AccessKeySecret = accessKeySecret
	}
}

// WithProxy points the backend proxy section at url, serving blobs from a
// temp directory unique to the test.
func WithProxy(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Proxy.URL = url
		b.cfg.Proxy.BlobDir = filepath.Join(b.baseDir, "proxy-blobs")
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends their directory to PATH for the test's lifetime. If names is
// empty, the default external binaries are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"nydusd", "nydus-image", "ossutil"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WorkspaceDir)
}
