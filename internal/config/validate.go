package config

import (
	"errors"
	"fmt"
)

var knownCompressors = map[string]struct{}{
	"none":      {},
	"lz4_block": {},
	"gzip":      {},
	"zstd":      {},
}

var knownWhiteoutSpecs = map[string]struct{}{
	"oci":       {},
	"overlayfs": {},
}

var knownDaemonModes = map[string]struct{}{
	"fuse":     {},
	"virtiofs": {},
}

var knownRafsModes = map[string]struct{}{
	"direct": {},
	"cached": {},
}

// Validate ensures the configuration is usable. Backend-specific requirements
// (OSS credentials, registry host) are checked when the backend is selected,
// not here, so a config without them still supports localfs workflows.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateBuild(); err != nil {
		return err
	}
	if err := c.validateDaemon(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkspaceDir == "" {
		return errors.New("paths.workspace_dir must be set")
	}
	return nil
}

func (c *Config) validateBuild() error {
	switch c.Build.FSVersion {
	case "5", "6":
	default:
		return fmt.Errorf("build.fs_version must be 5 or 6, got %q", c.Build.FSVersion)
	}
	if _, ok := knownCompressors[c.Build.Compressor]; !ok {
		return fmt.Errorf("build.compressor must be one of none, lz4_block, gzip, zstd, got %q", c.Build.Compressor)
	}
	if _, ok := knownWhiteoutSpecs[c.Build.WhiteoutSpec]; !ok {
		return fmt.Errorf("build.whiteout_spec must be oci or overlayfs, got %q", c.Build.WhiteoutSpec)
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if _, ok := knownDaemonModes[c.Daemon.Mode]; !ok {
		return fmt.Errorf("daemon.mode must be fuse or virtiofs, got %q", c.Daemon.Mode)
	}
	if _, ok := knownRafsModes[c.Daemon.RafsMode]; !ok {
		return fmt.Errorf("daemon.rafs_mode must be direct or cached, got %q", c.Daemon.RafsMode)
	}
	return nil
}
