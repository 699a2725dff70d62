package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeTools()
	c.normalizeBuild()
	c.normalizeDaemon()
	c.normalizeOSS()
	c.normalizeRegistry()
	if err := c.normalizeProxy(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkspaceDir) == "" {
		c.Paths.WorkspaceDir = defaultWorkspaceDir
	}
	if c.Paths.WorkspaceDir, err = expandPath(c.Paths.WorkspaceDir); err != nil {
		return fmt.Errorf("paths.workspace_dir: %w", err)
	}

	derived := []struct {
		name     string
		field    *string
		fallback string
	}{
		{"paths.bootstrap_dir", &c.Paths.BootstrapDir, "bootstraps"},
		{"paths.blob_dir", &c.Paths.BlobDir, "blobs"},
		{"paths.cache_dir", &c.Paths.CacheDir, "cache"},
		{"paths.fscache_dir", &c.Paths.FscacheDir, "fscache"},
		{"paths.mount_root", &c.Paths.MountRoot, "mnt"},
		{"paths.socket_dir", &c.Paths.SocketDir, "sockets"},
	}
	for _, entry := range derived {
		if strings.TrimSpace(*entry.field) == "" {
			*entry.field = filepath.Join(c.Paths.WorkspaceDir, entry.fallback)
		}
		if *entry.field, err = expandPath(*entry.field); err != nil {
			return fmt.Errorf("%s: %w", entry.name, err)
		}
	}

	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.WorkspaceDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}

	if strings.TrimSpace(c.Paths.DatabasePath) == "" {
		c.Paths.DatabasePath = filepath.Join(c.Paths.WorkspaceDir, "rafsctl.db")
	}
	if c.Paths.DatabasePath, err = expandPath(c.Paths.DatabasePath); err != nil {
		return fmt.Errorf("paths.database_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeTools() {
	c.Tools.Nydusd = strings.TrimSpace(c.Tools.Nydusd)
	if c.Tools.Nydusd == "" {
		c.Tools.Nydusd = defaultNydusdBinary
	}
	c.Tools.NydusImage = strings.TrimSpace(c.Tools.NydusImage)
	if c.Tools.NydusImage == "" {
		c.Tools.NydusImage = defaultNydusImageBinary
	}
	c.Tools.Ossutil = strings.TrimSpace(c.Tools.Ossutil)
	if c.Tools.Ossutil == "" {
		c.Tools.Ossutil = defaultOssutilBinary
	}
}

func (c *Config) normalizeBuild() {
	c.Build.FSVersion = strings.TrimSpace(c.Build.FSVersion)
	if c.Build.FSVersion == "" {
		c.Build.FSVersion = defaultFSVersion
	}
	c.Build.Compressor = strings.ToLower(strings.TrimSpace(c.Build.Compressor))
	if c.Build.Compressor == "" {
		c.Build.Compressor = defaultCompressor
	}
	c.Build.WhiteoutSpec = strings.ToLower(strings.TrimSpace(c.Build.WhiteoutSpec))
	if c.Build.WhiteoutSpec == "" {
		c.Build.WhiteoutSpec = defaultWhiteoutSpec
	}
	c.Build.LogLevel = strings.ToLower(strings.TrimSpace(c.Build.LogLevel))
	if c.Build.LogLevel == "" {
		c.Build.LogLevel = defaultBuildLogLevel
	}
	if c.Build.ChunkSize < 0 {
		c.Build.ChunkSize = 0
	}
}

func (c *Config) normalizeDaemon() {
	c.Daemon.Mode = strings.ToLower(strings.TrimSpace(c.Daemon.Mode))
	if c.Daemon.Mode == "" {
		c.Daemon.Mode = defaultDaemonMode
	}
	c.Daemon.RafsMode = strings.ToLower(strings.TrimSpace(c.Daemon.RafsMode))
	if c.Daemon.RafsMode == "" {
		if value, ok := os.LookupEnv("PREFERRED_MODE"); ok {
			c.Daemon.RafsMode = strings.ToLower(strings.TrimSpace(value))
		}
	}
	if c.Daemon.RafsMode == "" {
		c.Daemon.RafsMode = defaultRafsMode
	}
	c.Daemon.LogLevel = strings.ToLower(strings.TrimSpace(c.Daemon.LogLevel))
	if c.Daemon.LogLevel == "" {
		c.Daemon.LogLevel = defaultDaemonLogLevel
	}
	if c.Daemon.ThreadNum < 0 {
		c.Daemon.ThreadNum = 0
	}
}

func (c *Config) normalizeOSS() {
	c.OSS.Endpoint = strings.TrimSpace(c.OSS.Endpoint)
	c.OSS.Bucket = strings.TrimSpace(c.OSS.Bucket)
	c.OSS.ObjectPrefix = strings.Trim(strings.TrimSpace(c.OSS.ObjectPrefix), "/")
	c.OSS.AccessKeyID = strings.TrimSpace(c.OSS.AccessKeyID)
	if c.OSS.AccessKeyID == "" {
		if value, ok := os.LookupEnv("OSS_ACCESS_KEY_ID"); ok {
			c.OSS.AccessKeyID = strings.TrimSpace(value)
		}
	}
	c.OSS.AccessKeySecret = strings.TrimSpace(c.OSS.AccessKeySecret)
	if c.OSS.AccessKeySecret == "" {
		if value, ok := os.LookupEnv("OSS_ACCESS_KEY_SECRET"); ok {
			c.OSS.AccessKeySecret = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeRegistry() {
	c.Registry.Scheme = strings.ToLower(strings.TrimSpace(c.Registry.Scheme))
	if c.Registry.Scheme == "" {
		c.Registry.Scheme = defaultRegistryScheme
	}
	c.Registry.Host = strings.TrimSpace(c.Registry.Host)
	c.Registry.Namespace = strings.Trim(strings.TrimSpace(c.Registry.Namespace), "/")
	c.Registry.Auth = strings.TrimSpace(c.Registry.Auth)
	if c.Registry.Auth == "" {
		if value, ok := os.LookupEnv("NYDUS_REGISTRY_AUTH"); ok {
			c.Registry.Auth = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeProxy() error {
	c.Proxy.URL = strings.TrimSpace(c.Proxy.URL)
	c.Proxy.BlobDir = strings.TrimSpace(c.Proxy.BlobDir)
	if c.Proxy.BlobDir != "" {
		expanded, err := expandPath(c.Proxy.BlobDir)
		if err != nil {
			return fmt.Errorf("proxy.blob_dir: %w", err)
		}
		c.Proxy.BlobDir = expanded
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
