package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains workspace directory configuration. Sub-directories left
// empty are derived from WorkspaceDir during normalization.
type Paths struct {
	WorkspaceDir string `toml:"workspace_dir"`
	BootstrapDir string `toml:"bootstrap_dir"`
	BlobDir      string `toml:"blob_dir"`
	CacheDir     string `toml:"cache_dir"`
	FscacheDir   string `toml:"fscache_dir"`
	MountRoot    string `toml:"mount_root"`
	SocketDir    string `toml:"socket_dir"`
	LogDir       string `toml:"log_dir"`
	DatabasePath string `toml:"database_path"`
}

// Tools contains the external binaries driven by the harness.
type Tools struct {
	Nydusd     string `toml:"nydusd"`
	NydusImage string `toml:"nydus_image"`
	Ossutil    string `toml:"ossutil"`
}

// Build contains image builder defaults.
type Build struct {
	FSVersion    string `toml:"fs_version"`
	Compressor   string `toml:"compressor"`
	ChunkSize    int    `toml:"chunk_size"`
	WhiteoutSpec string `toml:"whiteout_spec"`
	LogLevel     string `toml:"log_level"`
}

// Daemon contains nydusd launch defaults.
type Daemon struct {
	Mode      string `toml:"mode"`
	RafsMode  string `toml:"rafs_mode"`
	LogLevel  string `toml:"log_level"`
	ThreadNum int    `toml:"thread_num"`
}

// OSS contains object-store backend credentials and placement.
type OSS struct {
	Endpoint        string `toml:"endpoint"`
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	AccessKeySecret string `toml:"access_key_secret"`
	ObjectPrefix    string `toml:"object_prefix"`
}

// Registry contains container registry backend settings.
type Registry struct {
	Scheme    string `toml:"scheme"`
	Host      string `toml:"host"`
	Namespace string `toml:"namespace"`
	Auth      string `toml:"auth"`
}

// Proxy contains the local blob proxy settings.
type Proxy struct {
	URL     string `toml:"url"`
	BlobDir string `toml:"blob_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for rafsctl.
//
// Configuration sections by subsystem:
//   - Paths: workspace layout (bootstraps, blobs, caches, mounts, sockets)
//   - Tools: external binary locations (nydusd, nydus-image, ossutil)
//   - Build: image builder defaults (fs version, compressor, chunk size)
//   - Daemon: nydusd launch defaults (mode, metadata mode, log level)
//   - OSS / Registry / Proxy: storage backend parameters
//   - Logging: log format, level, and retention
type Config struct {
	Paths    Paths    `toml:"paths"`
	Tools    Tools    `toml:"tools"`
	Build    Build    `toml:"build"`
	Daemon   Daemon   `toml:"daemon"`
	OSS      OSS      `toml:"oss"`
	Registry Registry `toml:"registry"`
	Proxy    Proxy    `toml:"proxy"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/rafsctl/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("rafsctl.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories required for builds and mounts.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.WorkspaceDir,
		c.Paths.BootstrapDir,
		c.Paths.BlobDir,
		c.Paths.CacheDir,
		c.Paths.FscacheDir,
		c.Paths.MountRoot,
		c.Paths.SocketDir,
		c.Paths.LogDir,
	}
	if c.Paths.DatabasePath != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.DatabasePath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// NydusdBinary returns the daemon executable path or name.
func (c *Config) NydusdBinary() string {
	return c.Tools.Nydusd
}

// NydusImageBinary returns the image builder executable path or name.
func (c *Config) NydusImageBinary() string {
	return c.Tools.NydusImage
}

// OssutilBinary returns the object-store helper executable path or name.
func (c *Config) OssutilBinary() string {
	return c.Tools.Ossutil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
