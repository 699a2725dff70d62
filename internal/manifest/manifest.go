// Package manifest loads declarative build manifests. A manifest captures
// everything a build needs for a repeatable run in one YAML document: the
// source tree, the blob placement, and the builder knobs. Pipelines check
// the file in next to the rootfs instead of scripting flag lists, and
// command-line flags still override individual fields.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"rafsctl/internal/backend"
	"rafsctl/internal/services"
)

// Manifest is a parsed build manifest. Empty fields fall back to the
// harness configuration when the build command assembles its request.
type Manifest struct {
	// Source is the directory to pack. Relative paths resolve against the
	// manifest's own directory, not the working directory of the caller.
	Source string `yaml:"source"`

	// Bootstrap is an optional explicit bootstrap output path.
	Bootstrap string `yaml:"bootstrap"`

	Backend Backend `yaml:"backend"`
	Build   Build   `yaml:"build"`
}

// Backend selects where the built blob lives. Only the fields of the
// chosen kind are consulted; credentials left empty are filled from the
// harness configuration.
type Backend struct {
	Kind string `yaml:"kind"`

	// localfs
	Dir      string `yaml:"dir"`
	BlobFile string `yaml:"blob_file"`

	// oss
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
	ObjectPrefix    string `yaml:"object_prefix"`

	// registry
	Scheme    string `yaml:"scheme"`
	Host      string `yaml:"host"`
	Namespace string `yaml:"namespace"`
	Repo      string `yaml:"repo"`
	Auth      string `yaml:"auth"`

	// backend_proxy
	ProxyURL string `yaml:"proxy_url"`
}

// Build carries the builder knobs. Zero values defer to the [build]
// section of the harness configuration.
type Build struct {
	FSVersion      string   `yaml:"fs_version"`
	Compressor     string   `yaml:"compressor"`
	ChunkSize      int      `yaml:"chunk_size"`
	PrefetchPolicy string   `yaml:"prefetch_policy"`
	PrefetchFiles  []string `yaml:"prefetch_files"`
	WhiteoutSpec   string   `yaml:"whiteout_spec"`
	DisableCheck   bool     `yaml:"disable_check"`
	FromStargz     bool     `yaml:"from_stargz"`
	OSSUpload      string   `yaml:"oss_upload"`
}

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

var knownPrefetchPolicies = map[string]struct{}{
	"none": {},
	"fs":   {},
	"blob": {},
}

var knownUploadModes = map[string]struct{}{
	"util":    {},
	"builder": {},
	"none":    {},
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "manifest", "load", "read manifest", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, services.Wrap(services.ErrValidation, "manifest", "load", "parse manifest", err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.resolvePaths(filepath.Dir(path))
	return &m, nil
}

// resolvePaths anchors relative host paths at the manifest's directory so
// a manifest behaves the same no matter where the command is run from.
// Prefetch entries are paths inside the image and stay untouched.
func (m *Manifest) resolvePaths(dir string) {
	m.Source = resolve(dir, m.Source)
	m.Bootstrap = resolve(dir, m.Bootstrap)
	m.Backend.Dir = resolve(dir, m.Backend.Dir)
	m.Backend.BlobFile = resolve(dir, m.Backend.BlobFile)
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func (m *Manifest) normalize() {
	m.Source = strings.TrimSpace(m.Source)
	m.Bootstrap = strings.TrimSpace(m.Bootstrap)
	m.Backend.Kind = strings.ToLower(strings.TrimSpace(m.Backend.Kind))
	m.Build.Compressor = strings.ToLower(strings.TrimSpace(m.Build.Compressor))
	m.Build.WhiteoutSpec = strings.ToLower(strings.TrimSpace(m.Build.WhiteoutSpec))
	m.Build.PrefetchPolicy = strings.ToLower(strings.TrimSpace(m.Build.PrefetchPolicy))
	m.Build.OSSUpload = strings.ToLower(strings.TrimSpace(m.Build.OSSUpload))
	m.Build.FSVersion = strings.TrimSpace(m.Build.FSVersion)
	for i, f := range m.Build.PrefetchFiles {
		m.Build.PrefetchFiles[i] = strings.TrimSpace(f)
	}
}

// Validate rejects manifests that name unknown kinds or builder options.
// Empty fields are always valid; they resolve against the configuration.
func (m *Manifest) Validate() error {
	if m.Source == "" {
		return invalid("source is required")
	}
	if m.Backend.Kind != "" {
		if _, err := backend.ParseKind(m.Backend.Kind); err != nil {
			return err
		}
	}
	if m.Build.FSVersion != "" && m.Build.FSVersion != "5" && m.Build.FSVersion != "6" {
		return invalid(fmt.Sprintf("build.fs_version must be 5 or 6, got %q", m.Build.FSVersion))
	}
	if m.Build.Compressor != "" {
		if _, ok := knownCompressors[m.Build.Compressor]; !ok {
			return invalid(fmt.Sprintf("unknown build.compressor %q", m.Build.Compressor))
		}
	}
	if m.Build.WhiteoutSpec != "" {
		if _, ok := knownWhiteoutSpecs[m.Build.WhiteoutSpec]; !ok {
			return invalid(fmt.Sprintf("unknown build.whiteout_spec %q", m.Build.WhiteoutSpec))
		}
	}
	if m.Build.PrefetchPolicy != "" {
		if _, ok := knownPrefetchPolicies[m.Build.PrefetchPolicy]; !ok {
			return invalid(fmt.Sprintf("unknown build.prefetch_policy %q", m.Build.PrefetchPolicy))
		}
	}
	if m.Build.OSSUpload != "" {
		if _, ok := knownUploadModes[m.Build.OSSUpload]; !ok {
			return invalid(fmt.Sprintf("unknown build.oss_upload %q", m.Build.OSSUpload))
		}
	}
	if m.Build.ChunkSize < 0 {
		return invalid("build.chunk_size must not be negative")
	}
	return nil
}

// HasBackend reports whether the manifest selects a backend at all.
func (m *Manifest) HasBackend() bool {
	return m.Backend.Kind != ""
}

func invalid(message string) error {
	return services.Wrap(services.ErrValidation, "manifest", "validate", message, nil)
}
