package rafs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"rafsctl/internal/backend"
	"rafsctl/internal/logging"
	"rafsctl/internal/services"
)

// Cache describes a local blob cache overlay.
type Cache struct {
	WorkDir    string
	Compressed bool
}

// Prefetch describes the daemon's filesystem prefetch policy. Zero values
// fall back to eight worker threads and a 128 KiB merge window when prefetch
// is enabled.
type Prefetch struct {
	Threads       int
	MergingSize   int
	BandwidthRate int
	PrefetchAll   bool
}

const (
	defaultPrefetchThreads = 8
	defaultMergingSize     = 128 * 1024
)

// Options seeds a Conf with the build and daemon defaults the assembled
// document depends on.
type Options struct {
	// FSVersion is the metadata format major version ("5" or "6").
	// Version 6 requires a blobcache; Bytes enforces that.
	FSVersion string
	// Mode is the metadata access mode, "direct" when empty.
	Mode string
	// CacheDir is the blobcache work directory used when EnableBlobcache
	// is called without an explicit directory, and by the version 6
	// auto-enable.
	CacheDir string
	Logger   *slog.Logger
}

// Conf assembles the daemon's runtime configuration document. Setters are
// chainable and only record state; Bytes and Dump produce the serialized
// form. After the document has been dumped for an in-flight mount the Conf
// is sealed: further setters log a warning and leave the state untouched so
// the daemon and the file on disk never disagree.
type Conf struct {
	fsVersion string
	mode      string
	cacheDir  string
	logger    *slog.Logger

	spec    backend.Spec
	specSet bool

	cache    *Cache
	prefetch *Prefetch

	iostatsFiles    bool
	latestReadFiles bool
	accessPattern   bool
	digestValidate  bool
	xattr           bool
	amplifyIO       int

	sealed bool
	path   string
}

// NewConf creates a Conf with safe defaults: an empty oss backend, direct
// metadata mode, no cache, and prefetch disabled.
func NewConf(opts Options) *Conf {
	version := strings.TrimSpace(opts.FSVersion)
	if version == "" {
		version = "6"
	}
	mode := strings.TrimSpace(opts.Mode)
	if mode == "" {
		mode = "direct"
	}
	return &Conf{
		fsVersion: version,
		mode:      mode,
		cacheDir:  strings.TrimSpace(opts.CacheDir),
		logger:    logging.NewComponentLogger(opts.Logger, "rafs"),
	}
}

func (c *Conf) mutable(operation string) bool {
	if !c.sealed {
		return true
	}
	c.logger.Warn("runtime config already dumped, ignoring mutation",
		logging.String("operation", operation),
		logging.String("path", c.path))
	return false
}

// SetBackend selects the storage backend serialized into the document.
func (c *Conf) SetBackend(spec backend.Spec) *Conf {
	if !c.mutable("set backend") {
		return c
	}
	c.spec = spec
	c.specSet = true
	return c
}

// Backend reports the configured backend spec and whether one was set.
func (c *Conf) Backend() (backend.Spec, bool) {
	return c.spec, c.specSet
}

// EnableBlobcache enables a disk-backed blob cache in the default work
// directory.
func (c *Conf) EnableBlobcache(compressed bool) *Conf {
	return c.EnableBlobcacheAt(c.cacheDir, compressed)
}

// EnableBlobcacheAt enables a disk-backed blob cache in an explicit work
// directory.
func (c *Conf) EnableBlobcacheAt(workDir string, compressed bool) *Conf {
	if !c.mutable("enable blobcache") {
		return c
	}
	c.cache = &Cache{WorkDir: workDir, Compressed: compressed}
	return c
}

// CacheEnabled reports whether a blob cache is configured.
func (c *Conf) CacheEnabled() bool {
	return c.cache != nil
}

// EnableFsPrefetch enables filesystem prefetch with the supplied policy.
func (c *Conf) EnableFsPrefetch(policy Prefetch) *Conf {
	if !c.mutable("enable fs prefetch") {
		return c
	}
	if policy.Threads <= 0 {
		policy.Threads = defaultPrefetchThreads
	}
	if policy.MergingSize <= 0 {
		policy.MergingSize = defaultMergingSize
	}
	if policy.BandwidthRate < 0 {
		policy.BandwidthRate = 0
	}
	c.prefetch = &policy
	return c
}

// EnableValidation turns on metadata digest validation. Version 6 metadata
// has no external digest validation, so the call is recorded as a no-op
// there rather than failing.
func (c *Conf) EnableValidation() *Conf {
	if !c.mutable("enable validation") {
		return c
	}
	if c.fsVersion == "6" {
		c.logger.Debug("digest validation unsupported for v6 metadata, skipping")
		return c
	}
	c.digestValidate = true
	return c
}

// EnableXattr exposes extended attributes through the mount.
func (c *Conf) EnableXattr() *Conf {
	if !c.mutable("enable xattr") {
		return c
	}
	c.xattr = true
	return c
}

// AmplifyIO sets the read amplification size in bytes.
func (c *Conf) AmplifyIO(size int) *Conf {
	if !c.mutable("amplify io") {
		return c
	}
	if size > 0 {
		c.amplifyIO = size
	}
	return c
}

// EnableFilesIostats records per-file IO statistics.
func (c *Conf) EnableFilesIostats() *Conf {
	if !c.mutable("enable files iostats") {
		return c
	}
	c.iostatsFiles = true
	return c
}

// EnableLatestReadFiles records the most recently read files.
func (c *Conf) EnableLatestReadFiles() *Conf {
	if !c.mutable("enable latest read files") {
		return c
	}
	c.latestReadFiles = true
	return c
}

// EnableAccessPattern records blob access patterns.
func (c *Conf) EnableAccessPattern() *Conf {
	if !c.mutable("enable access pattern") {
		return c
	}
	c.accessPattern = true
	return c
}

// SetMode overrides the metadata access mode.
func (c *Conf) SetMode(mode string) *Conf {
	if !c.mutable("set mode") {
		return c
	}
	if mode = strings.TrimSpace(mode); mode != "" {
		c.mode = mode
	}
	return c
}

// Mode reports the metadata access mode the document will carry.
func (c *Conf) Mode() string {
	return c.mode
}

// Path reports where the document was last dumped, empty before the first
// Dump.
func (c *Conf) Path() string {
	return c.path
}

// Sealed reports whether the document has been dumped for an in-flight
// mount.
func (c *Conf) Sealed() bool {
	return c.sealed
}

type document struct {
	Device          deviceDoc    `json:"device"`
	Mode            string       `json:"mode"`
	IostatsFiles    bool         `json:"iostats_files"`
	LatestReadFiles bool         `json:"latest_read_files,omitempty"`
	AccessPattern   bool         `json:"access_pattern,omitempty"`
	FsPrefetch      *prefetchDoc `json:"fs_prefetch,omitempty"`
	DigestValidate  bool         `json:"digest_validate,omitempty"`
	AmplifyIO       int          `json:"amplify_io,omitempty"`
	EnableXattr     bool         `json:"enable_xattr,omitempty"`
}

type deviceDoc struct {
	Backend json.RawMessage `json:"backend"`
	Cache   *cacheDoc       `json:"cache,omitempty"`
}

type cacheDoc struct {
	Type       string         `json:"type"`
	Config     cacheConfigDoc `json:"config"`
	Compressed bool           `json:"compressed"`
}

type cacheConfigDoc struct {
	WorkDir string `json:"work_dir"`
}

type prefetchDoc struct {
	Enable        bool  `json:"enable"`
	ThreadsCount  *int  `json:"threads_count,omitempty"`
	MergingSize   *int  `json:"merging_size,omitempty"`
	BandwidthRate *int  `json:"bandwidth_rate,omitempty"`
	PrefetchAll   *bool `json:"prefetch_all,omitempty"`
}

// Bytes serializes the document. Serialization is deterministic: field order
// is fixed by the document schema and repeated calls without intervening
// mutation produce byte-identical output. Version 6 metadata requires a
// blobcache, so serializing a v6 document with no cache configured enables
// the default disk-backed cache first and logs a warning.
func (c *Conf) Bytes() ([]byte, error) {
	if c.fsVersion == "6" && c.cache == nil {
		c.logger.Warn("v6 metadata requires a blobcache, enabling default disk cache",
			logging.String("work_dir", c.cacheDir))
		c.cache = &Cache{WorkDir: c.cacheDir}
	}

	spec := c.spec
	if !c.specSet {
		spec = backend.Default()
	}
	backendRaw, err := json.Marshal(spec)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "rafs", "serialize", "marshal backend", err)
	}

	doc := document{
		Device: deviceDoc{Backend: backendRaw},
		Mode:   c.mode,
	}
	if c.cache != nil {
		doc.Device.Cache = &cacheDoc{
			Type:       "blobcache",
			Config:     cacheConfigDoc{WorkDir: c.cache.WorkDir},
			Compressed: c.cache.Compressed,
		}
	}
	doc.IostatsFiles = c.iostatsFiles
	doc.LatestReadFiles = c.latestReadFiles
	doc.AccessPattern = c.accessPattern
	if c.prefetch != nil {
		doc.FsPrefetch = &prefetchDoc{
			Enable:        true,
			ThreadsCount:  intPtr(c.prefetch.Threads),
			MergingSize:   intPtr(c.prefetch.MergingSize),
			BandwidthRate: intPtr(c.prefetch.BandwidthRate),
			PrefetchAll:   boolPtr(c.prefetch.PrefetchAll),
		}
	} else {
		doc.FsPrefetch = &prefetchDoc{Enable: false}
	}
	doc.DigestValidate = c.digestValidate
	doc.AmplifyIO = c.amplifyIO
	doc.EnableXattr = c.xattr

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "rafs", "serialize", "marshal document", err)
	}
	return data, nil
}

// Dump writes the document to path, truncating any previous dump, and seals
// the Conf against further mutation. Re-dumping a sealed Conf overwrites the
// file with identical bytes.
func (c *Conf) Dump(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return services.Wrap(services.ErrConfiguration, "rafs", "dump", "config path required", nil)
	}
	data, err := c.Bytes()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return services.Wrap(services.ErrConfiguration, "rafs", "dump", fmt.Sprintf("create config directory %q", dir), err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return services.Wrap(services.ErrConfiguration, "rafs", "dump", fmt.Sprintf("write config %q", path), err)
	}
	c.logger.Info("dumped runtime config",
		logging.String("path", path),
		logging.String("mode", c.mode),
		logging.Bool("cache", c.cache != nil))
	c.sealed = true
	c.path = path
	return nil
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }
