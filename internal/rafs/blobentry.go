package rafs

import (
	"encoding/json"

	"rafsctl/internal/services"
)

const defaultBlobEntryPrefetchThreads = 4

// BlobEntryConf assembles the alternate configuration document used for
// single-blob and shared-domain mounts served through the kernel cache. The
// document shape differs from the device config: backend and cache settings
// nest under a per-entry config object keyed by the filesystem id.
type BlobEntryConf struct {
	entryType    string
	fsid         string
	backendType  string
	host         string
	repo         string
	auth         string
	scheme       string
	cacheWorkDir string
	metadataPath string

	prefetchEnabled bool
	prefetchThreads int
}

// NewBlobEntryConf creates a blob entry document for a registry-served
// bootstrap with the cache working in cacheDir and prefetch disabled.
func NewBlobEntryConf(cacheDir string) *BlobEntryConf {
	return &BlobEntryConf{
		entryType:    "bootstrap",
		backendType:  "registry",
		scheme:       "http",
		cacheWorkDir: cacheDir,
	}
}

// SetType overrides the entry type.
func (b *BlobEntryConf) SetType(entryType string) *BlobEntryConf {
	b.entryType = entryType
	return b
}

// SetFsid keys the entry: the filesystem id doubles as the entry id, the
// domain id, and the nested config id.
func (b *BlobEntryConf) SetFsid(fsid string) *BlobEntryConf {
	b.fsid = fsid
	return b
}

// SetRepo overrides the registry repository.
func (b *BlobEntryConf) SetRepo(repo string) *BlobEntryConf {
	b.repo = repo
	return b
}

// SetMetadataPath points the entry at its bootstrap file.
func (b *BlobEntryConf) SetMetadataPath(path string) *BlobEntryConf {
	b.metadataPath = path
	return b
}

// SetProxyBackend serves blob data through a proxy: host is the proxy
// address and the repository is the fixed proxy namespace.
func (b *BlobEntryConf) SetProxyBackend(host string) *BlobEntryConf {
	b.host = host
	b.repo = "nydus"
	return b
}

// SetPrefetch enables prefetch-all with the supplied thread count, four
// threads when non-positive.
func (b *BlobEntryConf) SetPrefetch(threads int) *BlobEntryConf {
	if threads <= 0 {
		threads = defaultBlobEntryPrefetchThreads
	}
	b.prefetchEnabled = true
	b.prefetchThreads = threads
	return b
}

type blobEntryDoc struct {
	Type       string               `json:"type"`
	ID         string               `json:"id"`
	DomainID   string               `json:"domain_id"`
	Config     blobEntryConfigDoc   `json:"config"`
	FsPrefetch blobEntryPrefetchDoc `json:"fs_prefetch"`
}

type blobEntryConfigDoc struct {
	ID            string              `json:"id"`
	BackendType   string              `json:"backend_type"`
	BackendConfig blobEntryBackendDoc `json:"backend_config"`
	CacheType     string              `json:"cache_type"`
	CacheConfig   cacheConfigDoc      `json:"cache_config"`
	MetadataPath  string              `json:"metadata_path"`
}

type blobEntryBackendDoc struct {
	Readahead bool              `json:"readahead"`
	Host      string            `json:"host"`
	Repo      string            `json:"repo"`
	Auth      string            `json:"auth"`
	Scheme    string            `json:"scheme"`
	Proxy     blobEntryProxyDoc `json:"proxy"`
}

type blobEntryProxyDoc struct {
	Fallback bool `json:"fallback"`
}

type blobEntryPrefetchDoc struct {
	Enable        bool `json:"enable"`
	PrefetchAll   bool `json:"prefetch_all"`
	ThreadsCount  int  `json:"threads_count"`
	MergingSize   int  `json:"merging_size"`
	BandwidthRate int  `json:"bandwidth_rate"`
}

// Dumps serializes the entry document. The fsid must have been set; entries
// without one cannot be addressed by the daemon.
func (b *BlobEntryConf) Dumps() ([]byte, error) {
	if b.fsid == "" {
		return nil, services.Wrap(services.ErrConfiguration, "rafs", "blob entry", "fsid required", nil)
	}
	doc := blobEntryDoc{
		Type:     b.entryType,
		ID:       b.fsid,
		DomainID: b.fsid,
		Config: blobEntryConfigDoc{
			ID:          b.fsid,
			BackendType: b.backendType,
			BackendConfig: blobEntryBackendDoc{
				Host:   b.host,
				Repo:   b.repo,
				Auth:   b.auth,
				Scheme: b.scheme,
			},
			CacheType:    "fscache",
			CacheConfig:  cacheConfigDoc{WorkDir: b.cacheWorkDir},
			MetadataPath: b.metadataPath,
		},
		FsPrefetch: blobEntryPrefetchDoc{
			Enable:       b.prefetchEnabled,
			PrefetchAll:  b.prefetchEnabled,
			ThreadsCount: b.prefetchThreads,
		},
	}
	return json.Marshal(doc)
}
