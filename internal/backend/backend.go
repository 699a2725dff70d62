package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"rafsctl/internal/services"
)

// Kind identifies the storage variant blob data is served from.
type Kind string

const (
	KindLocalfs  Kind = "localfs"
	KindOSS      Kind = "oss"
	KindRegistry Kind = "registry"
	KindProxy    Kind = "backend_proxy"
)

// ParseKind normalizes a user-supplied backend name.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindLocalfs:
		return KindLocalfs, nil
	case KindOSS:
		return KindOSS, nil
	case KindRegistry:
		return KindRegistry, nil
	case KindProxy:
		return KindProxy, nil
	default:
		return "", services.Wrap(services.ErrValidation, "backend", "parse", fmt.Sprintf("unknown backend kind %q", raw), nil)
	}
}

// Spec addresses blob data for exactly one storage variant. A Spec is
// immutable once constructed; builds and mounts that captured it keep a
// consistent view even if the caller configures another one later.
type Spec struct {
	kind Kind

	dir      string
	blobFile string

	endpoint        string
	accessKeyID     string
	accessKeySecret string
	bucket          string
	objectPrefix    string

	scheme string
	host   string
	repo   string
	auth   string
}

// Kind reports the variant selected at construction time. Proxied specs
// report KindProxy even though they serialize as registry backends.
func (s Spec) Kind() Kind {
	return s.kind
}

// WireType reports the backend type string the daemon expects. Proxied
// stores normalize to "registry" so the daemon needs no proxy-specific
// handling.
func (s Spec) WireType() string {
	if s.kind == KindProxy {
		return string(KindRegistry)
	}
	return string(s.kind)
}

// Dir reports the backing directory of a localfs spec.
func (s Spec) Dir() string {
	return s.dir
}

// BlobFile reports the single backing blob of a localfs spec, if set.
func (s Spec) BlobFile() string {
	return s.blobFile
}

// ObjectPrefix reports the object key prefix of an oss spec.
func (s Spec) ObjectPrefix() string {
	return s.objectPrefix
}

// Endpoint reports the oss service endpoint.
func (s Spec) Endpoint() string {
	return s.endpoint
}

// Bucket reports the oss bucket name.
func (s Spec) Bucket() string {
	return s.bucket
}

// AccessKeyID reports the oss access key id.
func (s Spec) AccessKeyID() string {
	return s.accessKeyID
}

// AccessKeySecret reports the oss access key secret.
func (s Spec) AccessKeySecret() string {
	return s.accessKeySecret
}

// Host reports the registry or proxy host.
func (s Spec) Host() string {
	return s.host
}

// Repo reports the registry repository path.
func (s Spec) Repo() string {
	return s.repo
}

// Default returns the placeholder used before a backend is selected: an oss
// spec with no fields, the empty form the daemon accepts for metadata-only
// operation.
func Default() Spec {
	return Spec{kind: KindOSS}
}

// Localfs selects a local directory holding blobs keyed by blob id. The
// directory is created when absent.
func Localfs(dir string) (Spec, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return Spec{}, services.Wrap(services.ErrConfiguration, "backend", "localfs", "directory required", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Spec{}, services.Wrap(services.ErrConfiguration, "backend", "localfs", "create directory", err)
	}
	return Spec{kind: KindLocalfs, dir: dir}, nil
}

// LocalfsBlob selects a single local blob file as the backing store.
func LocalfsBlob(blobFile string) (Spec, error) {
	blobFile = strings.TrimSpace(blobFile)
	if blobFile == "" {
		return Spec{}, services.Wrap(services.ErrConfiguration, "backend", "localfs", "blob file required", nil)
	}
	return Spec{kind: KindLocalfs, blobFile: blobFile}, nil
}

// OSSOption adjusts optional object-store settings.
type OSSOption func(*Spec)

// WithObjectPrefix prepends a key prefix to every stored object.
func WithObjectPrefix(prefix string) OSSOption {
	return func(s *Spec) {
		s.objectPrefix = strings.Trim(strings.TrimSpace(prefix), "/")
	}
}

// OSS selects an object-store bucket. Endpoint, both access keys, and the
// bucket name are required.
func OSS(endpoint, accessKeyID, accessKeySecret, bucket string, opts ...OSSOption) (Spec, error) {
	spec := Spec{
		kind:            KindOSS,
		endpoint:        strings.TrimSpace(endpoint),
		accessKeyID:     strings.TrimSpace(accessKeyID),
		accessKeySecret: strings.TrimSpace(accessKeySecret),
		bucket:          strings.TrimSpace(bucket),
	}
	for _, opt := range opts {
		opt(&spec)
	}
	var missing []string
	if spec.endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if spec.accessKeyID == "" {
		missing = append(missing, "access key id")
	}
	if spec.accessKeySecret == "" {
		missing = append(missing, "access key secret")
	}
	if spec.bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return Spec{}, services.Wrap(services.ErrConfiguration, "backend", "oss", "missing "+strings.Join(missing, ", "), nil)
	}
	return spec, nil
}

// RegistryOption adjusts optional registry settings.
type RegistryOption func(*Spec)

// WithRepo joins a repository suffix onto the registry namespace.
func WithRepo(repo string) RegistryOption {
	return func(s *Spec) {
		repo = strings.Trim(strings.TrimSpace(repo), "/")
		if repo == "" {
			return
		}
		if s.repo == "" {
			s.repo = repo
			return
		}
		s.repo = path.Join(s.repo, repo)
	}
}

// WithAuth attaches a base64 credential forwarded to the daemon.
func WithAuth(auth string) RegistryOption {
	return func(s *Spec) {
		s.auth = strings.TrimSpace(auth)
	}
}

// Registry selects a container registry. The host is required; namespace may
// be empty when an external manager fills the repository later.
func Registry(scheme, host, namespace string, opts ...RegistryOption) (Spec, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Spec{}, services.Wrap(services.ErrConfiguration, "backend", "registry", "host required", nil)
	}
	scheme = strings.TrimSpace(scheme)
	if scheme == "" {
		scheme = "http"
	}
	spec := Spec{
		kind:   KindRegistry,
		scheme: scheme,
		host:   host,
		repo:   strings.Trim(strings.TrimSpace(namespace), "/"),
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec, nil
}

// Proxy selects a blob proxy service. On the wire the spec is a registry
// backend with scheme http and repository "nydus" pointed at the proxy host,
// so the daemon addresses proxied blobs exactly like registry blobs.
func Proxy(host string) (Spec, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Spec{}, services.Wrap(services.ErrConfiguration, "backend", "proxy", "host required", nil)
	}
	return Spec{
		kind:   KindProxy,
		scheme: "http",
		host:   host,
		repo:   "nydus",
	}, nil
}

type wireSpec struct {
	Type   string     `json:"type"`
	Config wireConfig `json:"config"`
}

type wireConfig struct {
	Dir      string `json:"dir,omitempty"`
	BlobFile string `json:"blob_file,omitempty"`

	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	AccessKeySecret string `json:"access_key_secret,omitempty"`
	BucketName      string `json:"bucket_name,omitempty"`
	ObjectPrefix    string `json:"object_prefix,omitempty"`

	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Auth   string `json:"auth,omitempty"`
}

// MarshalJSON emits the daemon's backend document: the wire type plus only
// the active variant's config fields.
func (s Spec) MarshalJSON() ([]byte, error) {
	doc := wireSpec{Type: s.WireType()}
	switch s.kind {
	case KindLocalfs:
		doc.Config.Dir = s.dir
		doc.Config.BlobFile = s.blobFile
	case KindOSS:
		doc.Config.Endpoint = s.endpoint
		doc.Config.AccessKeyID = s.accessKeyID
		doc.Config.AccessKeySecret = s.accessKeySecret
		doc.Config.BucketName = s.bucket
		doc.Config.ObjectPrefix = s.objectPrefix
	case KindRegistry, KindProxy:
		doc.Config.Scheme = s.scheme
		doc.Config.Host = s.host
		doc.Config.Repo = s.repo
		doc.Config.Auth = s.auth
	}
	return json.Marshal(doc)
}

// String renders a short human-readable description for logs and tables.
func (s Spec) String() string {
	switch s.kind {
	case KindLocalfs:
		if s.blobFile != "" {
			return fmt.Sprintf("localfs(%s)", s.blobFile)
		}
		return fmt.Sprintf("localfs(%s)", s.dir)
	case KindOSS:
		if s.objectPrefix != "" {
			return fmt.Sprintf("oss(%s/%s/%s)", s.endpoint, s.bucket, s.objectPrefix)
		}
		return fmt.Sprintf("oss(%s/%s)", s.endpoint, s.bucket)
	case KindRegistry:
		return fmt.Sprintf("registry(%s://%s/%s)", s.scheme, s.host, s.repo)
	case KindProxy:
		return fmt.Sprintf("backend_proxy(%s)", s.host)
	default:
		return "unconfigured"
	}
}

// IsZero reports whether the spec was never configured.
func (s Spec) IsZero() bool {
	return s.kind == ""
}
