package image

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"rafsctl/internal/backend"
	"rafsctl/internal/fileutil"
	"rafsctl/internal/logging"
	"rafsctl/internal/services"
	"rafsctl/internal/services/nydusimage"
	"rafsctl/internal/teardown"
)

// UploadMode selects who pushes a finished blob to object storage.
type UploadMode string

const (
	// UploadUtil pushes the staged blob through the ossutil client.
	UploadUtil UploadMode = "util"
	// UploadBuilder trusts the image builder to have pushed the blob
	// itself; nothing further is transferred.
	UploadBuilder UploadMode = "builder"
	// UploadNone leaves the blob local.
	UploadNone UploadMode = "none"
)

// ParseUploadMode resolves a flag value, defaulting to util.
func ParseUploadMode(value string) (UploadMode, error) {
	switch UploadMode(value) {
	case "":
		return UploadUtil, nil
	case UploadUtil, UploadBuilder, UploadNone:
		return UploadMode(value), nil
	default:
		return "", services.Wrap(services.ErrValidation, "image", "parse_upload_mode", fmt.Sprintf("unknown upload mode %q", value), nil)
	}
}

// Uploader moves blob objects in and out of the object store. Satisfied
// by the ossutil client.
type Uploader interface {
	Upload(ctx context.Context, src, objectID string, force bool) error
	Remove(ctx context.Context, objectID string) error
}

// Builder turns source trees into images and persists the resulting
// blobs according to the backend kind.
type Builder struct {
	client       *nydusimage.Client
	uploader     Uploader
	registry     *teardown.Registry
	workspace    string
	proxyBlobDir string
	record       func(ctx context.Context, img *Image) error
	logger       *slog.Logger
}

// BuilderOption configures optional builder collaborators.
type BuilderOption func(*Builder)

// WithUploader wires the object-store client used for util-mode uploads
// and for remote removal during cleanup.
func WithUploader(uploader Uploader) BuilderOption {
	return func(b *Builder) { b.uploader = uploader }
}

// WithTeardown registers build artifacts with reg so a failed run can be
// rolled back.
func WithTeardown(reg *teardown.Registry) BuilderOption {
	return func(b *Builder) { b.registry = reg }
}

// WithProxyBlobDir sets the directory the backend proxy serves blobs
// from; proxy builds copy their blob there keyed by blob id.
func WithProxyBlobDir(dir string) BuilderOption {
	return func(b *Builder) { b.proxyBlobDir = dir }
}

// WithRecorder attaches a persistence hook invoked after a successful
// build, typically backed by the inventory store.
func WithRecorder(record func(ctx context.Context, img *Image) error) BuilderOption {
	return func(b *Builder) { b.record = record }
}

// WithLogger attaches a logger for build tracing.
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = logging.NewComponentLogger(logger, "image") }
}

// NewBuilder constructs a builder staging intermediate blobs under
// workspace.
func NewBuilder(client *nydusimage.Client, workspace string, opts ...BuilderOption) (*Builder, error) {
	if client == nil {
		return nil, services.Wrap(services.ErrConfiguration, "image", "new_builder", "nydus-image client required", nil)
	}
	if workspace == "" {
		return nil, services.Wrap(services.ErrConfiguration, "image", "new_builder", "staging workspace required", nil)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create staging workspace: %w", err)
	}
	b := &Builder{
		client:    client,
		workspace: workspace,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// BuildRequest describes one image build end to end: what to build, what
// it chains onto, and where the blob must end up.
type BuildRequest struct {
	Source    string
	Bootstrap string
	Backend   backend.Spec
	Parent    *Image

	FSVersion    string
	Compressor   string
	ChunkSize    int
	WhiteoutSpec string
	LogLevel     string

	PrefetchPolicy string
	PrefetchFiles  []string
	StargzIndex    bool
	DisableCheck   bool

	// UploadMode applies to oss backends only; empty means util.
	UploadMode UploadMode
}

// Build runs the image builder, persists the blob for the requested
// backend, and registers every produced local file for teardown. The
// returned image is recorded through the attached recorder, if any.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Image, error) {
	if req.Source == "" {
		return nil, services.Wrap(services.ErrValidation, "image", "build", "source required", nil)
	}
	if req.Bootstrap == "" {
		return nil, services.Wrap(services.ErrValidation, "image", "build", "bootstrap destination required", nil)
	}
	mode, err := ParseUploadMode(string(req.UploadMode))
	if err != nil {
		return nil, err
	}

	imageID := uuid.NewString()
	ctx = services.WithImageID(ctx, imageID)
	logger := logging.WithContext(ctx, b.logger)

	create := nydusimage.CreateRequest{
		Source:         req.Source,
		Bootstrap:      req.Bootstrap,
		LogLevel:       req.LogLevel,
		FSVersion:      req.FSVersion,
		Compressor:     req.Compressor,
		ChunkSize:      req.ChunkSize,
		WhiteoutSpec:   req.WhiteoutSpec,
		StargzIndex:    req.StargzIndex,
		PrefetchPolicy: req.PrefetchPolicy,
		PrefetchFiles:  req.PrefetchFiles,
		DisableCheck:   req.DisableCheck,
	}
	if req.Parent != nil {
		create.ParentBootstrap = req.Parent.BootstrapPath()
	}

	// Blob placement: localfs builds write straight into the backing
	// directory keyed by blob id; every other backend stages a uniquely
	// named file that persistence moves or uploads afterwards.
	kind := req.Backend.Kind()
	staging := ""
	switch {
	case kind == backend.KindLocalfs && req.Backend.Dir() != "":
		if err := os.MkdirAll(req.Backend.Dir(), 0o755); err != nil {
			return nil, fmt.Errorf("create blob directory: %w", err)
		}
		create.BlobDir = req.Backend.Dir()
	case kind == backend.KindLocalfs:
		if req.Backend.BlobFile() == "" {
			return nil, services.Wrap(services.ErrValidation, "image", "build", "localfs backend needs a blob dir or blob file", nil)
		}
		create.Blob = req.Backend.BlobFile()
	default:
		staging = filepath.Join(b.workspace, "blob-"+uuid.NewString())
		create.Blob = staging
	}

	b.track(req.Bootstrap)
	b.track(staging)

	result, err := b.client.Create(ctx, create)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.Bootstrap); err != nil {
		return nil, services.Wrap(services.ErrBuild, "image", "build",
			fmt.Sprintf("bootstrap %s missing after build", req.Bootstrap), err)
	}

	img := &Image{
		id:            imageID,
		source:        req.Source,
		bootstrapPath: req.Bootstrap,
		blobID:        result.BlobID,
		stagingBlob:   staging,
		spec:          req.Backend,
		parent:        req.Parent,
		created:       true,
		logger:        b.logger,
	}

	switch kind {
	case backend.KindLocalfs:
		if create.BlobDir != "" {
			img.backingBlob = filepath.Join(create.BlobDir, result.BlobID)
		} else {
			img.backingBlob = create.Blob
		}
		b.track(img.backingBlob)
	case backend.KindOSS:
		switch mode {
		case UploadUtil:
			if b.uploader == nil {
				return nil, services.Wrap(services.ErrConfiguration, "image", "build", "oss upload requested but no uploader configured", nil)
			}
			if err := b.uploader.Upload(ctx, staging, result.BlobID, true); err != nil {
				return nil, err
			}
			img.clearFromOSS = true
			img.remover = b.uploader
		case UploadBuilder, UploadNone:
			// Nothing to transfer: the builder already pushed the blob,
			// or the caller wants it to stay local.
		}
	case backend.KindProxy:
		if b.proxyBlobDir == "" {
			return nil, services.Wrap(services.ErrConfiguration, "image", "build", "proxy blob dir not configured", nil)
		}
		if err := os.MkdirAll(b.proxyBlobDir, 0o755); err != nil {
			return nil, fmt.Errorf("create proxy blob directory: %w", err)
		}
		// The proxy serves blobs by id from its own directory; the copy
		// outlives this image, so it is not tracked for teardown.
		dst := filepath.Join(b.proxyBlobDir, result.BlobID)
		if err := fileutil.CopyFileVerified(staging, dst); err != nil {
			return nil, services.Wrap(services.ErrBuild, "image", "persist",
				fmt.Sprintf("copy blob to proxy directory %s", b.proxyBlobDir), err)
		}
	case backend.KindRegistry:
		// Registry push is not wired yet; the staged blob stays local so
		// an external pusher can pick it up.
	}

	img.sizeBytes = fileutil.FileSize(img.BlobPath())

	if b.record != nil {
		if err := b.record(ctx, img); err != nil {
			return nil, fmt.Errorf("record image: %w", err)
		}
	}

	logger.Info("image built",
		logging.String(logging.FieldBlobID, img.blobID),
		logging.String(logging.FieldBackend, string(kind)),
		logging.String("bootstrap", img.bootstrapPath),
		logging.Int64("size_bytes", img.sizeBytes))
	return img, nil
}

// track registers a path for failure rollback; empty paths are ignored.
func (b *Builder) track(path string) {
	if path == "" || b.registry == nil {
		return
	}
	b.registry.Register(path)
}
