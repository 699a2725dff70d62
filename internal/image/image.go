package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"rafsctl/internal/backend"
	"rafsctl/internal/logging"
)

// Image records one completed build: where the bootstrap landed, which blob
// id addresses the data, and which local paths back it. Once created an
// image never changes except through Cleanup.
type Image struct {
	id            string
	source        string
	bootstrapPath string
	blobID        string
	stagingBlob   string
	backingBlob   string
	spec          backend.Spec
	parent        *Image
	sizeBytes     int64

	created      bool
	cleaned      bool
	clearFromOSS bool

	remover Remover
	logger  *slog.Logger
}

// Remover deletes the uploaded copy of a blob. Satisfied by the ossutil
// client.
type Remover interface {
	Remove(ctx context.Context, objectID string) error
}

// ID reports the local identifier assigned at build time.
func (img *Image) ID() string { return img.id }

// Source reports the tree or index the image was built from.
func (img *Image) Source() string { return img.source }

// BootstrapPath reports where the metadata bootstrap was written.
func (img *Image) BootstrapPath() string { return img.bootstrapPath }

// BlobID reports the content identifier of the produced blob.
func (img *Image) BlobID() string { return img.blobID }

// StagingBlobPath reports the intermediate blob file, empty for backends
// that write blobs directly into their backing directory.
func (img *Image) StagingBlobPath() string { return img.stagingBlob }

// BackingBlobPath reports the localfs blob keyed by id, empty for remote
// backends.
func (img *Image) BackingBlobPath() string { return img.backingBlob }

// BlobPath reports the local file holding blob data, preferring the backing
// copy over the staging copy.
func (img *Image) BlobPath() string {
	if img.backingBlob != "" {
		return img.backingBlob
	}
	return img.stagingBlob
}

// Backend reports the storage spec the blob was persisted against.
func (img *Image) Backend() backend.Spec { return img.spec }

// Parent reports the image this build chained onto, nil for base images.
func (img *Image) Parent() *Image { return img.parent }

// SizeBytes reports the produced blob size, zero when no local copy exists.
func (img *Image) SizeBytes() int64 { return img.sizeBytes }

// Created reports whether the build completed.
func (img *Image) Created() bool { return img.created }

// ArtifactPaths lists every local file the build produced, in registration
// order. The same paths are registered with the teardown registry.
func (img *Image) ArtifactPaths() []string {
	paths := make([]string, 0, 3)
	for _, path := range []string{img.bootstrapPath, img.stagingBlob, img.backingBlob} {
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// OwnsRemote reports whether Cleanup will delete the uploaded object copy.
func (img *Image) OwnsRemote() bool { return img.clearFromOSS }

// Cleanup removes the image's local files, its parent's, and the remote copy
// when this image owns the remote lifetime. Paths a prior pass already
// removed are ignored and a second call is a strict no-op. Remote removal
// failures are logged, never returned.
func (img *Image) Cleanup(ctx context.Context) error {
	if img == nil || img.cleaned {
		return nil
	}
	img.cleaned = true

	var failures []error
	for _, path := range img.ArtifactPaths() {
		if err := unlinkIfPresent(path); err != nil {
			img.logger.Warn("failed to remove build artifact",
				logging.String("path", path),
				logging.Error(err))
			failures = append(failures, err)
		}
	}

	if img.parent != nil {
		if err := img.parent.Cleanup(ctx); err != nil {
			failures = append(failures, err)
		}
	}

	if img.clearFromOSS && img.remover != nil && img.blobID != "" {
		if err := img.remover.Remove(ctx, img.blobID); err != nil {
			img.logger.Warn("failed to remove uploaded blob",
				logging.String(logging.FieldBlobID, img.blobID),
				logging.Error(err))
		}
	}

	return errors.Join(failures...)
}

func unlinkIfPresent(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Sha256File computes the hex digest of a file in 4 KiB blocks, the same
// derivation the builder uses for blob content identifiers.
func Sha256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open blob: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	buf := make([]byte, 4096)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read blob: %w", err)
		}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
