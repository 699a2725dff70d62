package image

import (
	"log/slog"

	"rafsctl/internal/backend"
	"rafsctl/internal/logging"
)

// RestoreParams carries the persisted fields needed to rebuild an Image
// from the inventory.
type RestoreParams struct {
	ID            string
	Source        string
	BootstrapPath string
	BlobID        string
	BlobPath      string
	Spec          backend.Spec
	SizeBytes     int64

	// Remover re-attaches remote ownership; leave nil for images whose
	// blob lives only on local disk or whose remote copy should outlive
	// cleanup.
	Remover Remover

	Logger *slog.Logger
}

// Restore rebuilds an Image from inventory fields so bootstrap chaining and
// cleanup work across harness runs. A restored image carries no staging
// blob; only the recorded bootstrap and backing paths are removable.
func Restore(params RestoreParams) *Image {
	return &Image{
		id:            params.ID,
		source:        params.Source,
		bootstrapPath: params.BootstrapPath,
		blobID:        params.BlobID,
		backingBlob:   params.BlobPath,
		spec:          params.Spec,
		sizeBytes:     params.SizeBytes,
		created:       true,
		clearFromOSS:  params.Remover != nil,
		remover:       params.Remover,
		logger:        logging.NewComponentLogger(params.Logger, "image"),
	}
}

// AttachParent links a restored parent so Cleanup cascades to it.
func (img *Image) AttachParent(parent *Image) {
	img.parent = parent
}
