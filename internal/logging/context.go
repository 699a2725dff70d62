package logging

import (
	"context"
	"log/slog"

	"rafsctl/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldSessionID is the standardized structured logging key for daemon session identifiers.
	FieldSessionID = "session_id"
	// FieldImageID is the standardized structured logging key for image identifiers.
	FieldImageID = "image_id"
	// FieldStage is the standardized structured logging key for lifecycle stage names.
	FieldStage = "stage"
	// FieldMountpoint is the standardized structured logging key for mountpoints.
	FieldMountpoint = "mountpoint"
	// FieldBlobID is the standardized structured logging key for blob content identifiers.
	FieldBlobID = "blob_id"
	// FieldBackend is the standardized structured logging key for backend kinds.
	FieldBackend = "backend"
	// FieldState is the standardized structured logging key for session lifecycle states.
	FieldState = "state"
	// FieldBinary is the standardized structured logging key for external binary paths.
	FieldBinary = "binary"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if id, ok := services.SessionIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldSessionID, id))
	}
	if id, ok := services.ImageIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldImageID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from
// the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
