package services

import "context"

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	imageIDKey   contextKey = "image_id"
	stageKey     contextKey = "stage"
)

// WithSessionID annotates context with the daemon session identifier.
func WithSessionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the daemon session identifier if present.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(sessionIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithImageID annotates context with the image identifier being operated on.
func WithImageID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, imageIDKey, id)
}

// ImageIDFromContext extracts the image identifier if present.
func ImageIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(imageIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the lifecycle stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the lifecycle stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
