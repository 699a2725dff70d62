package teardown

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"rafsctl/internal/logging"
)

// Registry accumulates filesystem paths produced during builds and mounts so
// a single cleanup pass can remove them. Paths drain in reverse registration
// order, newest artifacts first, because later artifacts may live inside
// directories registered earlier.
type Registry struct {
	mu     sync.Mutex
	paths  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logging.NewComponentLogger(logger, "teardown")}
}

// Register records a path for later removal. Duplicate registrations are
// kept; removal tolerates already-absent files so duplicates are harmless.
func (r *Registry) Register(path string) {
	if path == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	r.logger.Debug("registered artifact for teardown", logging.String("path", path))
}

// Len reports how many paths are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Drain removes every registered path in reverse registration order and
// forgets them, so a second Drain is a no-op. Already-absent paths are
// ignored; other removal failures are collected and returned, never fatal.
func (r *Registry) Drain() []error {
	r.mu.Lock()
	paths := r.paths
	r.paths = nil
	r.mu.Unlock()

	var failures []error
	for i := len(paths) - 1; i >= 0; i-- {
		path := paths[i]
		if err := remove(path); err != nil {
			r.logger.Warn("failed to remove artifact",
				logging.String("path", path),
				logging.Error(err))
			failures = append(failures, err)
			continue
		}
		r.logger.Debug("removed artifact", logging.String("path", path))
	}
	return failures
}

func remove(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
