package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"rafsctl/internal/config"
	"rafsctl/internal/store"
)

// MustOpenStore opens an inventory store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// SeedImage inserts a minimal image record and returns it.
func SeedImage(t testing.TB, st *store.Store, blobID string) *store.ImageRecord {
	t.Helper()

	record := &store.ImageRecord{
		ID:            uuid.NewString(),
		SourcePath:    "/tmp/source",
		BootstrapPath: "/tmp/" + blobID + ".bootstrap",
		BlobID:        blobID,
		Backend:       "localfs",
		FSVersion:     "6",
		CreatedAt:     time.Now().UTC(),
	}
	if err := st.InsertImage(context.Background(), record); err != nil {
		t.Fatalf("store.InsertImage: %v", err)
	}
	return record
}
