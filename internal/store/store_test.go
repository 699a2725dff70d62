package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"rafsctl/internal/services"
	"rafsctl/internal/store"
	"rafsctl/internal/testsupport"
)

func TestInsertAndResolveImage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := &store.ImageRecord{
		ID:            "aabbccdd-0000-4000-8000-000000000001",
		SourcePath:    "/srv/source",
		BootstrapPath: "/srv/bootstraps/first.bootstrap",
		BlobID:        "blob-first",
		BlobPath:      "/srv/blobs/blob-first",
		Backend:       "localfs",
		FSVersion:     "6",
		Compressor:    "lz4_block",
		SizeBytes:     1 << 20,
		CreatedAt:     time.Now().UTC().Add(-time.Minute),
	}
	second := &store.ImageRecord{
		ID:            "ffeedd00-0000-4000-8000-000000000002",
		BootstrapPath: "/srv/bootstraps/second.bootstrap",
		BlobID:        "blob-second",
		Backend:       "oss",
		CreatedAt:     time.Now().UTC(),
	}
	if err := st.InsertImage(ctx, first); err != nil {
		t.Fatalf("InsertImage first: %v", err)
	}
	if err := st.InsertImage(ctx, second); err != nil {
		t.Fatalf("InsertImage second: %v", err)
	}

	got, err := st.GetImage(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got == nil || got.BlobID != "blob-first" || got.SizeBytes != 1<<20 {
		t.Fatalf("GetImage mismatch: %+v", got)
	}

	byPrefix, err := st.ResolveImage(ctx, "aabbccdd")
	if err != nil {
		t.Fatalf("ResolveImage prefix: %v", err)
	}
	if byPrefix.ID != first.ID {
		t.Fatalf("ResolveImage prefix = %s, want %s", byPrefix.ID, first.ID)
	}

	byBlob, err := st.ResolveImage(ctx, "blob-second")
	if err != nil {
		t.Fatalf("ResolveImage blob id: %v", err)
	}
	if byBlob.ID != second.ID {
		t.Fatalf("ResolveImage blob id = %s, want %s", byBlob.ID, second.ID)
	}

	if _, err := st.ResolveImage(ctx, "no-such-ref"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("ResolveImage missing = %v, want ErrNotFound", err)
	}
}

func TestResolveImageAmbiguousPrefix(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"cafe0001", "cafe0002"} {
		record := &store.ImageRecord{
			ID:            id,
			BootstrapPath: "/srv/" + id + ".bootstrap",
			BlobID:        "blob-" + id,
			Backend:       "localfs",
		}
		if err := st.InsertImage(ctx, record); err != nil {
			t.Fatalf("InsertImage %s: %v", id, err)
		}
	}

	if _, err := st.ResolveImage(ctx, "cafe"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("ResolveImage ambiguous = %v, want ErrValidation", err)
	}
}

func TestImageArtifactsRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	artifacts := []string{
		"/srv/bootstraps/img.bootstrap",
		"/srv/staging/blob-1234",
		"/srv/blobs/deadbeef",
	}
	record := &store.ImageRecord{
		ID:            "11112222-0000-4000-8000-000000000003",
		BootstrapPath: artifacts[0],
		BlobID:        "deadbeef",
		Backend:       "localfs",
		Artifacts:     artifacts,
	}
	if err := st.InsertImage(ctx, record); err != nil {
		t.Fatalf("InsertImage: %v", err)
	}

	got, err := st.GetImage(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if len(got.Artifacts) != len(artifacts) {
		t.Fatalf("Artifacts = %v, want %v", got.Artifacts, artifacts)
	}
	for i := range artifacts {
		if got.Artifacts[i] != artifacts[i] {
			t.Fatalf("Artifacts[%d] = %q, want %q", i, got.Artifacts[i], artifacts[i])
		}
	}
}

func TestListImagesNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"older", "newer", "newest"} {
		record := &store.ImageRecord{
			ID:            id,
			BootstrapPath: "/srv/" + id + ".bootstrap",
			BlobID:        "blob-" + id,
			Backend:       "localfs",
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.InsertImage(ctx, record); err != nil {
			t.Fatalf("InsertImage %s: %v", id, err)
		}
	}

	records, err := st.ListImages(ctx)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ListImages returned %d records, want 3", len(records))
	}
	if records[0].ID != "newest" || records[2].ID != "older" {
		t.Fatalf("ListImages order = [%s %s %s], want newest first",
			records[0].ID, records[1].ID, records[2].ID)
	}
}

func TestDeleteImage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	record := testsupport.SeedImage(t, st, "blob-to-delete")
	deleted, err := st.DeleteImage(ctx, record.ID)
	if err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	if !deleted {
		t.Fatal("DeleteImage reported no row for an existing image")
	}
	deleted, err = st.DeleteImage(ctx, record.ID)
	if err != nil {
		t.Fatalf("second DeleteImage: %v", err)
	}
	if deleted {
		t.Fatal("DeleteImage reported a row after removal")
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	img := testsupport.SeedImage(t, st, "blob-mounted")
	session := &store.SessionRecord{
		ID:         "5e55104e-0000-4000-8000-000000000004",
		ImageID:    img.ID,
		Mountpoint: "/mnt/rafs/demo",
		APISock:    "/run/rafsctl/demo.sock",
		ConfigPath: "/run/rafsctl/demo.json",
		State:      "mounting",
		PID:        1234,
		Mode:       "fuse",
	}
	if err := st.InsertSession(ctx, session); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	if err := st.UpdateSessionState(ctx, session.ID, "mounted", 0, ""); err != nil {
		t.Fatalf("UpdateSessionState: %v", err)
	}
	got, err := st.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != "mounted" {
		t.Fatalf("State = %q, want mounted", got.State)
	}
	if got.PID != 1234 {
		t.Fatalf("PID = %d, zero pid update must keep the stored value", got.PID)
	}

	if err := st.UpdateSessionState(ctx, session.ID, "failed", 0, "daemon exited"); err != nil {
		t.Fatalf("UpdateSessionState failed: %v", err)
	}
	got, err = st.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != "failed" || got.LastError != "daemon exited" {
		t.Fatalf("session after failure = %+v", got)
	}

	if err := st.UpdateSessionState(ctx, "missing", "mounted", 0, ""); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("UpdateSessionState missing = %v, want ErrNotFound", err)
	}
}

func TestListSessionsFiltersByState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	states := []string{"mounted", "terminated", "failed"}
	for i, state := range states {
		session := &store.SessionRecord{
			ID:         state + "-session",
			Mountpoint: "/mnt/rafs/" + state,
			State:      state,
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := st.InsertSession(ctx, session); err != nil {
			t.Fatalf("InsertSession %s: %v", state, err)
		}
	}

	live, err := st.ListSessions(ctx, "mounted", "mounting")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(live) != 1 || live[0].State != "mounted" {
		t.Fatalf("filtered sessions = %+v, want the mounted one", live)
	}

	all, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListSessions all returned %d, want 3", len(all))
	}
}

func TestResolveSessionByMountpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	session := &store.SessionRecord{
		ID:         "0dd5e551-0000-4000-8000-000000000005",
		Mountpoint: "/mnt/rafs/lookup",
		State:      "mounted",
	}
	if err := st.InsertSession(ctx, session); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, err := st.ResolveSession(ctx, "/mnt/rafs/lookup")
	if err != nil {
		t.Fatalf("ResolveSession mountpoint: %v", err)
	}
	if got.ID != session.ID {
		t.Fatalf("ResolveSession = %s, want %s", got.ID, session.ID)
	}

	got, err = st.ResolveSession(ctx, "0dd5e551")
	if err != nil {
		t.Fatalf("ResolveSession prefix: %v", err)
	}
	if got.ID != session.ID {
		t.Fatalf("ResolveSession prefix = %s, want %s", got.ID, session.ID)
	}

	if _, err := st.ResolveSession(ctx, "/mnt/rafs/unknown"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("ResolveSession missing = %v, want ErrNotFound", err)
	}
}

func TestDeleteSessionsInStates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for _, state := range []string{"mounted", "terminated", "failed"} {
		session := &store.SessionRecord{
			ID:         state + "-prune",
			Mountpoint: "/mnt/rafs/" + state,
			State:      state,
		}
		if err := st.InsertSession(ctx, session); err != nil {
			t.Fatalf("InsertSession %s: %v", state, err)
		}
	}

	removed, err := st.DeleteSessionsInStates(ctx, "terminated", "failed")
	if err != nil {
		t.Fatalf("DeleteSessionsInStates: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d sessions, want 2", removed)
	}
	remaining, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(remaining) != 1 || remaining[0].State != "mounted" {
		t.Fatalf("remaining sessions = %+v, want only the mounted one", remaining)
	}
}

func TestSchemaVersionGuard(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	path := st.Path()
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("tamper schema version: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw db: %v", err)
	}

	if _, err := store.Open(cfg); !errors.Is(err, store.ErrSchemaMismatch) {
		t.Fatalf("Open with stale schema = %v, want ErrSchemaMismatch", err)
	}
}
