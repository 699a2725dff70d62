package image_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"rafsctl/internal/backend"
	"rafsctl/internal/image"
)

func TestRebuildYieldsSameBlobDigest(t *testing.T) {
	stub := &builderStub{blobs: []string{"cafebabe"}}
	builder, _, base := newTestBuilder(t, stub)

	build := func(dir string) *image.Image {
		t.Helper()
		spec, err := backend.Localfs(filepath.Join(base, dir))
		if err != nil {
			t.Fatalf("backend.Localfs: %v", err)
		}
		img, err := builder.Build(context.Background(), image.BuildRequest{
			Source:    seedSource(t, base),
			Bootstrap: filepath.Join(base, dir+".bootstrap"),
			Backend:   spec,
		})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		return img
	}

	first := build("blobs-a")
	second := build("blobs-b")

	if first.BlobID() != second.BlobID() {
		t.Fatalf("blob ids diverged: %q vs %q", first.BlobID(), second.BlobID())
	}

	firstDigest, err := image.Sha256File(first.BlobPath())
	if err != nil {
		t.Fatalf("Sha256File: %v", err)
	}
	secondDigest, err := image.Sha256File(second.BlobPath())
	if err != nil {
		t.Fatalf("Sha256File: %v", err)
	}
	if firstDigest != secondDigest {
		t.Fatalf("blob digests diverged: %q vs %q", firstDigest, secondDigest)
	}

	sum := sha256.Sum256([]byte("blob payload"))
	if want := hex.EncodeToString(sum[:]); firstDigest != want {
		t.Fatalf("Sha256File = %q, want %q", firstDigest, want)
	}
}

func TestSha256FileMissingPath(t *testing.T) {
	if _, err := image.Sha256File(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("Sha256File succeeded on a missing file")
	}
}

func restoreFixture(t *testing.T, base, name string) (*image.Image, []string) {
	t.Helper()
	bootstrap := filepath.Join(base, name+".bootstrap")
	blob := filepath.Join(base, name+".blob")
	for _, path := range []string{bootstrap, blob} {
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
	spec, err := backend.LocalfsBlob(blob)
	if err != nil {
		t.Fatalf("backend.LocalfsBlob: %v", err)
	}
	img := image.Restore(image.RestoreParams{
		ID:            name,
		BootstrapPath: bootstrap,
		BlobID:        name,
		BlobPath:      blob,
		Spec:          spec,
	})
	return img, []string{bootstrap, blob}
}

func TestCleanupCascadesToRestoredParent(t *testing.T) {
	base := t.TempDir()
	parent, parentPaths := restoreFixture(t, base, "parent")
	child, childPaths := restoreFixture(t, base, "child")
	child.AttachParent(parent)

	if child.Parent() != parent {
		t.Fatal("AttachParent did not link the parent")
	}
	if err := child.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	for _, path := range append(childPaths, parentPaths...) {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("artifact %s survived cascading cleanup", path)
		}
	}

	// A restored image cleans once; repeat calls stay silent even when the
	// files are long gone.
	if err := child.Cleanup(context.Background()); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if err := parent.Cleanup(context.Background()); err != nil {
		t.Fatalf("parent Cleanup after cascade: %v", err)
	}
}
