package teardown_test

import (
	"os"
	"path/filepath"
	"testing"

	"rafsctl/internal/teardown"
)

func TestDrainRemovesInReverseOrder(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	inner := filepath.Join(nested, "blob")
	if err := os.WriteFile(inner, []byte("data"), 0o644); err != nil {
		t.Fatalf("write blob: %v", err)
	}

	reg := teardown.NewRegistry(nil)
	reg.Register(nested)
	reg.Register(inner)
	if reg.Len() != 2 {
		t.Fatalf("expected 2 registered paths, got %d", reg.Len())
	}

	if failures := reg.Drain(); len(failures) != 0 {
		t.Fatalf("unexpected drain failures: %v", failures)
	}
	if _, err := os.Stat(nested); !os.IsNotExist(err) {
		t.Fatalf("expected nested directory removed, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected registry drained, got %d", reg.Len())
	}
}

func TestDrainIgnoresAbsentPaths(t *testing.T) {
	reg := teardown.NewRegistry(nil)
	reg.Register(filepath.Join(t.TempDir(), "never-created"))
	if failures := reg.Drain(); len(failures) != 0 {
		t.Fatalf("expected absent path ignored, got %v", failures)
	}
}

func TestDrainTwiceIsNoOp(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bootstrap")
	if err := os.WriteFile(file, []byte("meta"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	reg := teardown.NewRegistry(nil)
	reg.Register(file)
	if failures := reg.Drain(); len(failures) != 0 {
		t.Fatalf("first drain failed: %v", failures)
	}
	if failures := reg.Drain(); len(failures) != 0 {
		t.Fatalf("second drain not a no-op: %v", failures)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after drains, got %d", reg.Len())
	}
}

func TestRegisterIgnoresEmptyPath(t *testing.T) {
	reg := teardown.NewRegistry(nil)
	reg.Register("")
	if reg.Len() != 0 {
		t.Fatalf("expected empty path ignored, got %d", reg.Len())
	}
}
