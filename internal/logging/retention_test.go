package logging_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"rafsctl/internal/logging"
)

func TestCleanupOldLogsPrunesByAgeAndPattern(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "nydusd-aaaa1111.log")
	fresh := filepath.Join(dir, "nydusd-bbbb2222.log")
	other := filepath.Join(dir, "rafsctl.log")
	for _, path := range []string{stale, fresh, other} {
		if err := os.WriteFile(path, []byte("log line\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	past := time.Now().AddDate(0, 0, -45)
	for _, path := range []string{stale, other} {
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("age %s: %v", path, err)
		}
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), 30, logging.RetentionTarget{
		Dir:     dir,
		Pattern: "nydusd-*.log",
	})
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected %s pruned, stat err %v", stale, err)
	}
	for _, path := range []string{fresh, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s untouched: %v", path, err)
		}
	}
}

func TestCleanupOldLogsHonorsExclusions(t *testing.T) {
	dir := t.TempDir()
	protected := filepath.Join(dir, "nydusd-keep0000.log")
	if err := os.WriteFile(protected, []byte("keep\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	past := time.Now().AddDate(0, 0, -90)
	if err := os.Chtimes(protected, past, past); err != nil {
		t.Fatalf("age: %v", err)
	}

	removed := logging.CleanupOldLogs(nil, 30, logging.RetentionTarget{
		Dir:     dir,
		Pattern: "nydusd-*.log",
		Exclude: []string{protected},
	})
	if removed != 0 {
		t.Fatalf("expected no removals, got %d", removed)
	}
	if _, err := os.Stat(protected); err != nil {
		t.Fatalf("excluded file should remain: %v", err)
	}
}

func TestCleanupOldLogsZeroRetentionDisablesPruning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nydusd-cccc3333.log")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	past := time.Now().AddDate(0, 0, -365)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("age: %v", err)
	}

	if removed := logging.CleanupOldLogs(nil, 0, logging.RetentionTarget{Dir: dir, Pattern: "*.log"}); removed != 0 {
		t.Fatalf("retention 0 must not prune, got %d", removed)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should remain: %v", err)
	}
}
