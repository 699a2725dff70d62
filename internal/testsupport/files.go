package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with size bytes of a position-derived
// pattern. The pattern period is prime, so it never lines up with the
// write chunking and a copy that drops or duplicates a chunk hashes
// differently from the source. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)

	var offset int64
	for offset < size {
		n := size - offset
		if n > chunkSize {
			n = chunkSize
		}
		for i := int64(0); i < n; i++ {
			buf[i] = byte((offset + i) % 251)
		}
		if _, err := f.Write(buf[:n]); err != nil {
			f.Close()
			t.Fatalf("write %s: %v", path, err)
		}
		offset += n
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}
