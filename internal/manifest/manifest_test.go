package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"rafsctl/internal/manifest"
	"rafsctl/internal/services"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadFullManifest(t *testing.T) {
	path := writeManifest(t, `
source: ./rootfs
bootstrap: out/image.bootstrap
backend:
  kind: oss
  endpoint: oss-cn-beijing.aliyuncs.com
  bucket: imagebucket
  access_key_id: AKID
  access_key_secret: SECRET
  object_prefix: nightly
build:
  fs_version: "6"
  compressor: zstd
  chunk_size: 1048576
  prefetch_policy: fs
  prefetch_files:
    - /bin
    - /etc/hosts
  whiteout_spec: oci
  disable_check: true
  oss_upload: builder
`)

	m, err := manifest.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	dir := filepath.Dir(path)
	if got, want := m.Source, filepath.Join(dir, "rootfs"); got != want {
		t.Errorf("source = %q, want %q", got, want)
	}
	if got, want := m.Bootstrap, filepath.Join(dir, "out", "image.bootstrap"); got != want {
		t.Errorf("bootstrap = %q, want %q", got, want)
	}
	if m.Backend.Kind != "oss" || m.Backend.Bucket != "imagebucket" {
		t.Errorf("backend = %+v", m.Backend)
	}
	if m.Backend.ObjectPrefix != "nightly" {
		t.Errorf("object prefix = %q", m.Backend.ObjectPrefix)
	}
	if m.Build.FSVersion != "6" || m.Build.Compressor != "zstd" {
		t.Errorf("build = %+v", m.Build)
	}
	if m.Build.ChunkSize != 1048576 {
		t.Errorf("chunk size = %d", m.Build.ChunkSize)
	}
	if len(m.Build.PrefetchFiles) != 2 || m.Build.PrefetchFiles[0] != "/bin" {
		t.Errorf("prefetch files = %v", m.Build.PrefetchFiles)
	}
	if !m.Build.DisableCheck {
		t.Error("disable_check not set")
	}
	if m.Build.OSSUpload != "builder" {
		t.Errorf("oss_upload = %q", m.Build.OSSUpload)
	}
	if !m.HasBackend() {
		t.Error("HasBackend = false for oss manifest")
	}
}

func TestLoadMinimalManifestLeavesDefaultsEmpty(t *testing.T) {
	path := writeManifest(t, "source: /srv/rootfs\n")

	m, err := manifest.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Source != "/srv/rootfs" {
		t.Errorf("source = %q", m.Source)
	}
	if m.HasBackend() {
		t.Error("HasBackend = true without a backend section")
	}
	if m.Build.FSVersion != "" || m.Build.Compressor != "" {
		t.Errorf("build section should stay empty, got %+v", m.Build)
	}
}

func TestLoadNormalizesCase(t *testing.T) {
	path := writeManifest(t, `
source: /srv/rootfs
backend:
  kind: " OSS "
  endpoint: example.com
build:
  compressor: " ZSTD "
  oss_upload: UTIL
`)

	m, err := manifest.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Backend.Kind != "oss" {
		t.Errorf("kind = %q, want normalized oss", m.Backend.Kind)
	}
	if m.Build.Compressor != "zstd" {
		t.Errorf("compressor = %q", m.Build.Compressor)
	}
	if m.Build.OSSUpload != "util" {
		t.Errorf("oss_upload = %q", m.Build.OSSUpload)
	}
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	cases := map[string]string{
		"backend kind":    "source: /srv/rootfs\nbackend:\n  kind: s3\n",
		"compressor":      "source: /srv/rootfs\nbuild:\n  compressor: brotli\n",
		"fs version":      "source: /srv/rootfs\nbuild:\n  fs_version: \"7\"\n",
		"whiteout spec":   "source: /srv/rootfs\nbuild:\n  whiteout_spec: aufs\n",
		"prefetch policy": "source: /srv/rootfs\nbuild:\n  prefetch_policy: eager\n",
		"oss upload":      "source: /srv/rootfs\nbuild:\n  oss_upload: rsync\n",
		"missing source":  "build:\n  compressor: zstd\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := manifest.Load(writeManifest(t, content))
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("Load = %v, want validation error", err)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := manifest.Load(writeManifest(t, "source: [unclosed\n"))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Load = %v, want validation error", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := manifest.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Load = %v, want validation error", err)
	}
}
