package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// stubBlobID is the blob descriptor every stubbed builder run reports.
const stubBlobID = "deadbeefcafe458996b1e1a4"

// builderStub mimics nydus-image: it scans the argv the client assembles,
// writes the bootstrap and blob where asked, and reports one blob
// descriptor through the output document.
const builderStub = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "nydus-image 2.2.4"
  exit 0
fi
bootstrap=""
output=""
blobdir=""
blob=""
prev=""
for arg in "$@"; do
  case "$prev" in
    --bootstrap) bootstrap="$arg" ;;
    --output-json) output="$arg" ;;
    --blob-dir) blobdir="$arg" ;;
    --blob) blob="$arg" ;;
  esac
  prev="$arg"
done
blobid="deadbeefcafe458996b1e1a4"
if [ -n "$bootstrap" ]; then
  printf 'bootstrap' > "$bootstrap"
fi
if [ -n "$blobdir" ]; then
  printf 'blob-bytes' > "$blobdir/$blobid"
elif [ -n "$blob" ]; then
  printf 'blob-bytes' > "$blob"
fi
if [ -n "$output" ]; then
  printf '{"blobs": ["%s"]}' "$blobid" > "$output"
fi
exit 0
`

// daemonStub stands in for nydusd. It execs sleep so the recorded pid is
// the long-lived process itself and SIGTERM reaches it directly.
const daemonStub = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "nydusd 2.2.4"
  exit 0
fi
exec sleep 30
`

const ossutilStub = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "ossutil 1.7.18"
fi
exit 0
`

type cliTestEnv struct {
	baseDir    string
	workspace  string
	configPath string
	binDir     string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)

	binDir := filepath.Join(base, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir bin: %v", err)
	}
	writeStub(t, filepath.Join(binDir, "nydus-image"), builderStub)
	writeStub(t, filepath.Join(binDir, "nydusd"), daemonStub)
	writeStub(t, filepath.Join(binDir, "ossutil"), ossutilStub)

	workspace := filepath.Join(base, "workspace")
	configPath := filepath.Join(homeDir, ".config", "rafsctl", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}

	env := &cliTestEnv{
		baseDir:    base,
		workspace:  workspace,
		configPath: configPath,
		binDir:     binDir,
	}
	writeTestConfig(t, env, "fuse")
	return env
}

func writeStub(t *testing.T, path, script string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", path, err)
	}
}

func writeTestConfig(t *testing.T, env *cliTestEnv, daemonMode string) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
workspace_dir = %q

[tools]
nydusd = %q
nydus_image = %q
ossutil = %q

[daemon]
mode = %q
`,
		env.workspace,
		filepath.Join(env.binDir, "nydusd"),
		filepath.Join(env.binDir, "nydus-image"),
		filepath.Join(env.binDir, "ossutil"),
		daemonMode,
	)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func writeSourceTree(t *testing.T, base string) string {
	t.Helper()
	source := filepath.Join(base, "rootfs")
	if err := os.MkdirAll(filepath.Join(source, "etc"), 0o755); err != nil {
		t.Fatalf("mkdir source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(source, "etc", "hostname"), []byte("img\n"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return source
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
