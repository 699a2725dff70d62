package ossutil_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"rafsctl/internal/services"
	"rafsctl/internal/services/ossutil"
)

// scriptedExecutor replays canned output lines and an error per call.
type scriptedExecutor struct {
	lines []string
	err   error

	calls int
	args  [][]string
}

func (e *scriptedExecutor) Run(ctx context.Context, binary string, args []string, onOutput func(string)) error {
	e.calls++
	e.args = append(e.args, append([]string(nil), args...))
	for _, line := range e.lines {
		if onOutput != nil {
			onOutput(line)
		}
	}
	return e.err
}

func newClient(t *testing.T, exec ossutil.Executor, prefix string) *ossutil.Client {
	t.Helper()
	client, err := ossutil.New("ossutil", ossutil.Settings{
		Endpoint:        "oss.example.com",
		Bucket:          "images",
		AccessKeyID:     "id",
		AccessKeySecret: "secret",
		Prefix:          prefix,
	}, ossutil.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return client
}

func TestObjectURLJoinsPrefix(t *testing.T) {
	client := newClient(t, &scriptedExecutor{}, "nightly")
	if got := client.ObjectURL("abc123"); got != "oss://images/nightly/abc123" {
		t.Fatalf("unexpected object url: %q", got)
	}

	bare := newClient(t, &scriptedExecutor{}, "")
	if got := bare.ObjectURL("abc123"); got != "oss://images/abc123" {
		t.Fatalf("unexpected bare object url: %q", got)
	}
}

func TestUploadAssemblesArgs(t *testing.T) {
	exec := &scriptedExecutor{}
	client := newClient(t, exec, "p")
	if err := client.Upload(context.Background(), "/tmp/blob", "abc", true); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}

	want := []string{
		"--endpoint", "oss.example.com",
		"--access-key-id", "id",
		"--access-key-secret", "secret",
		"cp", "/tmp/blob", "oss://images/p/abc",
		"-f",
	}
	got := exec.args[0]
	if len(got) != len(want) {
		t.Fatalf("unexpected arg count:\ngot  %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arg %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestUploadFailureWrapsExternalTool(t *testing.T) {
	exec := &scriptedExecutor{err: errors.New("exit status 1")}
	client := newClient(t, exec, "")
	err := client.Upload(context.Background(), "/tmp/blob", "abc", false)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestRemoveToleratesAbsentObject(t *testing.T) {
	exec := &scriptedExecutor{
		lines: []string{"Error: oss: service returned error: StatusCode=404, ErrorCode=NoSuchKey"},
		err:   errors.New("exit status 1"),
	}
	client := newClient(t, exec, "")
	if err := client.Remove(context.Background(), "gone"); err != nil {
		t.Fatalf("expected absent object tolerated, got %v", err)
	}
}

func TestRemoveSurfacesOtherFailures(t *testing.T) {
	exec := &scriptedExecutor{
		lines: []string{"Error: AccessDenied"},
		err:   errors.New("exit status 1"),
	}
	client := newClient(t, exec, "")
	if err := client.Remove(context.Background(), "abc"); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestStatReportsExistence(t *testing.T) {
	client := newClient(t, &scriptedExecutor{}, "")
	exists, err := client.Stat(context.Background(), "abc")
	if err != nil || !exists {
		t.Fatalf("expected existing object, got exists=%v err=%v", exists, err)
	}

	missing := newClient(t, &scriptedExecutor{
		lines: []string{"Error: oss: service returned error: StatusCode=404"},
		err:   errors.New("exit status 1"),
	}, "")
	exists, err = missing.Stat(context.Background(), "abc")
	if err != nil || exists {
		t.Fatalf("expected missing object, got exists=%v err=%v", exists, err)
	}
}

func TestNewValidatesSettings(t *testing.T) {
	_, err := ossutil.New("ossutil", ossutil.Settings{Endpoint: "e", Bucket: "b"})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "access key") {
		t.Fatalf("expected missing access key detail, got %v", err)
	}

	if _, err := ossutil.New(" ", ossutil.Settings{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing binary, got %v", err)
	}
}

func TestValidationErrorsSkipExecution(t *testing.T) {
	exec := &scriptedExecutor{}
	client := newClient(t, exec, "")
	if err := client.Upload(context.Background(), "", "abc", false); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := client.Remove(context.Background(), " "); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := client.Stat(context.Background(), ""); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("expected no executor calls, got %d", exec.calls)
	}
}
