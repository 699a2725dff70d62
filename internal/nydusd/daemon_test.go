package nydusd_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"rafsctl/internal/nydusd"
	"rafsctl/internal/services"
)

type stubHandle struct {
	pid  int
	done chan struct{}

	mu           sync.Mutex
	exitErr      error
	exited       bool
	signals      []os.Signal
	exitOnSignal bool
	signalErr    error
}

func newStubHandle() *stubHandle {
	return &stubHandle{pid: 4242, done: make(chan struct{})}
}

func (h *stubHandle) PID() int { return h.pid }

func (h *stubHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	exit := h.exitOnSignal
	err := h.signalErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if exit {
		h.exit(nil)
	}
	return nil
}

func (h *stubHandle) Done() <-chan struct{} { return h.done }

func (h *stubHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *stubHandle) exit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitErr = err
	close(h.done)
}

func (h *stubHandle) sawSignal(sig os.Signal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.signals {
		if s == sig {
			return true
		}
	}
	return false
}

type stubLauncher struct {
	handle  *stubHandle
	err     error
	calls   int
	binary  string
	args    []string
	logPath string
}

func (l *stubLauncher) Launch(_ context.Context, binary string, args []string, logPath string) (nydusd.Handle, error) {
	l.calls++
	l.binary = binary
	l.args = append([]string(nil), args...)
	l.logPath = logPath
	if l.err != nil {
		return nil, l.err
	}
	return l.handle, nil
}

// probeAfter returns a probe that reports mounted from the nth call on.
func probeAfter(n int) (nydusd.MountProbe, *int) {
	calls := 0
	return func(string) (bool, error) {
		calls++
		return calls >= n, nil
	}, &calls
}

func probeNever(string) (bool, error) { return false, nil }

func newSession(t *testing.T, launcher *stubLauncher, probe nydusd.MountProbe, opts ...nydusd.Option) *nydusd.Daemon {
	t.Helper()
	base := t.TempDir()
	cfg := nydusd.SessionConfig{
		Binary:        "nydusd",
		Mountpoint:    filepath.Join(base, "mnt"),
		APISock:       filepath.Join(base, "api.sock"),
		ConfigPath:    filepath.Join(base, "rafs.json"),
		BootstrapPath: filepath.Join(base, "image.bootstrap"),
		LogLevel:      "warn",
	}
	if err := os.MkdirAll(cfg.Mountpoint, 0o755); err != nil {
		t.Fatalf("create mountpoint: %v", err)
	}
	all := append([]nydusd.Option{
		nydusd.WithLauncher(launcher),
		nydusd.WithMountProbe(probe),
		nydusd.WithLockDir(filepath.Join(base, "locks")),
		nydusd.WithPollInterval(time.Millisecond),
	}, opts...)
	daemon, err := nydusd.New(cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return daemon
}

func TestMountBecomesReadyOnProbeSuccess(t *testing.T) {
	launcher := &stubLauncher{handle: newStubHandle()}
	probe, calls := probeAfter(3)
	daemon := newSession(t, launcher, probe)

	if err := daemon.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := daemon.State(); got != nydusd.StateMounted {
		t.Fatalf("state = %s, want %s", got, nydusd.StateMounted)
	}
	if *calls != 3 {
		t.Fatalf("probe called %d times, want 3", *calls)
	}
	if launcher.calls != 1 {
		t.Fatalf("launcher called %d times, want 1", launcher.calls)
	}
}

func TestMountComposesDaemonArguments(t *testing.T) {
	launcher := &stubLauncher{handle: newStubHandle()}
	probe, _ := probeAfter(1)
	daemon := newSession(t, launcher, probe,
		nydusd.WithThreadNum(4),
		nydusd.WithFscache("/var/cache/fscache"),
		nydusd.WithFscacheThreads(2),
		nydusd.WithPrefetchFiles("/tmp/hints"),
		nydusd.WithID("session-a"),
	)
	if err := daemon.SetSupervisor("/tmp/supervisor.sock"); err != nil {
		t.Fatalf("SetSupervisor: %v", err)
	}
	if err := daemon.SetFailoverPolicy("flush"); err != nil {
		t.Fatalf("SetFailoverPolicy: %v", err)
	}
	if err := daemon.Upgrade(); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	if err := daemon.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if launcher.binary != "nydusd" {
		t.Fatalf("binary = %q", launcher.binary)
	}
	want := []string{
		"fuse",
		"--apisock", daemon.APISock(),
		"--log-level", "warn",
		"--mountpoint", daemon.Mountpoint(),
		"--config", filepath.Join(filepath.Dir(daemon.APISock()), "rafs.json"),
		"--bootstrap", filepath.Join(filepath.Dir(daemon.APISock()), "image.bootstrap"),
		"--thread-num", "4",
		"--fscache", "/var/cache/fscache",
		"--fscache-threads", "2",
		"--prefetch-files", "/tmp/hints",
		"--supervisor", "/tmp/supervisor.sock",
		"--id", "session-a",
		"--upgrade",
		"--failover-policy", "flush",
	}
	if !equalStrings(launcher.args, want) {
		t.Fatalf("args = %v, want %v", launcher.args, want)
	}
}

func TestWaitMountReportsProcessDeath(t *testing.T) {
	handle := newStubHandle()
	handle.exit(errors.New("exit status 255"))
	launcher := &stubLauncher{handle: handle}
	daemon := newSession(t, launcher, probeNever)

	start := time.Now()
	err := daemon.Mount(context.Background())
	if !errors.Is(err, services.ErrProcessTerminated) {
		t.Fatalf("Mount error = %v, want ErrProcessTerminated", err)
	}
	if errors.Is(err, services.ErrMountTimeout) {
		t.Fatalf("Mount error should not be a timeout: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("death detection took %s, should preempt the poll budget", elapsed)
	}
	if got := daemon.State(); got != nydusd.StateFailed {
		t.Fatalf("state = %s, want %s", got, nydusd.StateFailed)
	}
}

func TestWaitMountTimesOut(t *testing.T) {
	launcher := &stubLauncher{handle: newStubHandle()}
	daemon := newSession(t, launcher, probeNever)

	err := daemon.Mount(context.Background())
	if !errors.Is(err, services.ErrMountTimeout) {
		t.Fatalf("Mount error = %v, want ErrMountTimeout", err)
	}
	if got := daemon.State(); got != nydusd.StateFailed {
		t.Fatalf("state = %s, want %s", got, nydusd.StateFailed)
	}
}

func TestWaitMountHonorsContext(t *testing.T) {
	launcher := &stubLauncher{handle: newStubHandle()}
	daemon := newSession(t, launcher, probeNever)

	ctx, cancel := context.WithCancel(context.Background())
	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	err := daemon.WaitMount(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitMount error = %v, want context.Canceled", err)
	}
	if got := daemon.State(); got != nydusd.StateFailed {
		t.Fatalf("state = %s, want %s", got, nydusd.StateFailed)
	}
}

func TestLifecycleRejectsOutOfOrderOperations(t *testing.T) {
	launcher := &stubLauncher{handle: newStubHandle()}
	probe, _ := probeAfter(1)
	daemon := newSession(t, launcher, probe)

	if err := daemon.WaitMount(context.Background()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("WaitMount before Start = %v, want ErrValidation", err)
	}
	if err := daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := daemon.Start(context.Background()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("second Start = %v, want ErrValidation", err)
	}
	if err := daemon.Upgrade(); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Upgrade after Start = %v, want ErrValidation", err)
	}
	if err := daemon.SetSupervisor("/tmp/sup.sock"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("SetSupervisor after Start = %v, want ErrValidation", err)
	}
}

func TestSetFailoverPolicyRejectsUnknownPolicy(t *testing.T) {
	launcher := &stubLauncher{handle: newStubHandle()}
	daemon := newSession(t, launcher, probeNever)
	if err := daemon.SetFailoverPolicy("retry-forever"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("SetFailoverPolicy = %v, want ErrValidation", err)
	}
}

func TestUmountAdvancesStateEvenWhenDetachFails(t *testing.T) {
	launcher := &stubLauncher{handle: newStubHandle()}
	probe, _ := probeAfter(1)
	daemon := newSession(t, launcher, probe)

	if err := daemon.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	// The mountpoint is a plain directory, so the kernel rejects the
	// detach; the session must still reach Terminated.
	err := daemon.Umount()
	if err == nil {
		t.Fatal("Umount on a plain directory should report the detach error")
	}
	if got := daemon.State(); got != nydusd.StateTerminated {
		t.Fatalf("state = %s, want %s", got, nydusd.StateTerminated)
	}
	if err := daemon.Umount(); err != nil {
		t.Fatalf("repeat Umount should be a no-op, got %v", err)
	}
}

func TestShutdownTerminatesCleanly(t *testing.T) {
	handle := newStubHandle()
	handle.exitOnSignal = true
	launcher := &stubLauncher{handle: handle}
	probe, _ := probeAfter(1)
	daemon := newSession(t, launcher, probe)

	if err := daemon.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := daemon.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := daemon.State(); got != nydusd.StateTerminated {
		t.Fatalf("state = %s, want %s", got, nydusd.StateTerminated)
	}
	if !handle.sawSignal(syscall.SIGTERM) {
		t.Fatal("daemon never received SIGTERM")
	}
}

func TestShutdownReportsDirtyExit(t *testing.T) {
	handle := newStubHandle()
	launcher := &stubLauncher{handle: handle}
	probe, _ := probeAfter(1)
	daemon := newSession(t, launcher, probe)

	if err := daemon.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		handle.exit(errors.New("exit status 1"))
	}()
	err := daemon.Shutdown()
	if !errors.Is(err, services.ErrShutdown) {
		t.Fatalf("Shutdown = %v, want ErrShutdown", err)
	}
	if got := daemon.State(); got != nydusd.StateFailed {
		t.Fatalf("state = %s, want %s", got, nydusd.StateFailed)
	}
}

func TestShutdownFromUnstartedIsNoop(t *testing.T) {
	launcher := &stubLauncher{handle: newStubHandle()}
	daemon := newSession(t, launcher, probeNever)
	if err := daemon.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := daemon.State(); got != nydusd.StateUnstarted {
		t.Fatalf("state = %s, want %s", got, nydusd.StateUnstarted)
	}
}

func TestMountpointLockIsExclusive(t *testing.T) {
	base := t.TempDir()
	mountpoint := filepath.Join(base, "mnt")
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		t.Fatalf("create mountpoint: %v", err)
	}
	lockDir := filepath.Join(base, "locks")

	newDaemon := func(handle *stubHandle) *nydusd.Daemon {
		t.Helper()
		daemon, err := nydusd.New(nydusd.SessionConfig{
			Binary:     "nydusd",
			Mountpoint: mountpoint,
			APISock:    filepath.Join(base, "api.sock"),
		},
			nydusd.WithLauncher(&stubLauncher{handle: handle}),
			nydusd.WithMountProbe(probeNever),
			nydusd.WithLockDir(lockDir),
			nydusd.WithPollInterval(time.Millisecond),
		)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return daemon
	}

	firstHandle := newStubHandle()
	firstHandle.exitOnSignal = true
	first := newDaemon(firstHandle)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	second := newDaemon(newStubHandle())
	if err := second.Start(context.Background()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("second Start = %v, want ErrValidation", err)
	}

	if err := first.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}

	third := newDaemon(newStubHandle())
	if err := third.Start(context.Background()); err != nil {
		t.Fatalf("Start after lock release: %v", err)
	}
}

func TestParseState(t *testing.T) {
	for _, value := range []string{"unstarted", "mounting", "mounted", "unmounting", "terminated", "failed"} {
		state, err := nydusd.ParseState(value)
		if err != nil {
			t.Fatalf("ParseState(%q): %v", value, err)
		}
		if state.String() != value {
			t.Fatalf("ParseState(%q) = %s", value, state)
		}
	}
	if _, err := nydusd.ParseState("paused"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("ParseState(paused) = %v, want ErrValidation", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
