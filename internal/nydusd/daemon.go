// Package nydusd drives the lifecycle of a single nydusd process: launch,
// mount readiness, lazy unmount, and graceful shutdown. The package never
// speaks the daemon's control API; it observes the mount table and the
// process itself, matching how the harness supervised daemons historically.
package nydusd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"rafsctl/internal/logging"
	"rafsctl/internal/services"
)

const (
	// DefaultMode is the nydusd subcommand used when none is configured.
	DefaultMode = "fuse"

	mountPollBudget   = 300
	mountPollInterval = 10 * time.Millisecond
	shutdownWait      = 10 * time.Second
)

// SessionConfig describes one daemon session. Binary, Mountpoint and
// APISock are required; ConfigPath and BootstrapPath stay empty in
// shared-dir (passthrough) mode.
type SessionConfig struct {
	Binary        string
	Mode          string
	Mountpoint    string
	APISock       string
	ConfigPath    string
	BootstrapPath string
	LogLevel      string
	LogPath       string
}

// Daemon owns one nydusd session and serializes its state transitions.
type Daemon struct {
	cfg SessionConfig

	id             string
	threadNum      int
	fscacheDir     string
	fscacheThreads int
	prefetchFiles  string
	sharedDir      string
	supervisor     string
	failoverPolicy string
	upgrade        bool

	launcher     Launcher
	probe        MountProbe
	logger       *slog.Logger
	lockDir      string
	pollInterval time.Duration

	mu     sync.Mutex
	state  State
	handle Handle
	lock   *flock.Flock
}

// Option adjusts optional session behavior at construction time.
type Option func(*Daemon)

// WithThreadNum sets the fuse server thread count (--thread-num).
func WithThreadNum(n int) Option {
	return func(d *Daemon) { d.threadNum = n }
}

// WithFscache points the daemon at a fscache working directory.
func WithFscache(dir string) Option {
	return func(d *Daemon) { d.fscacheDir = dir }
}

// WithFscacheThreads sets the fscache worker count.
func WithFscacheThreads(n int) Option {
	return func(d *Daemon) { d.fscacheThreads = n }
}

// WithPrefetchFiles passes a prefetch hint list file to the daemon.
func WithPrefetchFiles(path string) Option {
	return func(d *Daemon) { d.prefetchFiles = path }
}

// WithSharedDir enables passthrough mode backed by dir.
func WithSharedDir(dir string) Option {
	return func(d *Daemon) { d.sharedDir = dir }
}

// WithID tags the daemon instance (--id), required for some upgrade flows.
func WithID(id string) Option {
	return func(d *Daemon) { d.id = id }
}

// WithLauncher substitutes the process launcher; tests use scripted ones.
func WithLauncher(l Launcher) Option {
	return func(d *Daemon) { d.launcher = l }
}

// WithMountProbe substitutes the mount readiness probe.
func WithMountProbe(p MountProbe) Option {
	return func(d *Daemon) { d.probe = p }
}

// WithLogger attaches a logger; a nil logger silences the session.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logging.NewComponentLogger(logger, "nydusd") }
}

// WithLockDir relocates the per-mountpoint lock files.
func WithLockDir(dir string) Option {
	return func(d *Daemon) { d.lockDir = dir }
}

// WithPollInterval tightens or relaxes the mount poll cadence. The poll
// budget stays fixed, so shorter intervals shrink the readiness window.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Daemon) { d.pollInterval = interval }
}

// New validates cfg and returns an unstarted session.
func New(cfg SessionConfig, opts ...Option) (*Daemon, error) {
	if cfg.Binary == "" {
		return nil, services.Wrap(services.ErrValidation, "nydusd", "new", "daemon binary is required", nil)
	}
	if cfg.Mountpoint == "" {
		return nil, services.Wrap(services.ErrValidation, "nydusd", "new", "mountpoint is required", nil)
	}
	if cfg.APISock == "" {
		return nil, services.Wrap(services.ErrValidation, "nydusd", "new", "api socket path is required", nil)
	}
	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}
	switch cfg.Mode {
	case "fuse", "virtiofs":
	default:
		return nil, services.Wrap(services.ErrValidation, "nydusd", "new", fmt.Sprintf("unsupported daemon mode %q", cfg.Mode), nil)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	d := &Daemon{
		cfg:          cfg,
		state:        StateUnstarted,
		pollInterval: mountPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.NewNop()
	}
	if d.launcher == nil {
		d.launcher = NewExecLauncher()
	}
	if d.probe == nil {
		d.probe = DefaultProbe
	}
	if d.lockDir == "" {
		d.lockDir = filepath.Join(os.TempDir(), "rafsctl-locks")
	}
	if d.pollInterval <= 0 {
		d.pollInterval = mountPollInterval
	}
	return d, nil
}

// Upgrade marks the session to start in upgrade mode. Only valid before
// Start.
func (d *Daemon) Upgrade() error {
	return d.mutate("upgrade", func() { d.upgrade = true })
}

// SetSupervisor wires the supervisor socket used for live upgrade and
// failover. Only valid before Start.
func (d *Daemon) SetSupervisor(path string) error {
	return d.mutate("set_supervisor", func() { d.supervisor = path })
}

// SetFailoverPolicy selects how the daemon recovers after a supervisor
// handoff. Only valid before Start.
func (d *Daemon) SetFailoverPolicy(policy string) error {
	switch policy {
	case "flush", "resend":
	default:
		return services.Wrap(services.ErrValidation, "nydusd", "set_failover_policy", fmt.Sprintf("unknown failover policy %q", policy), nil)
	}
	return d.mutate("set_failover_policy", func() { d.failoverPolicy = policy })
}

func (d *Daemon) mutate(operation string, apply func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateUnstarted {
		return services.Wrap(services.ErrValidation, "nydusd", operation, fmt.Sprintf("session already started (state %s)", d.state), nil)
	}
	apply()
	return nil
}

// Start claims the mountpoint lock and launches the daemon process,
// moving the session from Unstarted to Mounting. The mount is not ready
// until WaitMount observes it.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateUnstarted {
		return d.wrongStateLocked("start", StateUnstarted)
	}
	if err := d.acquireLockLocked(); err != nil {
		return err
	}

	args := d.commandLine()
	handle, err := d.launcher.Launch(ctx, d.cfg.Binary, args, d.cfg.LogPath)
	if err != nil {
		d.releaseLockLocked()
		d.toStateLocked(StateFailed)
		return services.Wrap(services.ErrExternalTool, "nydusd", "start", "launch daemon", err)
	}
	d.handle = handle
	d.toStateLocked(StateMounting)
	d.logger.Info("daemon launched",
		logging.String(logging.FieldBinary, d.cfg.Binary),
		logging.Int("pid", handle.PID()),
		logging.String(logging.FieldMountpoint, d.cfg.Mountpoint),
		logging.String("args", strings.Join(args, " ")))
	return nil
}

// WaitMount polls the mountpoint until the filesystem appears, the
// process dies, the poll budget runs out, or ctx is canceled. Only valid
// in Mounting.
func (d *Daemon) WaitMount(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateMounting {
		defer d.mu.Unlock()
		return d.wrongStateLocked("wait_mount", StateMounting)
	}
	handle := d.handle
	probe := d.probe
	interval := d.pollInterval
	d.mu.Unlock()

	mountpoint := d.cfg.Mountpoint
	start := time.Now()
	for i := 0; i < mountPollBudget; i++ {
		mounted, err := probe(mountpoint)
		if err != nil {
			d.logger.Debug("mount probe failed", logging.Error(err))
		} else if mounted {
			if err := d.advance("wait_mount", StateMounting, StateMounted); err != nil {
				return err
			}
			d.logger.Info("mount ready",
				logging.String(logging.FieldMountpoint, mountpoint),
				logging.Duration("elapsed", time.Since(start)))
			return nil
		}
		if exited(handle) {
			d.failFrom(StateMounting)
			return services.Wrap(services.ErrProcessTerminated, "nydusd", "wait_mount",
				fmt.Sprintf("daemon exited before %s became ready (%s after launch)",
					mountpoint, time.Since(start).Round(time.Millisecond)), handle.Err())
		}
		select {
		case <-ctx.Done():
			d.failFrom(StateMounting)
			return fmt.Errorf("wait for mount on %s: %w", mountpoint, ctx.Err())
		case <-time.After(interval):
		}
	}

	d.failFrom(StateMounting)
	return services.Wrap(services.ErrMountTimeout, "nydusd", "wait_mount",
		fmt.Sprintf("%s not ready after %d polls over %s",
			mountpoint, mountPollBudget, time.Since(start).Round(time.Millisecond)), nil)
}

// Mount is Start followed by WaitMount.
func (d *Daemon) Mount(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	return d.WaitMount(ctx)
}

// Umount lazily detaches the mountpoint. The detach error is returned
// for reporting but the session still advances to Terminated; the kernel
// finishes a lazy detach on its own schedule. Calling Umount on a
// session that never mounted is a no-op.
func (d *Daemon) Umount() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateMounted, StateMounting:
	default:
		d.logger.Debug("umount skipped",
			logging.String(logging.FieldState, d.state.String()),
			logging.String(logging.FieldMountpoint, d.cfg.Mountpoint))
		return nil
	}

	d.toStateLocked(StateUnmounting)
	err := Unmount(d.cfg.Mountpoint)
	if err != nil {
		d.logger.Warn("lazy detach reported an error",
			logging.String(logging.FieldMountpoint, d.cfg.Mountpoint),
			logging.Error(err))
	}
	d.toStateLocked(StateTerminated)
	return err
}

// Shutdown unmounts if needed, asks the process to exit with SIGTERM and
// waits for it. A dirty exit marks the session Failed and returns
// ErrShutdown. Shutdown of an Unstarted session is a no-op; from a
// terminal state it only reaps a lingering process and drops the lock.
func (d *Daemon) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateUnstarted:
		return nil
	case StateTerminated, StateFailed:
		d.stopProcessLocked(false)
		d.releaseLockLocked()
		return nil
	}

	if d.state == StateMounted {
		d.toStateLocked(StateUnmounting)
		if err := Unmount(d.cfg.Mountpoint); err != nil {
			d.logger.Warn("lazy detach reported an error",
				logging.String(logging.FieldMountpoint, d.cfg.Mountpoint),
				logging.Error(err))
		}
	}

	err := d.stopProcessLocked(true)
	d.releaseLockLocked()
	if err != nil {
		d.toStateLocked(StateFailed)
		return err
	}
	d.toStateLocked(StateTerminated)
	return nil
}

// stopProcessLocked terminates the process if it is still running. When
// assert is set, a missing clean exit is an error.
func (d *Daemon) stopProcessLocked(assert bool) error {
	h := d.handle
	if h == nil {
		return nil
	}
	if !exited(h) {
		if err := h.Signal(syscall.SIGTERM); err != nil && !exited(h) {
			if assert {
				return services.Wrap(services.ErrShutdown, "nydusd", "shutdown", "signal daemon", err)
			}
			return nil
		}
		select {
		case <-h.Done():
		case <-time.After(shutdownWait):
			if assert {
				return services.Wrap(services.ErrShutdown, "nydusd", "shutdown", "daemon did not exit after SIGTERM", nil)
			}
			return nil
		}
	}
	if assert {
		if err := h.Err(); err != nil {
			return services.Wrap(services.ErrShutdown, "nydusd", "shutdown", "daemon exited abnormally", err)
		}
	}
	return nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsMounted consults the probe, not the state machine, so it reflects
// the kernel's view of the mountpoint.
func (d *Daemon) IsMounted() bool {
	mounted, err := d.probe(d.cfg.Mountpoint)
	if err != nil {
		d.logger.Debug("mount probe failed", logging.Error(err))
		return false
	}
	return mounted
}

// APISock returns the daemon control socket path.
func (d *Daemon) APISock() string {
	return d.cfg.APISock
}

// Mountpoint returns the session mountpoint.
func (d *Daemon) Mountpoint() string {
	return d.cfg.Mountpoint
}

// ID returns the instance id, empty unless WithID was supplied.
func (d *Daemon) ID() string {
	return d.id
}

// PID returns the daemon process id, zero before Start.
func (d *Daemon) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return 0
	}
	return d.handle.PID()
}

// commandLine assembles the daemon argv. Flag order is stable so logs
// and tests can compare invocations verbatim.
func (d *Daemon) commandLine() []string {
	args := []string{d.cfg.Mode,
		"--apisock", d.cfg.APISock,
		"--log-level", d.cfg.LogLevel,
	}
	if d.cfg.Mountpoint != "" {
		args = append(args, "--mountpoint", d.cfg.Mountpoint)
	}
	if d.cfg.ConfigPath != "" {
		args = append(args, "--config", d.cfg.ConfigPath)
	}
	if d.cfg.BootstrapPath != "" {
		args = append(args, "--bootstrap", d.cfg.BootstrapPath)
	}
	if d.threadNum > 0 {
		args = append(args, "--thread-num", strconv.Itoa(d.threadNum))
	}
	if d.fscacheDir != "" {
		args = append(args, "--fscache", d.fscacheDir)
	}
	if d.fscacheThreads > 0 {
		args = append(args, "--fscache-threads", strconv.Itoa(d.fscacheThreads))
	}
	if d.prefetchFiles != "" {
		args = append(args, "--prefetch-files", d.prefetchFiles)
	}
	if d.sharedDir != "" {
		args = append(args, "--shared-dir", d.sharedDir)
	}
	if d.supervisor != "" {
		args = append(args, "--supervisor", d.supervisor)
	}
	if d.id != "" {
		args = append(args, "--id", d.id)
	}
	if d.upgrade {
		args = append(args, "--upgrade")
	}
	if d.failoverPolicy != "" {
		args = append(args, "--failover-policy", d.failoverPolicy)
	}
	return args
}

func (d *Daemon) acquireLockLocked() error {
	if err := os.MkdirAll(d.lockDir, 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(filepath.Join(d.lockDir, lockName(d.cfg.Mountpoint)))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire mountpoint lock: %w", err)
	}
	if !ok {
		return services.Wrap(services.ErrValidation, "nydusd", "start",
			fmt.Sprintf("mountpoint %s is claimed by another session", d.cfg.Mountpoint), nil)
	}
	d.lock = lock
	return nil
}

func (d *Daemon) releaseLockLocked() {
	if d.lock == nil {
		return
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release mountpoint lock", logging.Error(err))
	}
	d.lock = nil
}

// lockName flattens a mountpoint path into a lock file name.
func lockName(mountpoint string) string {
	name := strings.Trim(strings.ReplaceAll(mountpoint, string(os.PathSeparator), "_"), "_")
	if name == "" {
		name = "root"
	}
	return name + ".lock"
}

// advance moves from a known state to the next, failing if another
// operation raced in between.
func (d *Daemon) advance(operation string, from, to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != from {
		return d.wrongStateLocked(operation, from)
	}
	d.toStateLocked(to)
	return nil
}

// failFrom marks the session Failed if it is still in the given state.
func (d *Daemon) failFrom(from State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == from {
		d.toStateLocked(StateFailed)
	}
}

func (d *Daemon) toStateLocked(next State) {
	prev := d.state
	d.state = next
	d.logger.Info("session state changed",
		logging.String(logging.FieldMountpoint, d.cfg.Mountpoint),
		logging.String("from", prev.String()),
		logging.String(logging.FieldState, next.String()))
}

func (d *Daemon) wrongStateLocked(operation string, want State) error {
	return services.Wrap(services.ErrValidation, "nydusd", operation,
		fmt.Sprintf("operation requires state %s, session is %s", want, d.state), nil)
}
