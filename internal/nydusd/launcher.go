package nydusd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Handle is a running daemon process as seen by the session. The default
// implementation wraps exec.Cmd; tests substitute scripted handles.
type Handle interface {
	// PID returns the operating system process id.
	PID() int
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err reports the exit status after Done is closed. nil means a
	// clean zero exit.
	Err() error
}

// Launcher starts the daemon binary. Splitting this out keeps the
// lifecycle logic testable without spawning real processes.
type Launcher interface {
	Launch(ctx context.Context, binary string, args []string, logPath string) (Handle, error)
}

type execLauncher struct{}

// NewExecLauncher returns the production launcher backed by exec.Cmd.
// Daemon output is appended to logPath; an empty logPath discards it.
func NewExecLauncher() Launcher {
	return execLauncher{}
}

func (execLauncher) Launch(ctx context.Context, binary string, args []string, logPath string) (Handle, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	// The daemon must outlive the harness process, so it gets its own
	// process group and never inherits our terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil

	var logFile *os.File
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open daemon log %s: %w", logPath, err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		logFile = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// exited reports whether the handle's process has finished.
func exited(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}
