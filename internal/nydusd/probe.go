package nydusd

import (
	"errors"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"rafsctl/internal/services"
)

// MountProbe reports whether a filesystem is mounted at mountpoint.
// Probes must be cheap; the session polls them on a short interval.
type MountProbe func(mountpoint string) (bool, error)

// DefaultProbe detects a live mount by comparing device numbers between
// the mountpoint and its parent directory. A bind mount of the parent
// onto itself shows up as matching inodes instead.
func DefaultProbe(mountpoint string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(mountpoint, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return false, nil
		}
		return false, err
	}

	parent := filepath.Dir(mountpoint)
	var pst unix.Stat_t
	if err := unix.Stat(parent, &pst); err != nil {
		return false, err
	}

	if st.Dev != pst.Dev {
		return true, nil
	}
	return st.Ino == pst.Ino, nil
}

// Unmount issues a lazy detach against mountpoint. The kernel completes
// the detach once the last reference drops, so success here does not
// mean the filesystem is already gone.
func Unmount(mountpoint string) error {
	if err := unix.Unmount(mountpoint, unix.MNT_DETACH); err != nil {
		return services.Wrap(services.ErrExternalTool, "nydusd", "umount", "lazy detach of "+mountpoint+" failed", err)
	}
	return nil
}

// Terminate asks the process identified by pid to exit via SIGTERM and
// waits up to timeout for it to disappear. It is the teardown path for
// sessions recorded by an earlier run, where no wait handle exists and
// the exit status cannot be observed.
func Terminate(pid int, timeout time.Duration) error {
	if pid <= 0 {
		return services.Wrap(services.ErrValidation, "nydusd", "terminate", "session has no recorded pid", nil)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return services.Wrap(services.ErrShutdown, "nydusd", "terminate", "signal daemon", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			if errors.Is(err, unix.EPERM) {
				// Still alive under another uid; keep waiting.
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return services.Wrap(services.ErrShutdown, "nydusd", "terminate", "poll daemon", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return services.Wrap(services.ErrShutdown, "nydusd", "terminate", "daemon did not exit after SIGTERM", nil)
}

// ProcessAlive reports whether pid exists. EPERM counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
