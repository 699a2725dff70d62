package preflight

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"rafsctl/internal/config"
	"rafsctl/internal/deps"
)

const fuseDevicePath = "/dev/fuse"

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFuseDevice verifies the FUSE device node is present and usable.
func CheckFuseDevice() Result {
	return checkDevice("FUSE device", fuseDevicePath)
}

func checkDevice(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s missing (is the kernel module loaded?)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not a character device)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckProxy verifies the blob proxy answers HTTP requests. Any HTTP
// status counts as reachable; the proxy may well reject a bare request
// while serving blob ranges fine.
func CheckProxy(ctx context.Context, baseURL string) Result {
	const name = "Blob proxy"

	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return Result{Name: name, Detail: "missing url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, base+"/", nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("reachability check failed (%v)", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("unreachable (%v)", err)}
	}
	resp.Body.Close()
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("reachable (%s)", resp.Status)}
}

// CheckSystemDeps evaluates the external binaries for the given config.
// Doctor and status both use this to avoid duplicating the requirements
// list. ossutil is only mandatory once an OSS endpoint is configured.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "nydusd",
			Command:     cfg.NydusdBinary(),
			Description: "Required for mounting images",
		},
		{
			Name:        "nydus-image",
			Command:     cfg.NydusImageBinary(),
			Description: "Required for building images",
		},
	}
	ossutil := deps.Requirement{
		Name:        "ossutil",
		Command:     cfg.OssutilBinary(),
		Description: "Uploads blobs to OSS backends",
		Optional:    true,
	}
	if strings.TrimSpace(cfg.OSS.Endpoint) != "" {
		ossutil.Optional = false
		ossutil.Description = "Required by the configured oss backend"
	}
	return deps.CheckBinaries(append(requirements, ossutil))
}
