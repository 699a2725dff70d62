package deps

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const versionProbeTimeout = 2 * time.Second

// ProbeVersion resolves a binary and asks it for its version. The nydus
// tools all answer --version, so the first non-empty output line becomes
// the detail and doctor output can show which release is installed. A
// binary that resolves but refuses the flag still counts as available.
func ProbeVersion(ctx context.Context, name, command string) Status {
	result := Status{
		Name:    name,
		Command: strings.TrimSpace(command),
	}
	if result.Command == "" {
		result.Detail = "command not configured"
		return result
	}
	resolved, err := exec.LookPath(result.Command)
	if err != nil {
		result.Detail = fmt.Sprintf("binary %q not found", result.Command)
		return result
	}
	result.Command = resolved
	result.Available = true

	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	output, err := exec.CommandContext(probeCtx, resolved, "--version").CombinedOutput()
	if err != nil {
		result.Detail = "version unknown"
		return result
	}
	if line := firstLine(string(output)); line != "" {
		result.Detail = line
		return result
	}
	result.Detail = "version unknown"
	return result
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
