package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"rafsctl/internal/config"
	"rafsctl/internal/deps"
	"rafsctl/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the workspace, tools, and kernel interfaces",
		Long: "Doctor verifies that the workspace directories are writable, the\n" +
			"external tools are installed, and a usable mount interface exists.\n" +
			"It exits non-zero when a required check fails.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, ctx)
		},
	}
}

func runDoctor(cmd *cobra.Command, ctx *commandContext) error {
	cfg := ctx.configValue()
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	problems := 0

	for _, line := range renderSectionHeader("Workspace", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, result := range preflight.RunAll(cmd.Context(), cfg) {
		kind := statusOK
		if !result.Passed {
			kind = statusError
			problems++
		}
		fmt.Fprintln(stdout, renderStatusLine(result.Name, kind, result.Detail, colorize))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Dependencies", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, line := range dependencyLines(cmd, cfg, colorize, &problems) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Kernel", colorize) {
		fmt.Fprintln(stdout, line)
	}
	probe := preflight.ProbeKernel()
	kind := statusOK
	if !probe.FuseDevice && !probe.CachefilesDevice {
		kind = statusWarn
	}
	fmt.Fprintln(stdout, renderStatusLine("Mount interfaces", kind, probe.Detail(), colorize))

	if problems > 0 {
		return fmt.Errorf("%d problems found", problems)
	}
	return nil
}

func dependencyLines(cmd *cobra.Command, cfg *config.Config, colorize bool, problems *int) []string {
	statuses := preflight.CheckSystemDeps(cfg)
	lines := make([]string, 0, len(statuses)+1)
	missing := make([]string, 0)
	for _, status := range statuses {
		if status.Available {
			message := "Ready"
			if probed := deps.ProbeVersion(cmd.Context(), status.Name, status.Command); probed.Detail != "" {
				message = fmt.Sprintf("Ready (%s)", probed.Detail)
			} else if status.Command != "" {
				message = fmt.Sprintf("Ready (command: %s)", status.Command)
			}
			lines = append(lines, renderStatusLine(status.Name, statusOK, message, colorize))
			continue
		}

		detail := strings.TrimSpace(status.Detail)
		if detail == "" {
			detail = "not available"
		}
		kind := statusError
		if status.Optional {
			kind = statusWarn
		} else {
			*problems++
		}
		lines = append(lines, renderStatusLine(status.Name, kind, detail, colorize))
		missing = append(missing, status.Name)
	}
	if len(missing) > 0 {
		lines = append(lines, renderStatusLine("Missing tools", statusWarn, strings.Join(missing, ", "), colorize))
	}
	return lines
}
