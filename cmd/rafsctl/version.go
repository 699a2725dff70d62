package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rafsctl %s\n", buildVersion())
			if info, ok := debug.ReadBuildInfo(); ok && info.GoVersion != "" {
				fmt.Fprintf(out, "built with %s\n", info.GoVersion)
			}
			return nil
		},
	}
}

// buildVersion appends the vcs revision when no release version was baked in.
func buildVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 8 {
			return fmt.Sprintf("%s (%s)", version, setting.Value[:8])
		}
	}
	return version
}
