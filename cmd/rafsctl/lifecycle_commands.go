package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rafsctl/internal/logging"
	"rafsctl/internal/nydusd"
	"rafsctl/internal/store"
)

// shutdownWait bounds how long shutdown waits for a daemon to exit after
// SIGTERM before giving up and marking the session failed.
const shutdownWait = 10 * time.Second

func newUmountCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "umount <session-id|mountpoint>",
		Short: "Lazily detach a mounted session",
		Long: "Umount issues a lazy detach against the session's mountpoint. The\n" +
			"kernel finishes the detach once the last open file drops, and the\n" +
			"daemon exits with its fuse connection. Detach errors are reported,\n" +
			"not fatal; the session still advances to terminated.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUmount(cmd, ctx, args[0])
		},
	}
}

func runUmount(cmd *cobra.Command, ctx *commandContext, ref string) error {
	logger := ctx.ensureLogger()

	return ctx.withStore(func(st *store.Store) error {
		record, err := st.ResolveSession(cmd.Context(), ref)
		if err != nil {
			return err
		}

		if err := nydusd.Unmount(record.Mountpoint); err != nil {
			logger.Warn("lazy unmount reported an error",
				logging.String(logging.FieldSessionID, record.ID),
				logging.String(logging.FieldMountpoint, record.Mountpoint),
				logging.Error(err))
			fmt.Fprintf(cmd.OutOrStdout(), "Unmount of %s reported: %v\n", record.Mountpoint, err)
		}

		if err := st.UpdateSessionState(cmd.Context(), record.ID, nydusd.StateTerminated.String(), 0, ""); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s detached from %s\n", shortID(record.ID), record.Mountpoint)
		return nil
	})
}

func newShutdownCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown <session-id|mountpoint>",
		Short: "Unmount a session and stop its daemon",
		Long: "Shutdown detaches the mountpoint if needed, sends SIGTERM to the\n" +
			"recorded daemon pid, and waits for it to exit. A daemon that\n" +
			"ignores the signal marks the session failed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShutdown(cmd, ctx, args[0])
		},
	}
}

func runShutdown(cmd *cobra.Command, ctx *commandContext, ref string) error {
	logger := ctx.ensureLogger()

	return ctx.withStore(func(st *store.Store) error {
		record, err := st.ResolveSession(cmd.Context(), ref)
		if err != nil {
			return err
		}

		if state, parseErr := nydusd.ParseState(record.State); parseErr == nil {
			if state.Terminal() && !nydusd.ProcessAlive(record.PID) {
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s already %s\n", shortID(record.ID), record.State)
				return nil
			}
		}

		if err := nydusd.Unmount(record.Mountpoint); err != nil {
			logger.Warn("unmount before shutdown reported an error",
				logging.String(logging.FieldSessionID, record.ID),
				logging.String(logging.FieldMountpoint, record.Mountpoint),
				logging.Error(err))
		}

		if nydusd.ProcessAlive(record.PID) {
			if err := nydusd.Terminate(record.PID, shutdownWait); err != nil {
				if updateErr := st.UpdateSessionState(cmd.Context(), record.ID, nydusd.StateFailed.String(), 0, err.Error()); updateErr != nil {
					logger.Warn("failed to record shutdown failure",
						logging.String(logging.FieldSessionID, record.ID),
						logging.Error(updateErr))
				}
				return err
			}
		}

		if err := st.UpdateSessionState(cmd.Context(), record.ID, nydusd.StateTerminated.String(), 0, ""); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s terminated\n", shortID(record.ID))
		return nil
	})
}
