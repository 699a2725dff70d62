package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"rafsctl/internal/logging"
	"rafsctl/internal/nydusd"
	"rafsctl/internal/services"
	"rafsctl/internal/services/ossutil"
	"rafsctl/internal/store"
	"rafsctl/internal/teardown"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [image-id]",
		Short: "Remove recorded artifacts",
		Long: "With an image id, cleanup removes the image's recorded artifacts\n" +
			"(bootstrap, blob files, an uploaded copy it owns) and drops the\n" +
			"inventory row. Without arguments it clears config and socket files\n" +
			"left behind by finished sessions and deletes their rows. Both\n" +
			"forms are idempotent.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runImageCleanup(cmd, ctx, args[0])
			}
			return runSessionCleanup(cmd, ctx)
		},
	}
}

func runImageCleanup(cmd *cobra.Command, ctx *commandContext, ref string) error {
	logger := ctx.ensureLogger()
	out := cmd.OutOrStdout()

	return ctx.withStore(func(st *store.Store) error {
		record, err := st.ResolveImage(cmd.Context(), ref)
		if errors.Is(err, services.ErrNotFound) {
			fmt.Fprintf(out, "No image matching %q; nothing to clean.\n", ref)
			return nil
		}
		if err != nil {
			return err
		}

		registry := teardown.NewRegistry(logger)
		ownsRemote := false
		for _, artifact := range record.Artifacts {
			if strings.HasPrefix(artifact, "oss://") {
				ownsRemote = true
				continue
			}
			registry.Register(artifact)
		}

		registered := registry.Len()
		failures := registry.Drain()
		for _, failure := range failures {
			fmt.Fprintf(out, "cleanup: %v\n", failure)
		}

		if ownsRemote {
			removeRemoteCopy(cmd, ctx, record)
		}

		if _, err := st.DeleteImage(cmd.Context(), record.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Image %s cleaned (%d artifacts removed)\n", shortID(record.ID), registered-len(failures))
		return nil
	})
}

// removeRemoteCopy deletes the uploaded blob an image owns. Failures are
// reported, never returned: an unreachable bucket should not block local
// cleanup, and re-running cleanup retries nothing because the row is gone.
func removeRemoteCopy(cmd *cobra.Command, ctx *commandContext, record *store.ImageRecord) {
	cfg := ctx.configValue()
	logger := ctx.ensureLogger()
	out := cmd.OutOrStdout()

	client, err := ossutil.New(cfg.OssutilBinary(), ossutil.Settings{
		Endpoint:        cfg.OSS.Endpoint,
		Bucket:          cfg.OSS.Bucket,
		AccessKeyID:     cfg.OSS.AccessKeyID,
		AccessKeySecret: cfg.OSS.AccessKeySecret,
		Prefix:          cfg.OSS.ObjectPrefix,
	}, ossutil.WithLogger(logger))
	if err != nil {
		logger.Warn("cannot remove uploaded blob without oss settings",
			logging.String(logging.FieldBlobID, record.BlobID),
			logging.Error(err))
		fmt.Fprintf(out, "Skipping remote removal of %s: %v\n", formatBlobID(record.BlobID), err)
		return
	}
	if err := client.Remove(cmd.Context(), record.BlobID); err != nil {
		logger.Warn("failed to remove uploaded blob",
			logging.String(logging.FieldBlobID, record.BlobID),
			logging.Error(err))
		fmt.Fprintf(out, "Remote removal of %s reported: %v\n", formatBlobID(record.BlobID), err)
	}
}

func runSessionCleanup(cmd *cobra.Command, ctx *commandContext) error {
	logger := ctx.ensureLogger()
	out := cmd.OutOrStdout()

	return ctx.withStore(func(st *store.Store) error {
		finished := []string{nydusd.StateTerminated.String(), nydusd.StateFailed.String()}
		records, err := st.ListSessions(cmd.Context(), finished...)
		if err != nil {
			return err
		}

		registry := teardown.NewRegistry(logger)
		dead := make([]*store.SessionRecord, 0, len(records))
		for _, record := range records {
			if record.PID > 0 && nydusd.ProcessAlive(record.PID) {
				fmt.Fprintf(out, "Session %s is %s but pid %d is still running; run shutdown first\n",
					shortID(record.ID), record.State, record.PID)
				continue
			}
			registry.Register(record.ConfigPath)
			registry.Register(record.APISock)
			dead = append(dead, record)
		}

		for _, failure := range registry.Drain() {
			fmt.Fprintf(out, "cleanup: %v\n", failure)
		}

		var deleted int64
		if len(dead) == len(records) {
			deleted, err = st.DeleteSessionsInStates(cmd.Context(), finished...)
			if err != nil {
				return err
			}
		} else {
			for _, record := range dead {
				removed, err := st.DeleteSession(cmd.Context(), record.ID)
				if err != nil {
					return err
				}
				if removed {
					deleted++
				}
			}
		}

		fmt.Fprintf(out, "Removed %d finished sessions\n", deleted)

		pruned := logging.CleanupOldLogs(logger, ctx.configValue().Logging.RetentionDays, logging.RetentionTarget{
			Dir:     ctx.configValue().Paths.LogDir,
			Pattern: "nydusd-*.log",
		})
		if pruned > 0 {
			fmt.Fprintf(out, "Pruned %d expired daemon logs\n", pruned)
		}
		return nil
	})
}
