package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rafsctl/internal/backend"
	"rafsctl/internal/logging"
	"rafsctl/internal/nydusd"
	"rafsctl/internal/rafs"
	"rafsctl/internal/services"
	"rafsctl/internal/store"
)

type mountFlags struct {
	backendKind     string
	mountpoint      string
	cache           bool
	noCache         bool
	cacheCompressed bool
	prefetch        bool
	prefetchThreads int
	digestValidate  bool
	xattr           bool
	amplifyIO       int
	mode            string
	threadNum       int
	fscache         bool
	fscacheThreads  int
	supervisor      string
	failoverPolicy  string
	daemonID        string
	upgrade         bool
	sharedDir       string
	noWait          bool
}

func newMountCommand(ctx *commandContext) *cobra.Command {
	var flags mountFlags

	cmd := &cobra.Command{
		Use:   "mount <image-id|bootstrap>",
		Short: "Launch a daemon session over an image",
		Long: "Mount assembles the daemon's runtime configuration, launches it\n" +
			"over the image's bootstrap, waits until the mountpoint answers\n" +
			"(unless --no-wait), and records the session in the inventory.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd, ctx, flags, args[0])
		},
	}

	cmd.Flags().StringVar(&flags.backendKind, "backend", "", "Backend kind override (localfs, oss, registry, backend_proxy)")
	cmd.Flags().StringVar(&flags.mountpoint, "mountpoint", "", "Mountpoint directory (defaults under the workspace mount root)")
	cmd.Flags().BoolVar(&flags.cache, "cache", true, "Enable the disk-backed blob cache")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "Disable the blob cache")
	cmd.Flags().BoolVar(&flags.cacheCompressed, "cache-compressed", false, "Keep cached chunks compressed on disk")
	cmd.Flags().BoolVar(&flags.prefetch, "prefetch", false, "Enable filesystem prefetch")
	cmd.Flags().IntVar(&flags.prefetchThreads, "prefetch-threads", 0, "Prefetch worker threads")
	cmd.Flags().BoolVar(&flags.digestValidate, "digest-validate", false, "Validate chunk digests on read")
	cmd.Flags().BoolVar(&flags.xattr, "xattr", false, "Enable extended attribute support")
	cmd.Flags().IntVar(&flags.amplifyIO, "amplify-io", 0, "Read amplification size in bytes")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "Daemon mode (fuse or virtiofs)")
	cmd.Flags().IntVar(&flags.threadNum, "thread-num", 0, "Daemon I/O threads")
	cmd.Flags().BoolVar(&flags.fscache, "fscache", false, "Serve blobs through the kernel fscache interface")
	cmd.Flags().IntVar(&flags.fscacheThreads, "fscache-threads", 0, "Fscache worker threads")
	cmd.Flags().StringVar(&flags.supervisor, "supervisor", "", "Supervisor socket for daemon failover")
	cmd.Flags().StringVar(&flags.failoverPolicy, "failover-policy", "", "Failover policy (flush or resend)")
	cmd.Flags().StringVar(&flags.daemonID, "id", "", "Daemon instance id")
	cmd.Flags().BoolVar(&flags.upgrade, "upgrade", false, "Take over a live daemon instance")
	cmd.Flags().StringVar(&flags.sharedDir, "shared-dir", "", "Shared directory for virtiofs passthrough")
	cmd.Flags().BoolVar(&flags.noWait, "no-wait", false, "Return immediately without waiting for the mount")

	return cmd
}

func runMount(cmd *cobra.Command, ctx *commandContext, flags mountFlags, ref string) error {
	cfg := ctx.configValue()
	logger := ctx.ensureLogger()

	return ctx.withStore(func(st *store.Store) error {
		record, bootstrapPath, err := resolveMountImage(cmd.Context(), st, ref)
		if err != nil {
			return err
		}

		backendKind := flags.backendKind
		if backendKind == "" && record != nil {
			backendKind = record.Backend
		}
		kind, err := backend.ParseKind(firstNonEmpty(backendKind, string(backend.KindLocalfs)))
		if err != nil {
			return err
		}

		// A recorded localfs image points the daemon straight at its
		// backing blob file; mounting a raw bootstrap falls back to the
		// workspace blob directory.
		var overrides backendOverrides
		if kind == backend.KindLocalfs && record != nil && record.BlobPath != "" {
			overrides.blobFile = record.BlobPath
		}
		spec, err := resolveBackendSpec(cfg, string(kind), overrides)
		if err != nil {
			return err
		}

		sessionID := uuid.NewString()
		short := shortID(sessionID)
		runCtx := services.WithSessionID(cmd.Context(), sessionID)
		logger = logging.WithContext(runCtx, logger)

		mountpoint := flags.mountpoint
		if mountpoint == "" {
			mountpoint = filepath.Join(cfg.Paths.MountRoot, short)
		}
		if err := os.MkdirAll(mountpoint, 0o755); err != nil {
			return fmt.Errorf("create mountpoint %s: %w", mountpoint, err)
		}

		fsVersion := cfg.Build.FSVersion
		if record != nil && record.FSVersion != "" {
			fsVersion = record.FSVersion
		}

		conf := rafs.NewConf(rafs.Options{
			FSVersion: fsVersion,
			Mode:      cfg.Daemon.RafsMode,
			CacheDir:  cfg.Paths.CacheDir,
			Logger:    logger,
		})
		conf.SetBackend(spec)
		if flags.cache && !flags.noCache {
			conf.EnableBlobcache(flags.cacheCompressed)
		}
		if flags.prefetch {
			conf.EnableFsPrefetch(rafs.Prefetch{Threads: flags.prefetchThreads})
		}
		if flags.digestValidate {
			conf.EnableValidation()
		}
		if flags.xattr {
			conf.EnableXattr()
		}
		if flags.amplifyIO > 0 {
			conf.AmplifyIO(flags.amplifyIO)
		}

		configDir := filepath.Join(cfg.Paths.WorkspaceDir, "configs")
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		configPath := filepath.Join(configDir, short+".json")
		if err := conf.Dump(configPath); err != nil {
			return err
		}

		apiSock := filepath.Join(cfg.Paths.SocketDir, short+".sock")
		logPath := filepath.Join(cfg.Paths.LogDir, "nydusd-"+short+".log")

		opts := []nydusd.Option{
			nydusd.WithLogger(logger),
			nydusd.WithLockDir(filepath.Join(cfg.Paths.WorkspaceDir, "locks")),
		}
		threadNum := flags.threadNum
		if threadNum == 0 {
			threadNum = cfg.Daemon.ThreadNum
		}
		if threadNum > 0 {
			opts = append(opts, nydusd.WithThreadNum(threadNum))
		}
		if flags.fscache {
			opts = append(opts, nydusd.WithFscache(cfg.Paths.FscacheDir))
			if flags.fscacheThreads > 0 {
				opts = append(opts, nydusd.WithFscacheThreads(flags.fscacheThreads))
			}
		}
		if flags.sharedDir != "" {
			opts = append(opts, nydusd.WithSharedDir(flags.sharedDir))
		}
		if flags.daemonID != "" {
			opts = append(opts, nydusd.WithID(flags.daemonID))
		}

		daemonMode := firstNonEmpty(flags.mode, cfg.Daemon.Mode)
		session, err := nydusd.New(nydusd.SessionConfig{
			Binary:        cfg.NydusdBinary(),
			Mode:          daemonMode,
			Mountpoint:    mountpoint,
			APISock:       apiSock,
			ConfigPath:    configPath,
			BootstrapPath: bootstrapPath,
			LogLevel:      cfg.Daemon.LogLevel,
			LogPath:       logPath,
		}, opts...)
		if err != nil {
			return err
		}

		if flags.supervisor != "" {
			if err := session.SetSupervisor(flags.supervisor); err != nil {
				return err
			}
		}
		if flags.failoverPolicy != "" {
			if err := session.SetFailoverPolicy(flags.failoverPolicy); err != nil {
				return err
			}
		}
		if flags.upgrade {
			if err := session.Upgrade(); err != nil {
				return err
			}
		}

		if err := session.Start(runCtx); err != nil {
			return err
		}

		var imageID string
		if record != nil {
			imageID = record.ID
		}
		if err := st.InsertSession(runCtx, &store.SessionRecord{
			ID:             sessionID,
			ImageID:        imageID,
			Mountpoint:     mountpoint,
			APISock:        apiSock,
			ConfigPath:     configPath,
			State:          string(session.State()),
			PID:            session.PID(),
			Mode:           daemonMode,
			FailoverPolicy: flags.failoverPolicy,
			Supervisor:     flags.supervisor,
		}); err != nil {
			shutdownErr := session.Shutdown()
			if shutdownErr != nil {
				logger.Warn("failed to stop session after record failure", logging.Error(shutdownErr))
			}
			return err
		}

		out := cmd.OutOrStdout()
		if flags.noWait {
			fmt.Fprintf(out, "Session %s mounting at %s (pid %d)\n", short, mountpoint, session.PID())
			return nil
		}

		if err := session.WaitMount(runCtx); err != nil {
			if updateErr := st.UpdateSessionState(runCtx, sessionID, string(session.State()), 0, err.Error()); updateErr != nil {
				logger.Warn("failed to record session failure", logging.Error(updateErr))
			}
			return err
		}
		if err := st.UpdateSessionState(runCtx, sessionID, string(session.State()), 0, ""); err != nil {
			return err
		}

		fmt.Fprintf(out, "Session %s mounted at %s (pid %d)\n", short, mountpoint, session.PID())
		return nil
	})
}

// resolveMountImage resolves the mount argument as an inventory reference
// first and falls back to treating it as a bootstrap path on disk.
func resolveMountImage(ctx context.Context, st *store.Store, ref string) (*store.ImageRecord, string, error) {
	record, err := st.ResolveImage(ctx, ref)
	if err == nil {
		return record, record.BootstrapPath, nil
	}
	if !errors.Is(err, services.ErrNotFound) {
		return nil, "", err
	}
	if info, statErr := os.Stat(ref); statErr == nil && !info.IsDir() {
		return nil, ref, nil
	}
	return nil, "", err
}
