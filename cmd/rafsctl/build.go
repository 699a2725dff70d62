package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rafsctl/internal/backend"
	"rafsctl/internal/config"
	"rafsctl/internal/image"
	"rafsctl/internal/manifest"
	"rafsctl/internal/services/nydusimage"
	"rafsctl/internal/services/ossutil"
	"rafsctl/internal/store"
	"rafsctl/internal/teardown"
)

type buildFlags struct {
	backendKind    string
	bootstrap      string
	fsVersion      string
	compressor     string
	chunkSize      string
	parentRef      string
	fromStargz     bool
	prefetchPolicy string
	prefetchFiles  []string
	whiteoutSpec   string
	disableCheck   bool
	ossUpload      string
	manifestPath   string
}

func newBuildCommand(ctx *commandContext) *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build [source-dir]",
		Short: "Build an image from a directory tree",
		Long: "Build runs the image builder over a source tree, persists the\n" +
			"resulting blob according to the selected backend, and records the\n" +
			"image in the inventory. A manifest file supplies defaults;\n" +
			"command-line flags override individual manifest fields.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, ctx, flags, args)
		},
	}

	cmd.Flags().StringVar(&flags.backendKind, "backend", "", "Backend kind (localfs, oss, registry, backend_proxy)")
	cmd.Flags().StringVar(&flags.bootstrap, "bootstrap", "", "Bootstrap output path")
	cmd.Flags().StringVar(&flags.fsVersion, "fs-version", "", "Metadata format version (5 or 6)")
	cmd.Flags().StringVar(&flags.compressor, "compressor", "", "Blob compressor (none, lz4_block, gzip, zstd)")
	cmd.Flags().StringVar(&flags.chunkSize, "chunk-size", "", "Chunk size in bytes (decimal or 0x hex)")
	cmd.Flags().StringVar(&flags.parentRef, "parent", "", "Parent image to chain the build onto")
	cmd.Flags().BoolVar(&flags.fromStargz, "from-stargz", false, "Treat the source as a stargz chunk index")
	cmd.Flags().StringVar(&flags.prefetchPolicy, "prefetch-policy", "", "Prefetch table policy (fs or blob)")
	cmd.Flags().StringSliceVar(&flags.prefetchFiles, "prefetch-file", nil, "File to include in the prefetch table (repeatable)")
	cmd.Flags().StringVar(&flags.whiteoutSpec, "whiteout-spec", "", "Whiteout format (oci, overlayfs)")
	cmd.Flags().BoolVar(&flags.disableCheck, "disable-check", false, "Skip bootstrap verification after the build")
	cmd.Flags().StringVar(&flags.ossUpload, "oss-upload", "", "OSS upload mode (util, builder, none)")
	cmd.Flags().StringVar(&flags.manifestPath, "manifest", "", "Build manifest file")

	return cmd
}

// buildSettings is the merged view of flags, manifest, and configuration.
// Precedence: explicit flag, then manifest field, then config default.
type buildSettings struct {
	source         string
	bootstrap      string
	backendKind    string
	fsVersion      string
	compressor     string
	chunkSize      int
	whiteoutSpec   string
	prefetchPolicy string
	prefetchFiles  []string
	disableCheck   bool
	fromStargz     bool
	uploadMode     image.UploadMode
}

func resolveBuildSettings(cmd *cobra.Command, cfg *config.Config, man *manifest.Manifest, flags buildFlags, args []string) (buildSettings, error) {
	var manBackendKind, manBootstrap, manSource string
	manBuild := manifest.Build{}
	if man != nil {
		manSource = man.Source
		manBootstrap = man.Bootstrap
		manBackendKind = man.Backend.Kind
		manBuild = man.Build
	}

	settings := buildSettings{
		bootstrap:      firstNonEmpty(flags.bootstrap, manBootstrap),
		backendKind:    firstNonEmpty(flags.backendKind, manBackendKind),
		fsVersion:      firstNonEmpty(flags.fsVersion, manBuild.FSVersion, cfg.Build.FSVersion),
		compressor:     firstNonEmpty(flags.compressor, manBuild.Compressor, cfg.Build.Compressor),
		whiteoutSpec:   firstNonEmpty(flags.whiteoutSpec, manBuild.WhiteoutSpec, cfg.Build.WhiteoutSpec),
		prefetchPolicy: firstNonEmpty(flags.prefetchPolicy, manBuild.PrefetchPolicy),
	}

	if len(args) > 0 {
		settings.source = args[0]
	} else {
		settings.source = manSource
	}
	if strings.TrimSpace(settings.source) == "" {
		return buildSettings{}, fmt.Errorf("source directory required (argument or manifest)")
	}
	if settings.bootstrap == "" {
		settings.bootstrap = filepath.Join(cfg.Paths.BootstrapDir, uuid.NewString()+".bootstrap")
	}

	chunkSize, err := parseChunkSize(flags.chunkSize)
	if err != nil {
		return buildSettings{}, err
	}
	settings.chunkSize = chunkSize
	if settings.chunkSize == 0 {
		if manBuild.ChunkSize > 0 {
			settings.chunkSize = manBuild.ChunkSize
		} else {
			settings.chunkSize = cfg.Build.ChunkSize
		}
	}

	if len(flags.prefetchFiles) > 0 {
		settings.prefetchFiles = flags.prefetchFiles
	} else {
		settings.prefetchFiles = manBuild.PrefetchFiles
	}

	settings.disableCheck = flags.disableCheck || manBuild.DisableCheck
	if cmd.Flags().Changed("disable-check") {
		settings.disableCheck = flags.disableCheck
	}
	settings.fromStargz = flags.fromStargz || manBuild.FromStargz
	if cmd.Flags().Changed("from-stargz") {
		settings.fromStargz = flags.fromStargz
	}

	mode, err := image.ParseUploadMode(firstNonEmpty(flags.ossUpload, manBuild.OSSUpload))
	if err != nil {
		return buildSettings{}, err
	}
	settings.uploadMode = mode

	return settings, nil
}

func runBuild(cmd *cobra.Command, ctx *commandContext, flags buildFlags, args []string) error {
	cfg := ctx.configValue()
	logger := ctx.ensureLogger()

	var man *manifest.Manifest
	if flags.manifestPath != "" {
		loaded, err := manifest.Load(flags.manifestPath)
		if err != nil {
			return err
		}
		man = loaded
	}

	settings, err := resolveBuildSettings(cmd, cfg, man, flags, args)
	if err != nil {
		return err
	}

	spec, err := resolveBackendSpec(cfg, settings.backendKind, overridesFromManifest(man))
	if err != nil {
		return err
	}

	return ctx.withStore(func(st *store.Store) error {
		var parent *image.Image
		var parentID string
		if flags.parentRef != "" {
			record, err := st.ResolveImage(cmd.Context(), flags.parentRef)
			if err != nil {
				return err
			}
			parent = image.Restore(image.RestoreParams{
				ID:            record.ID,
				BootstrapPath: record.BootstrapPath,
				BlobID:        record.BlobID,
				BlobPath:      record.BlobPath,
				Logger:        logger,
			})
			parentID = record.ID
		}

		client, err := nydusimage.New(cfg.NydusImageBinary(), nydusimage.WithLogger(logger))
		if err != nil {
			return err
		}

		registry := teardown.NewRegistry(logger)
		opts := []image.BuilderOption{
			image.WithLogger(logger),
			image.WithTeardown(registry),
		}

		var ossClient *ossutil.Client
		if spec.Kind() == backend.KindOSS {
			ossClient, err = ossutil.New(cfg.OssutilBinary(), ossutil.Settings{
				Endpoint:        spec.Endpoint(),
				Bucket:          spec.Bucket(),
				AccessKeyID:     spec.AccessKeyID(),
				AccessKeySecret: spec.AccessKeySecret(),
				Prefix:          spec.ObjectPrefix(),
			}, ossutil.WithLogger(logger))
			if err != nil {
				return err
			}
			opts = append(opts, image.WithUploader(ossClient))
		}
		if cfg.Proxy.BlobDir != "" {
			opts = append(opts, image.WithProxyBlobDir(cfg.Proxy.BlobDir))
		}

		opts = append(opts, image.WithRecorder(func(rctx context.Context, img *image.Image) error {
			return st.InsertImage(rctx, &store.ImageRecord{
				ID:            img.ID(),
				SourcePath:    img.Source(),
				BootstrapPath: img.BootstrapPath(),
				BlobID:        img.BlobID(),
				BlobPath:      img.BlobPath(),
				Backend:       string(img.Backend().Kind()),
				FSVersion:     settings.fsVersion,
				Compressor:    settings.compressor,
				SizeBytes:     img.SizeBytes(),
				ParentID:      parentID,
				Artifacts:     recordedArtifacts(img, ossClient),
			})
		}))

		builder, err := image.NewBuilder(client, filepath.Join(cfg.Paths.WorkspaceDir, "staging"), opts...)
		if err != nil {
			return err
		}

		img, err := builder.Build(cmd.Context(), image.BuildRequest{
			Source:         settings.source,
			Bootstrap:      settings.bootstrap,
			Backend:        spec,
			Parent:         parent,
			FSVersion:      settings.fsVersion,
			Compressor:     settings.compressor,
			ChunkSize:      settings.chunkSize,
			WhiteoutSpec:   settings.whiteoutSpec,
			LogLevel:       cfg.Build.LogLevel,
			PrefetchPolicy: settings.prefetchPolicy,
			PrefetchFiles:  settings.prefetchFiles,
			StargzIndex:    settings.fromStargz,
			DisableCheck:   settings.disableCheck,
			UploadMode:     settings.uploadMode,
		})
		if err != nil {
			registry.Drain()
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Bootstrap written to %s\n", img.BootstrapPath())
		table := renderTable(
			[]column{
				{title: "Image"},
				{title: "Blob ID"},
				{title: "Backend"},
				{title: "FS"},
				{title: "Size", right: true},
			},
			[][]string{{
				shortID(img.ID()),
				formatBlobID(img.BlobID()),
				string(img.Backend().Kind()),
				settings.fsVersion,
				formatSize(img.SizeBytes()),
			}},
		)
		fmt.Fprintln(out, table)
		return nil
	})
}

// recordedArtifacts persists the image's removable paths plus, when the
// image owns its uploaded copy, the remote object URL so a later cleanup
// can delete it without rebuilding upload state.
func recordedArtifacts(img *image.Image, ossClient *ossutil.Client) []string {
	artifacts := img.ArtifactPaths()
	if img.OwnsRemote() && ossClient != nil && img.BlobID() != "" {
		artifacts = append(artifacts, ossClient.ObjectURL(img.BlobID()))
	}
	return artifacts
}
