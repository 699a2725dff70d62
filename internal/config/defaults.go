package config

const (
	defaultWorkspaceDir     = "~/.local/share/rafsctl"
	defaultLogDir           = "~/.local/share/rafsctl/logs"
	defaultNydusdBinary     = "nydusd"
	defaultNydusImageBinary = "nydus-image"
	defaultOssutilBinary    = "ossutil"
	defaultFSVersion        = "6"
	defaultCompressor       = "lz4_block"
	defaultWhiteoutSpec     = "oci"
	defaultBuildLogLevel    = "info"
	defaultDaemonMode       = "fuse"
	defaultRafsMode         = "direct"
	defaultDaemonLogLevel   = "info"
	defaultRegistryScheme   = "http"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30
)

// Default returns a Config populated with repository defaults. Workspace
// sub-directories are left empty here and derived during normalization.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkspaceDir: defaultWorkspaceDir,
			LogDir:       defaultLogDir,
		},
		Tools: Tools{
			Nydusd:     defaultNydusdBinary,
			NydusImage: defaultNydusImageBinary,
			Ossutil:    defaultOssutilBinary,
		},
		Build: Build{
			FSVersion:    defaultFSVersion,
			Compressor:   defaultCompressor,
			WhiteoutSpec: defaultWhiteoutSpec,
			LogLevel:     defaultBuildLogLevel,
		},
		Daemon: Daemon{
			Mode:     defaultDaemonMode,
			RafsMode: defaultRafsMode,
			LogLevel: defaultDaemonLogLevel,
		},
		Registry: Registry{
			Scheme: defaultRegistryScheme,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
