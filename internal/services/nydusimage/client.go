package nydusimage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"rafsctl/internal/logging"
	"rafsctl/internal/services"
)

// Executor abstracts command execution for testability. When stdin is
// non-empty it is written to the process and closed before waiting.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, stdin string, onOutput func(string)) error
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithLogger attaches a logger for build command tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "nydus-image")
	}
}

// Client wraps nydus-image CLI interactions.
type Client struct {
	binary string
	exec   Executor
	logger *slog.Logger
}

// New constructs a builder client.
func New(binary string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "nydus-image", "new", "builder binary required", nil)
	}
	client := &Client{
		binary: binary,
		exec:   commandExecutor{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// CreateRequest describes one image build.
type CreateRequest struct {
	// Source is the directory tree (or stargz index when StargzIndex is
	// set) the image is built from.
	Source string
	// Bootstrap is where the builder writes the metadata bootstrap.
	Bootstrap string
	// OutputJSON overrides where the builder writes its result document.
	// A temporary file is used and removed when empty.
	OutputJSON string

	LogLevel     string
	FSVersion    string
	Compressor   string
	ChunkSize    int
	WhiteoutSpec string

	// ParentBootstrap chains the build onto an existing image so block
	// mappings already present in the parent are reused.
	ParentBootstrap string
	// StargzIndex builds from a pre-computed chunk index instead of a
	// directory tree.
	StargzIndex bool

	// PrefetchPolicy selects the builder's prefetch table generation; the
	// newline-joined PrefetchFiles list is fed to the builder on stdin
	// when set.
	PrefetchPolicy string
	PrefetchFiles  []string

	DisableCheck bool

	// Blob and BlobDir choose where blob data lands: a single staging
	// file, or a directory keyed by blob id. At most one may be set.
	Blob    string
	BlobDir string
}

// CreateResult carries the builder's output document.
type CreateResult struct {
	// Blobs lists every blob descriptor the builder emitted, in order.
	Blobs []string
	// BlobID is the last descriptor, the authoritative id for the blob
	// just produced.
	BlobID string
}

// Args assembles the create command line for a request.
func (r CreateRequest) Args(outputJSON string) []string {
	args := []string{"create", "--bootstrap", r.Bootstrap, "--output-json", outputJSON}
	if r.LogLevel != "" {
		args = append(args, "--log-level", r.LogLevel)
	}
	if r.FSVersion != "" {
		args = append(args, "--fs-version", r.FSVersion)
	}
	if r.Compressor != "" {
		args = append(args, "--compressor", r.Compressor)
	}
	if r.ChunkSize > 0 {
		args = append(args, "--chunk-size", fmt.Sprintf("0x%x", r.ChunkSize))
	}
	if r.WhiteoutSpec != "" {
		args = append(args, "--whiteout-spec", r.WhiteoutSpec)
	}
	if r.ParentBootstrap != "" {
		args = append(args, "--parent-bootstrap", r.ParentBootstrap)
	}
	if r.StargzIndex {
		args = append(args, "--source-type", "stargz_index")
	}
	if r.PrefetchPolicy != "" {
		args = append(args, "--prefetch-policy", r.PrefetchPolicy)
	}
	if r.DisableCheck {
		args = append(args, "--disable-check")
	}
	if r.Blob != "" {
		args = append(args, "--blob", r.Blob)
	}
	if r.BlobDir != "" {
		args = append(args, "--blob-dir", r.BlobDir)
	}
	return append(args, r.Source)
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return services.Wrap(services.ErrValidation, "nydus-image", "create", "source required", nil)
	}
	if strings.TrimSpace(r.Bootstrap) == "" {
		return services.Wrap(services.ErrValidation, "nydus-image", "create", "bootstrap path required", nil)
	}
	if r.Blob != "" && r.BlobDir != "" {
		return services.Wrap(services.ErrValidation, "nydus-image", "create", "blob and blob-dir are mutually exclusive", nil)
	}
	return nil
}

// Create runs the builder and parses its output document. A non-zero exit
// or a document without blob descriptors is a build error.
func (c *Client) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := req.validate(); err != nil {
		return CreateResult{}, err
	}

	outputJSON := req.OutputJSON
	if outputJSON == "" {
		tmp, err := os.CreateTemp("", "nydus-image-output-*.json")
		if err != nil {
			return CreateResult{}, services.Wrap(services.ErrBuild, "nydus-image", "create", "create output file", err)
		}
		outputJSON = tmp.Name()
		tmp.Close()
		defer os.Remove(outputJSON)
	}

	stdin := ""
	if req.PrefetchPolicy != "" && len(req.PrefetchFiles) > 0 {
		stdin = strings.Join(req.PrefetchFiles, "\n")
	}

	args := req.Args(outputJSON)
	c.logger.Debug("running builder",
		logging.String(logging.FieldBinary, c.binary),
		logging.String("args", strings.Join(args, " ")))

	if err := c.exec.Run(ctx, c.binary, args, stdin, func(line string) {
		c.logger.Debug("builder output", logging.String("line", line))
	}); err != nil {
		return CreateResult{}, services.Wrap(services.ErrBuild, "nydus-image", "create",
			fmt.Sprintf("builder failed for source %q", req.Source),
			fmt.Errorf("%w: %w", services.ErrExternalTool, err))
	}

	result, err := parseOutput(outputJSON)
	if err != nil {
		return CreateResult{}, err
	}
	c.logger.Info("image created",
		logging.String("bootstrap", req.Bootstrap),
		logging.String(logging.FieldBlobID, result.BlobID))
	return result, nil
}

func parseOutput(path string) (CreateResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CreateResult{}, services.Wrap(services.ErrBuild, "nydus-image", "parse output", "read output document", err)
	}
	var doc struct {
		Blobs []string `json:"blobs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return CreateResult{}, services.Wrap(services.ErrBuild, "nydus-image", "parse output", "malformed output document", err)
	}
	if len(doc.Blobs) == 0 {
		return CreateResult{}, services.Wrap(services.ErrBuild, "nydus-image", "parse output", "output document lists no blobs", nil)
	}
	return CreateResult{Blobs: doc.Blobs, BlobID: doc.Blobs[len(doc.Blobs)-1]}, nil
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, stdin string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onOutput != nil {
				onOutput(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)

	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("scan output: %w", scanErr)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}
