package ossutil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path"
	"strings"
	"sync"

	"rafsctl/internal/logging"
	"rafsctl/internal/services"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onOutput func(string)) error
}

// Settings locates the bucket and carries its credentials.
type Settings struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string
	// Prefix is joined in front of every object key when set.
	Prefix string
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

// WithLogger attaches a logger for transfer tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "ossutil")
	}
}

// Client drives object-store transfers through the ossutil binary.
type Client struct {
	binary   string
	settings Settings
	exec     Executor
	logger   *slog.Logger
}

// New constructs an object-store helper client.
func New(binary string, settings Settings, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "ossutil", "new", "ossutil binary required", nil)
	}
	var missing []string
	if strings.TrimSpace(settings.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(settings.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if strings.TrimSpace(settings.AccessKeyID) == "" {
		missing = append(missing, "access key id")
	}
	if strings.TrimSpace(settings.AccessKeySecret) == "" {
		missing = append(missing, "access key secret")
	}
	if len(missing) > 0 {
		return nil, services.Wrap(services.ErrConfiguration, "ossutil", "new", "missing "+strings.Join(missing, ", "), nil)
	}
	client := &Client{
		binary:   binary,
		settings: settings,
		exec:     commandExecutor{},
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// ObjectURL renders the oss:// URL for an object id, prefix included.
func (c *Client) ObjectURL(objectID string) string {
	key := objectID
	if c.settings.Prefix != "" {
		key = path.Join(c.settings.Prefix, objectID)
	}
	return fmt.Sprintf("oss://%s/%s", c.settings.Bucket, key)
}

func (c *Client) globalArgs() []string {
	return []string{
		"--endpoint", c.settings.Endpoint,
		"--access-key-id", c.settings.AccessKeyID,
		"--access-key-secret", c.settings.AccessKeySecret,
	}
}

// Upload copies a local file to the bucket under the object id. With force
// set an existing object is overwritten, which is safe for content-addressed
// ids because equal ids imply equal bytes.
func (c *Client) Upload(ctx context.Context, src, objectID string, force bool) error {
	if strings.TrimSpace(src) == "" || strings.TrimSpace(objectID) == "" {
		return services.Wrap(services.ErrValidation, "ossutil", "upload", "source and object id required", nil)
	}
	args := append(c.globalArgs(), "cp", src, c.ObjectURL(objectID))
	if force {
		args = append(args, "-f")
	}
	if err := c.exec.Run(ctx, c.binary, args, nil); err != nil {
		return services.Wrap(services.ErrExternalTool, "ossutil", "upload",
			fmt.Sprintf("upload %q", objectID), err)
	}
	c.logger.Info("uploaded blob",
		logging.String(logging.FieldBlobID, objectID),
		logging.String("url", c.ObjectURL(objectID)))
	return nil
}

// Remove deletes an object. Removing an absent object is not an error so
// repeated cleanup passes stay idempotent.
func (c *Client) Remove(ctx context.Context, objectID string) error {
	if strings.TrimSpace(objectID) == "" {
		return services.Wrap(services.ErrValidation, "ossutil", "remove", "object id required", nil)
	}
	var captured []string
	args := append(c.globalArgs(), "rm", c.ObjectURL(objectID))
	err := c.exec.Run(ctx, c.binary, args, func(line string) {
		captured = append(captured, line)
	})
	if err != nil {
		if absent(captured) {
			return nil
		}
		return services.Wrap(services.ErrExternalTool, "ossutil", "remove",
			fmt.Sprintf("remove %q", objectID), err)
	}
	c.logger.Info("removed blob", logging.String(logging.FieldBlobID, objectID))
	return nil
}

// Stat reports whether an object exists in the bucket.
func (c *Client) Stat(ctx context.Context, objectID string) (bool, error) {
	if strings.TrimSpace(objectID) == "" {
		return false, services.Wrap(services.ErrValidation, "ossutil", "stat", "object id required", nil)
	}
	var captured []string
	args := append(c.globalArgs(), "stat", c.ObjectURL(objectID))
	err := c.exec.Run(ctx, c.binary, args, func(line string) {
		captured = append(captured, line)
	})
	if err == nil {
		return true, nil
	}
	if absent(captured) {
		return false, nil
	}
	return false, services.Wrap(services.ErrExternalTool, "ossutil", "stat",
		fmt.Sprintf("stat %q", objectID), err)
}

// absent recognizes the tool output for a missing object.
func absent(lines []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "nosuchkey") || strings.Contains(lower, "statuscode=404") || strings.Contains(lower, "error code: 404") {
			return true
		}
	}
	return false
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
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
