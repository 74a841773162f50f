package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
)

const (
	// workDir is where the workspace is mounted inside the container.
	workDir = "/workspace"

	defaultMemory    = 512 * 1024 * 1024 // 512MB
	defaultPidsLimit = 128
	defaultMaxOutput = 1 << 20
)

// Options configure the container runner.
type Options struct {
	Image     string
	Memory    int64
	PidsLimit int64
	MaxOutput int
}

// Client runs engine invocations in ephemeral containers using the official Docker SDK.
type Client struct {
	cli    *client.Client
	opts   Options
	logger *slog.Logger
}

// Check if Client implements domain.EngineRunner
var _ domain.EngineRunner = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// It performs a connection check (Ping) so an unreachable daemon fails startup.
func NewClient(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Ping Docker to ensure connection
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	if opts.Memory <= 0 {
		opts.Memory = defaultMemory
	}
	if opts.PidsLimit <= 0 {
		opts.PidsLimit = defaultPidsLimit
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Docker client initialized", "image", opts.Image)
	return &Client{cli: cli, opts: opts, logger: logger}, nil
}

// Prepare pulls the engine image. A failed pull is not fatal when the image is
// already present locally, so it is only logged.
func (c *Client) Prepare(ctx context.Context) {
	c.logger.Info("Pulling image", "image", c.opts.Image)
	reader, err := c.cli.ImagePull(ctx, c.opts.Image, image.PullOptions{})
	if err != nil {
		c.logger.Warn("Failed to pull image", "image", c.opts.Image, logfields.Error(err))
		return
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
}

// Close releases the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Run executes the invocation in a fresh container with the workspace bind-mounted,
// networking disabled, and memory and process limits. The container is killed when
// ctx is done and always removed.
func (c *Client) Run(ctx context.Context, inv domain.Invocation) (domain.RunOutput, error) {
	cfg, hostCfg := containerSpec(inv, c.opts)

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return domain.RunOutput{ExitCode: -1}, fmt.Errorf("failed to create container: %w", err)
	}
	log := c.logger.With("container_id", resp.ID)

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn("Failed to remove container", logfields.Error(err))
		}
	}()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return domain.RunOutput{ExitCode: -1}, fmt.Errorf("failed to start container: %w", err)
	}

	// Wait on a detached context so a cancelled ctx still lets us collect the exit.
	waitCh, errCh := c.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNotRunning)

	var (
		exitCode = -1
		runErr   error
	)
	select {
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.cli.ContainerKill(killCtx, resp.ID, "KILL"); err != nil {
			log.Warn("Failed to kill container", logfields.Error(err))
		}
		cancel()
		runErr = ctx.Err()
	case res := <-waitCh:
		exitCode = int(res.StatusCode)
		if res.Error != nil && res.Error.Message != "" {
			runErr = errors.New(res.Error.Message)
		}
	case err := <-errCh:
		runErr = fmt.Errorf("failed to wait for container: %w", err)
	}

	out := domain.RunOutput{ExitCode: exitCode, Log: c.collectLogs(resp.ID, log)}
	return out, runErr
}

func (c *Client) collectLogs(id string, log *slog.Logger) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		log.Warn("Failed to read container logs", logfields.Error(err))
		return nil
	}
	defer rc.Close()

	buf := &limitedBuffer{max: c.opts.MaxOutput}
	if _, err := stdcopy.StdCopy(buf, buf, rc); err != nil {
		log.Warn("Failed to demultiplex container logs", logfields.Error(err))
	}
	return buf.data
}

// containerSpec builds the container configuration for one invocation.
func containerSpec(inv domain.Invocation, opts Options) (*container.Config, *container.HostConfig) {
	pids := opts.PidsLimit
	env := append([]string{
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"openout_any=p",
		"openin_any=p",
		"shell_escape=f",
	}, inv.Env...)

	cfg := &container.Config{
		Image:           opts.Image,
		Cmd:             append([]string{inv.Binary}, inv.Args...),
		WorkingDir:      workDir,
		Env:             env,
		User:            fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		NetworkDisabled: true,
		Tty:             false,
		OpenStdin:       false,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: inv.Dir,
			Target: workDir,
		}},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    opts.Memory,
			PidsLimit: &pids,
		},
	}
	return cfg, hostCfg
}

// limitedBuffer keeps the first max bytes and silently discards the rest.
type limitedBuffer struct {
	data []byte
	max  int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.data); room > 0 {
		if len(p) > room {
			b.data = append(b.data, p[:room]...)
		} else {
			b.data = append(b.data, p...)
		}
	}
	return len(p), nil
}
