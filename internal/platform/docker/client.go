// Package docker implements the container backend: environments are images
// with the task's packages installed, and scripts run in throwaway
// containers created from them.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/goenact/internal/runner"
)

// BackendDocker is the provisioner name recorded on docker environments.
const BackendDocker = "docker"

// scriptDir is where scripts are copied inside containers.
const scriptDir = "/tmp"

// Client wraps the official Docker SDK client.
type Client struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewClient initializes and returns a verified Docker client.
// It performs a connection check (Ping) upon initialization.
func NewClient(ctx context.Context, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Ping Docker to ensure connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	logger.Debug("docker client initialized")
	return &Client{cli: cli, logger: logger}, nil
}

// Close releases the client's connections.
func (c *Client) Close() error {
	return c.cli.Close()
}

// ensureImage pulls ref unless it is already present locally.
func (c *Client) ensureImage(ctx context.Context, ref string) error {
	if _, err := c.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	c.logger.Info("pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// imageExists reports whether ref is present locally.
func (c *Client) imageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.cli.ImageInspect(ctx, ref)
	switch {
	case err == nil:
		return true, nil
	case client.IsErrNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
}

// runSpec describes one container run.
type runSpec struct {
	image   string
	cmd     []string
	env     []string
	files   map[string][]byte // Copied into scriptDir before start.
	network bool
	memory  int64 // Bytes; zero means unlimited.
	pids    int64 // Zero means unlimited.
	// maxOutput caps each captured stream; zero means unlimited.
	maxOutput int
}

// runOutput is what a finished container produced.
type runOutput struct {
	id              string
	stdout          string
	stderr          string
	exitCode        int
	stdoutTruncated bool
}

// run creates, starts and waits for a container. The container is left in
// place so callers can commit it; they must pass out.id to removeContainer
// whenever it is non-empty, including on error. When ctx ends first the
// container is killed and ctx.Err() is returned.
func (c *Client) run(ctx context.Context, spec runSpec) (out runOutput, err error) {
	// 1. Create Container with Limits
	cfg := &container.Config{
		Image:           spec.image,
		Cmd:             spec.cmd,
		Env:             spec.env,
		WorkingDir:      scriptDir,
		NetworkDisabled: !spec.network,
	}
	host := &container.HostConfig{
		Resources: container.Resources{
			Memory: spec.memory,
		},
	}
	if spec.pids > 0 {
		host.Resources.PidsLimit = &spec.pids
	}
	resp, err := c.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return out, fmt.Errorf("failed to create container: %w", err)
	}
	out.id = resp.ID

	// 2. Copy files in.
	if len(spec.files) > 0 {
		archive, err := tarFiles(spec.files)
		if err != nil {
			return out, err
		}
		if err := c.cli.CopyToContainer(ctx, resp.ID, scriptDir, archive, container.CopyToContainerOptions{}); err != nil {
			return out, fmt.Errorf("failed to copy files into container: %w", err)
		}
	}

	// 3. Start and wait.
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return out, fmt.Errorf("failed to start container: %w", err)
	}
	statusCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return out, fmt.Errorf("container wait failed: %s", st.Error.Message)
		}
		out.exitCode = int(st.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			c.kill(resp.ID)
			return out, ctx.Err()
		}
		return out, fmt.Errorf("container wait failed: %w", err)
	}

	// 4. Collect the demultiplexed logs.
	logs, err := c.cli.ContainerLogs(context.WithoutCancel(ctx), resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return out, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdout, stderr io.Writer = &stdoutBuf, &stderrBuf
	var capped *runner.LimitedWriter
	if spec.maxOutput > 0 {
		capped = runner.CapWriter(stdout, spec.maxOutput)
		stdout = capped
		stderr = runner.CapWriter(stderr, spec.maxOutput)
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return out, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	out.stdout = stdoutBuf.String()
	out.stdoutTruncated = capped != nil && capped.Truncated()
	out.stderr = stderrBuf.String()
	return out, nil
}

func (c *Client) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
		c.logger.Warn("failed to kill container", "containerID", id, "error", err)
	}
}

// removeContainer force-removes a container, ignoring ones already gone.
func (c *Client) removeContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		c.logger.Warn("failed to remove container", "containerID", id, "error", err)
	}
}

// tarFiles builds an archive holding files, sorted by name.
func tarFiles(files map[string][]byte) (io.Reader, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to archive %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to archive %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to archive files: %w", err)
	}
	return &buf, nil
}
