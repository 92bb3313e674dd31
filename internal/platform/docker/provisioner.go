package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/provision"
)

// imageRepo is the repository environment images are committed to.
const imageRepo = "goenact-env"

// ImageRef returns the image an environment is committed as. The tag is the
// full identity; a 64 character hex digest fits the 128 character tag limit.
func ImageRef(id domain.Identity) string {
	return imageRepo + ":" + id.String()
}

// ProvisionerConfig configures the docker provisioner.
type ProvisionerConfig struct {
	BaseImage string
	IndexURL  string
	ExtraArgs []string
	MemoryMB  int64
}

// Provisioner builds environment images: it runs one pip install in a
// container from the base image and commits the result.
type Provisioner struct {
	c      *Client
	cfg    ProvisionerConfig
	logger *slog.Logger

	mu      sync.Mutex
	version string
}

var _ domain.Provisioner = (*Provisioner)(nil)

// NewProvisioner creates a docker provisioner.
func NewProvisioner(c *Client, cfg ProvisionerConfig, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{c: c, cfg: cfg, logger: logger}
}

// Name implements domain.Provisioner.
func (p *Provisioner) Name() string { return BackendDocker }

// Provision implements domain.Provisioner.
func (p *Provisioner) Provision(ctx context.Context, env *domain.EnvironmentRecord) error {
	// 1. Check the base image's interpreter before building anything.
	version, err := p.RuntimeVersion(ctx)
	if err != nil {
		return err
	}
	if err := provision.CheckVersion(env.Manifest.RuntimeConstraint(), version); err != nil {
		return err
	}
	env.RuntimeVersion = version

	packages := env.Manifest.Packages()
	if len(packages) == 0 {
		env.Runtime = p.cfg.BaseImage
		return nil
	}

	// 2. Reuse an image committed by an earlier attempt.
	ref := ImageRef(env.Identity)
	exists, err := p.c.imageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		env.Runtime = ref
		return nil
	}

	// 3. Install every package in one batch and commit the container.
	p.logger.Info("building environment image", "identity", env.Identity.Short(), "image", ref, "count", len(packages))
	cmd := append([]string{"python"}, provision.InstallArgs(p.cfg.IndexURL, p.cfg.ExtraArgs, packages)...)
	out, err := p.c.run(ctx, runSpec{
		image:   p.cfg.BaseImage,
		cmd:     cmd,
		env:     []string{"PIP_ROOT_USER_ACTION=ignore", "PYTHONDONTWRITEBYTECODE=1"},
		network: true,
		memory:  p.cfg.MemoryMB * 1024 * 1024,
	})
	defer p.c.removeContainer(out.id)
	if err != nil {
		return fmt.Errorf("running pip: %w", err)
	}
	if out.exitCode != 0 {
		return &domain.InstallError{ExitCode: out.exitCode, Stderr: out.stderr}
	}

	if _, err := p.c.cli.ContainerCommit(ctx, out.id, container.CommitOptions{
		Reference: ref,
		Comment:   "goenact environment " + env.Identity.String(),
	}); err != nil {
		return fmt.Errorf("failed to commit environment image: %w", err)
	}
	env.Runtime = ref
	return nil
}

// Remove implements domain.Provisioner. It deletes the environment's image;
// base images are never removed.
func (p *Provisioner) Remove(ctx context.Context, env domain.EnvironmentRecord) error {
	ref := env.Runtime
	if ref == "" {
		ref = ImageRef(env.Identity)
	}
	if !strings.HasPrefix(ref, imageRepo+":") {
		return nil
	}
	_, err := p.c.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", ref, err)
	}
	return nil
}

// RuntimeVersion probes the base image's interpreter once and remembers the
// answer. Failed probes are retried on the next call.
func (p *Provisioner) RuntimeVersion(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.version != "" {
		return p.version, nil
	}

	if err := p.c.ensureImage(ctx, p.cfg.BaseImage); err != nil {
		return "", err
	}
	out, err := p.c.run(ctx, runSpec{
		image: p.cfg.BaseImage,
		cmd:   []string{"python", "-c", "import platform; print(platform.python_version())"},
	})
	defer p.c.removeContainer(out.id)
	if err != nil {
		return "", fmt.Errorf("probing %s: %w", p.cfg.BaseImage, err)
	}
	if out.exitCode != 0 {
		return "", fmt.Errorf("probing %s (exit %d): %s", p.cfg.BaseImage, out.exitCode, strings.TrimSpace(out.stderr))
	}
	p.version = strings.TrimSpace(out.stdout)
	return p.version, nil
}
