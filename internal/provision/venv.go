// Package provision builds the runtime environments the cache hands out.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/envcache"
)

// BackendVenv is the name the venv provisioner reports.
const BackendVenv = "venv"

// execFunc runs name with args and returns the captured streams and exit
// code. A non-nil error means the command could not be run at all.
type execFunc func(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

// VenvProvisioner creates one virtual environment per identity and installs
// the manifest's packages into it with a single pip invocation.
type VenvProvisioner struct {
	python    string
	indexURL  string
	extraArgs []string
	logger    *slog.Logger
	exec      execFunc

	mu      sync.Mutex
	version string
}

// Option configures a VenvProvisioner.
type Option func(*VenvProvisioner)

// WithPython sets the base interpreter used to create environments.
func WithPython(path string) Option {
	return func(p *VenvProvisioner) {
		if path != "" {
			p.python = path
		}
	}
}

// WithIndexURL points pip at a package index other than the default.
func WithIndexURL(url string) Option {
	return func(p *VenvProvisioner) { p.indexURL = url }
}

// WithExtraArgs appends arguments to every pip install.
func WithExtraArgs(args ...string) Option {
	return func(p *VenvProvisioner) { p.extraArgs = append(p.extraArgs, args...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *VenvProvisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewVenvProvisioner returns a provisioner using python3 from PATH unless
// WithPython says otherwise.
func NewVenvProvisioner(opts ...Option) *VenvProvisioner {
	p := &VenvProvisioner{
		python: "python3",
		logger: slog.Default(),
		exec:   runCommand,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements domain.Provisioner.
func (p *VenvProvisioner) Name() string { return BackendVenv }

// Provision implements domain.Provisioner.
func (p *VenvProvisioner) Provision(ctx context.Context, env *domain.EnvironmentRecord) error {
	// 1. Check the interpreter before touching the environment.
	version, err := p.RuntimeVersion(ctx)
	if err != nil {
		return err
	}
	if err := CheckVersion(env.Manifest.RuntimeConstraint(), version); err != nil {
		return err
	}
	env.RuntimeVersion = version

	// 2. Create the virtual environment.
	dir := envcache.RuntimeDir(*env)
	interpreter := filepath.Join(dir, "bin", "python")
	if _, err := os.Stat(filepath.Join(dir, "pyvenv.cfg")); err != nil {
		p.logger.Debug("creating virtual environment", "identity", env.Identity.Short(), "dir", dir)
		_, stderr, code, err := p.exec(ctx, p.python, "-m", "venv", dir)
		if err != nil {
			return fmt.Errorf("creating virtual environment: %w", err)
		}
		if code != 0 {
			return fmt.Errorf("creating virtual environment (exit %d): %s", code, strings.TrimSpace(stderr))
		}
	}
	env.Runtime = interpreter

	// 3. Install every package in one batch.
	packages := env.Manifest.Packages()
	if len(packages) == 0 {
		return nil
	}
	args := InstallArgs(p.indexURL, p.extraArgs, packages)
	p.logger.Info("installing packages", "identity", env.Identity.Short(), "count", len(packages))
	_, stderr, code, err := p.exec(ctx, interpreter, args...)
	if err != nil {
		return fmt.Errorf("running pip: %w", err)
	}
	if code != 0 {
		return &domain.InstallError{ExitCode: code, Stderr: stderr}
	}
	return nil
}

// InstallArgs returns the interpreter arguments that install packages with
// a single pip invocation.
func InstallArgs(indexURL string, extraArgs []string, packages []domain.Package) []string {
	args := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input"}
	if indexURL != "" {
		args = append(args, "--index-url", indexURL)
	}
	args = append(args, extraArgs...)
	for _, pkg := range packages {
		args = append(args, pkg.Requirement())
	}
	return args
}

// Remove implements domain.Provisioner. Venv environments live entirely
// inside their location, which the cache removes itself.
func (p *VenvProvisioner) Remove(context.Context, domain.EnvironmentRecord) error {
	return nil
}

// RuntimeVersion probes the base interpreter once and remembers the answer.
// Failed probes are retried on the next call.
func (p *VenvProvisioner) RuntimeVersion(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.version != "" {
		return p.version, nil
	}
	stdout, stderr, code, err := p.exec(ctx, p.python, "-c", "import platform; print(platform.python_version())")
	if err != nil {
		return "", fmt.Errorf("probing %s: %w", p.python, err)
	}
	if code != 0 {
		return "", fmt.Errorf("probing %s (exit %d): %s", p.python, code, strings.TrimSpace(stderr))
	}
	p.version = strings.TrimSpace(stdout)
	return p.version, nil
}

// CheckVersion fails with *domain.VersionMismatchError when actual does not
// satisfy constraint. An empty constraint accepts any version.
func CheckVersion(constraint, actual string) error {
	if constraint == "" {
		return nil
	}
	spec, err := ParseSpecifier(constraint)
	if err != nil {
		return fmt.Errorf("%w: python_version: %v", domain.ErrInvalidTask, err)
	}
	ok, err := spec.Allows(actual)
	if err != nil {
		return fmt.Errorf("interpreter reported unparseable version: %w", err)
	}
	if !ok {
		return &domain.VersionMismatchError{Constraint: constraint, Actual: actual}
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return stdout.String(), stderr.String(), 0, nil
	case ctx.Err() != nil:
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case errors.As(err, &exitErr):
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	default:
		return stdout.String(), stderr.String(), -1, err
	}
}
