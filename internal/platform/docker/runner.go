package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/runner"
)

// RunnerConfig configures the docker runner.
type RunnerConfig struct {
	DefaultTimeout  time.Duration
	MaxOutputBytes  int
	MemoryMB        int64
	NetworkDisabled bool
	Env             map[string]string
}

// Runner executes scripts in ephemeral containers created from the
// environment image. It enforces resource limits (memory, pids) and the
// run timeout.
type Runner struct {
	c      *Client
	cfg    RunnerConfig
	logger *slog.Logger
}

var _ domain.Runner = (*Runner)(nil)

// NewRunner creates a docker runner.
func NewRunner(c *Client, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	return &Runner{c: c, cfg: cfg, logger: logger}
}

// Run implements domain.Runner.
func (r *Runner) Run(ctx context.Context, env domain.EnvironmentRecord, script domain.Script, timeout time.Duration) (*domain.ExecutionResult, error) {
	if env.Runtime == "" {
		return nil, fmt.Errorf("environment %s has no image", env.Identity.Short())
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := "task-" + uuid.NewString() + ".py"
	r.logger.Debug("running script in container",
		slog.String("task", script.TaskID),
		slog.String("image", env.Runtime),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	out, err := r.c.run(runCtx, runSpec{
		image:     env.Runtime,
		cmd:       []string{"python", scriptDir + "/" + name},
		env:       containerEnv(r.cfg.Env),
		files:     map[string][]byte{name: []byte(script.Body)},
		network:   !r.cfg.NetworkDisabled,
		memory:    r.cfg.MemoryMB * 1024 * 1024,
		pids:      256,
		maxOutput: r.cfg.MaxOutputBytes,
	})
	duration := time.Since(start)
	defer r.c.removeContainer(out.id)

	if err != nil {
		if runCtx.Err() != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("execution canceled: %w", ctxErr)
			}
			r.logger.Warn("container timed out", slog.String("task", script.TaskID), slog.Duration("timeout", timeout))
			return nil, &domain.TimeoutError{Timeout: timeout}
		}
		return nil, err
	}
	if out.exitCode == 0 && out.stdoutTruncated {
		return nil, runner.TruncatedOutputError(out.stdout, r.cfg.MaxOutputBytes)
	}
	return runner.Decode(out.stdout, out.stderr, out.exitCode, duration)
}

// containerEnv returns the fixed run environment plus extra, sorted.
func containerEnv(extra map[string]string) []string {
	vars := []string{
		"HOME=" + scriptDir,
		"LANG=C.UTF-8",
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vars = append(vars, k+"="+extra[k])
	}
	return vars
}
