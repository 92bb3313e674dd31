// Package runner executes composed scripts as isolated child processes and
// recovers their structured results.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/goenact/internal/domain"
)

const (
	// defaultMaxOutputBytes caps each captured stream.
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 60 * time.Second

	// waitDelay bounds how long Wait drains pipes held open by stray
	// descendants after the interpreter exits or is killed.
	waitDelay = 2 * time.Second
)

// ProcessConfig configures the process runner.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
	// Env is added to the sanitized environment of every run.
	Env map[string]string
	// TempDir is where per-run directories are created. Empty means
	// os.TempDir().
	TempDir string
}

// ProcessRunner runs scripts with the environment's interpreter.
//
// Every run:
//   - gets its own temp directory, removed on every exit path
//   - runs in its own process group, killed as a whole on timeout/cancel
//   - sees no host environment beyond a minimal safe set
//   - has stdout and stderr captured separately, each capped
type ProcessRunner struct {
	defaultTimeout time.Duration
	maxOutputBytes int
	env            map[string]string
	tempDir        string
	logger         *slog.Logger
}

// NewProcessRunner creates a process runner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	return &ProcessRunner{
		defaultTimeout: timeout,
		maxOutputBytes: maxOutput,
		env:            cfg.Env,
		tempDir:        cfg.TempDir,
		logger:         logger,
	}
}

// Run implements domain.Runner.
func (r *ProcessRunner) Run(ctx context.Context, env domain.EnvironmentRecord, script domain.Script, timeout time.Duration) (*domain.ExecutionResult, error) {
	if env.Runtime == "" {
		return nil, fmt.Errorf("environment %s has no interpreter", env.Identity.Short())
	}

	// 1. Apply timeout.
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Create an isolated temp directory holding the script.
	tmpDir, err := os.MkdirTemp(r.tempDir, "goenact-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating run temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			r.logger.Warn("failed to remove run temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	scriptPath := filepath.Join(tmpDir, "task-"+uuid.NewString()+".py")
	if err := os.WriteFile(scriptPath, []byte(script.Body), 0o600); err != nil {
		return nil, fmt.Errorf("writing script: %w", err)
	}

	// 3. The interpreter gets the script as its only argument.
	cmd := exec.CommandContext(runCtx, env.Runtime, scriptPath)
	cmd.Dir = tmpDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	cmd.Env = r.buildEnv(tmpDir, env)

	// 4. Capture stdout/stderr separately with a size cap.
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := CapWriter(&stdoutBuf, r.maxOutputBytes)
	stderr := CapWriter(&stderrBuf, r.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("running script",
		slog.String("task", script.TaskID),
		slog.String("payload", script.PayloadID),
		slog.String("identity", env.Identity.Short()),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// 5. Interpret the outcome. Cancellation wins over whatever the killed
	// process managed to print.
	exitCode := 0
	if runErr != nil {
		if runCtx.Err() != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("execution canceled: %w", ctxErr)
			}
			r.logger.Warn("script timed out",
				slog.String("task", script.TaskID),
				slog.Duration("timeout", timeout),
			)
			return nil, &domain.TimeoutError{Timeout: timeout}
		}

		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			// The interpreter exited but a descendant kept the pipes open.
			exitCode = cmd.ProcessState.ExitCode()
		default:
			return nil, fmt.Errorf("starting interpreter: %w", runErr)
		}
	}

	if stdout.truncated || stderr.truncated {
		r.logger.Warn("script output truncated",
			slog.String("task", script.TaskID),
			slog.Int("limit_bytes", r.maxOutputBytes),
		)
	}

	r.logger.Debug("script finished",
		slog.String("task", script.TaskID),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	if exitCode == 0 && stdout.truncated {
		return nil, TruncatedOutputError(stdoutBuf.String(), r.maxOutputBytes)
	}
	return Decode(stdoutBuf.String(), stderrBuf.String(), exitCode, duration)
}

// buildEnv constructs a minimal environment. The host environment is never
// inherited.
func (r *ProcessRunner) buildEnv(tmpDir string, env domain.EnvironmentRecord) []string {
	path := "/usr/local/bin:/usr/bin:/bin"
	binDir := filepath.Dir(env.Runtime)
	if filepath.IsAbs(binDir) {
		path = binDir + ":" + path
	}

	vars := []string{
		"PATH=" + path,
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=C.UTF-8",
		"TERM=dumb",
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
	if env.Backend == "venv" {
		vars = append(vars, "VIRTUAL_ENV="+filepath.Dir(binDir))
	}

	keys := make([]string, 0, len(r.env))
	for k := range r.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vars = append(vars, k+"="+r.env[k])
	}
	return vars
}
