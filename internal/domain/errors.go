package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Failure kinds. Every failure returned by the core matches exactly one of
// these with errors.Is.
var (
	ErrNoExecutablePayload = errors.New("no executable payload")
	ErrVersionMismatch     = errors.New("runtime version mismatch")
	ErrInstallFailure      = errors.New("package installation failed")
	ErrOutputDecode        = errors.New("output decode error")
	ErrExecutionFailure    = errors.New("execution failed")
	ErrTimeout             = errors.New("execution timed out")
	ErrCacheCorruption     = errors.New("environment cache corruption")
)

// VersionMismatchError reports a runtime that does not satisfy the manifest.
type VersionMismatchError struct {
	Constraint string
	Actual     string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("runtime version %s does not meet requirement %q", e.Actual, e.Constraint)
}

func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

// InstallError carries the installer's diagnostic stream verbatim.
type InstallError struct {
	ExitCode int
	Stderr   string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("failed to install dependencies (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *InstallError) Is(target error) bool { return target == ErrInstallFailure }

// OutputDecodeError carries the raw standard output that failed to decode.
type OutputDecodeError struct {
	Raw string
	Err error
}

func (e *OutputDecodeError) Error() string {
	return fmt.Sprintf("failed to parse output as JSON: %v: %q", e.Err, e.Raw)
}

func (e *OutputDecodeError) Is(target error) bool { return target == ErrOutputDecode }

func (e *OutputDecodeError) Unwrap() error { return e.Err }

// ExecutionError reports a script that exited non-zero.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task execution failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailure }

// TimeoutError reports a run that was killed at its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CacheCorruptionError reports an environment directory that is neither
// ready nor being provisioned.
type CacheCorruptionError struct {
	Identity Identity
	Location string
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("environment %s at %s is not ready and not provisioning", e.Identity.Short(), e.Location)
}

func (e *CacheCorruptionError) Is(target error) bool { return target == ErrCacheCorruption }

// ErrorKind maps err to a stable label for job results and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoExecutablePayload):
		return "no_executable_payload"
	case errors.Is(err, ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, ErrInstallFailure):
		return "install_failure"
	case errors.Is(err, ErrOutputDecode):
		return "output_decode_error"
	case errors.Is(err, ErrExecutionFailure):
		return "execution_failure"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCacheCorruption):
		return "cache_corruption"
	case errors.Is(err, ErrInvalidTask), errors.Is(err, ErrUnsupportedEcosystem):
		return "invalid_task"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// Diagnostics returns the captured diagnostic text carried by err, if any.
func Diagnostics(err error) string {
	var ie *InstallError
	if errors.As(err, &ie) {
		return ie.Stderr
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Stderr
	}
	var de *OutputDecodeError
	if errors.As(err, &de) {
		return de.Raw
	}
	return ""
}
