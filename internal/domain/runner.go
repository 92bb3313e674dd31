package domain

import (
	"context"
	"time"
)

// Script is a composed, self-contained program: the caller's inputs embedded
// as a literal followed by the task's executable body. It is produced once
// per execution request and never reused across input payloads.
type Script struct {
	TaskID    string
	PayloadID string
	Body      string
}

// ExecutionResult is the outcome of a successful run: the structured value
// decoded from standard output plus the raw captured streams.
type ExecutionResult struct {
	Value    any           `json:"value"`
	Stdout   string        `json:"-"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	// Identity is the environment the script ran in.
	Identity Identity `json:"identity,omitempty"`
}

// Runner executes a composed script inside a ready environment.
// Implementations handle the low-level process or container lifecycle.
type Runner interface {
	// Run executes script inside env, enforcing timeout. Failures are
	// returned as the typed errors in errors.go; a returned result always
	// comes from a process that exited 0 with decodable output.
	Run(ctx context.Context, env EnvironmentRecord, script Script, timeout time.Duration) (*ExecutionResult, error)
}
