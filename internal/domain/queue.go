package domain

import (
	"context"
	"time"
)

// Job statuses reported in a JobResult.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	// JobAbandoned marks a job whose worker vanished mid-run. Such jobs are
	// reported, never re-executed.
	JobAbandoned = "abandoned"
)

// Job is a request to execute a task with a set of inputs.
// Either TaskID (resolved through the registry) or Task must be set.
type Job struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id,omitempty"`
	Task           *TaskDefinition `json:"task,omitempty"`
	Inputs         map[string]any  `json:"inputs,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`

	// RawID is the broker's delivery ID (e.g. a Redis stream entry ID).
	// It is needed to acknowledge the job after processing.
	RawID string `json:"-"`
}

// Timeout returns the job's requested timeout, or fallback when unset.
func (j Job) Timeout(fallback time.Duration) time.Duration {
	if j.TimeoutSeconds > 0 {
		return time.Duration(j.TimeoutSeconds) * time.Second
	}
	return fallback
}

// JobResult is the outcome of a job as broadcast to subscribers.
type JobResult struct {
	JobID       string `json:"job_id"`
	TaskID      string `json:"task_id,omitempty"`
	Status      string `json:"status"`
	Value       any    `json:"value,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
	ExitCode    int    `json:"exit_code"`
	Identity    string `json:"identity,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// JobQueue defines the contract for a distributed job queue.
// It decouples workers and the API from the underlying broker.
type JobQueue interface {
	// Publish enqueues a job for processing.
	Publish(ctx context.Context, job Job) error

	// Subscribe returns a channel streaming jobs assigned to this consumer.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan Job, error)

	// Acknowledge confirms a job has been processed, using its RawID.
	Acknowledge(ctx context.Context, rawID string) error

	// Broadcast publishes a job result to all result subscribers.
	Broadcast(ctx context.Context, result JobResult) error

	// SubscribeResults streams results broadcast by all workers.
	SubscribeResults(ctx context.Context) (<-chan JobResult, error)
}
