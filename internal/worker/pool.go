package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/engine"
	"github.com/dontdude/goenact/internal/observability"
)

// Executor runs a task. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, task *domain.TaskDefinition, inputs map[string]any, timeout time.Duration) (*domain.ExecutionResult, error)
}

// TaskResolver looks up task definitions by ID. *registry.Client implements it.
type TaskResolver interface {
	GetTask(ctx context.Context, id string) (*domain.TaskDefinition, error)
}

// ResultSink receives job outcomes. domain.JobQueue implementations satisfy it.
type ResultSink interface {
	Broadcast(ctx context.Context, result domain.JobResult) error
	Acknowledge(ctx context.Context, rawID string) error
}

// Options configures a Pool.
type Options struct {
	Concurrency int
	Executor    Executor
	Tasks       TaskResolver // Optional; jobs without an inline task fail without it.
	Sink        ResultSink
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// Pool implements a fixed-size worker pool pattern.
// It throttles the concurrent execution of jobs using fixed goroutines.
type Pool struct {
	// workerCount determines how many scripts can run at once.
	workerCount int
	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	exec    Executor
	tasks   TaskResolver
	sink    ResultSink
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(opts Options) (*Pool, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("result sink is required")
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh: make(chan domain.Job, concurrency),
		exec:    opts.Executor,
		tasks:   opts.Tasks,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately. Cancelling ctx aborts jobs that are running.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop initiates a graceful shutdown.
// It closes the jobs channel, which signals all workers to finish their current task and exit.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Submit adds a job to the queue.
// It blocks if the queue (and workers) are fully saturated.
func (p *Pool) Submit(job domain.Job) {
	p.tasksCh <- job
}

// Consume submits every job from jobs until the channel closes.
func (p *Pool) Consume(jobs <-chan domain.Job) {
	for job := range jobs {
		p.Submit(job)
	}
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	p.logger.Debug("Worker started", "workerId", id)

	// Range over the channel continuously reads jobs until the channel is closed.
	for job := range p.tasksCh {
		p.logger.Debug("Processing job", "workerId", id, "jobID", job.ID)
		p.process(ctx, job)
	}

	p.logger.Debug("Worker stopped", "workerID", id)
}

func (p *Pool) process(ctx context.Context, job domain.Job) {
	p.metrics.JobStarted()
	defer p.metrics.JobFinished()

	ctx = engine.WithJobID(ctx, job.ID)
	start := time.Now()

	var res *domain.ExecutionResult
	task, err := p.resolve(ctx, job)
	if err == nil {
		res, err = p.exec.Execute(ctx, task, job.Inputs, job.Timeout(0))
	}
	result := NewJobResult(job, res, err, time.Since(start))
	if task != nil && result.TaskID == "" {
		result.TaskID = task.ID
	}

	// Report and acknowledge even when shutdown cancelled the run.
	reportCtx := context.WithoutCancel(ctx)
	if err := p.sink.Broadcast(reportCtx, result); err != nil {
		p.logger.Error("Failed to broadcast result", "jobID", job.ID, "error", err)
	}
	if job.RawID != "" {
		if err := p.sink.Acknowledge(reportCtx, job.RawID); err != nil {
			p.logger.Error("Failed to acknowledge job", "jobID", job.ID, "error", err)
		}
	}
}

func (p *Pool) resolve(ctx context.Context, job domain.Job) (*domain.TaskDefinition, error) {
	if job.Task != nil {
		return job.Task, nil
	}
	if job.TaskID == "" {
		return nil, fmt.Errorf("%w: job %s names no task", domain.ErrInvalidTask, job.ID)
	}
	if p.tasks == nil {
		return nil, fmt.Errorf("%w: job %s references task %q but no registry is configured", domain.ErrInvalidTask, job.ID, job.TaskID)
	}
	return p.tasks.GetTask(ctx, job.TaskID)
}

// NewJobResult converts an execution outcome into the result broadcast for job.
func NewJobResult(job domain.Job, res *domain.ExecutionResult, err error, elapsed time.Duration) domain.JobResult {
	out := domain.JobResult{
		JobID:      job.ID,
		TaskID:     job.TaskID,
		Status:     domain.JobSucceeded,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		out.Status = domain.JobFailed
		out.ErrorKind = domain.ErrorKind(err)
		out.Error = err.Error()
		out.Diagnostics = domain.Diagnostics(err)
		var ee *domain.ExecutionError
		if errors.As(err, &ee) {
			out.ExitCode = ee.ExitCode
		}
		return out
	}
	if res != nil {
		out.Value = res.Value
		out.ExitCode = res.ExitCode
		out.Identity = res.Identity.String()
	}
	return out
}
