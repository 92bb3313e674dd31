// Package engine ties the composer, the environment cache and a runner into
// a single Execute call.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dontdude/goenact/internal/compose"
	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/observability"
)

// Environments hands out ready environments. *envcache.Cache implements it.
type Environments interface {
	Acquire(ctx context.Context, m domain.Manifest) (domain.EnvironmentRecord, func(), error)
}

// Recorder receives a report for every finished execution.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

// Report describes one finished execution, successful or not.
type Report struct {
	TaskID    string
	PayloadID string
	Identity  domain.Identity
	Inputs    map[string]any
	Result    *domain.ExecutionResult
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Options configures an Engine.
type Options struct {
	Environments   Environments
	Runner         domain.Runner
	DefaultTimeout time.Duration
	Recorder       Recorder
	Metrics        *observability.Metrics
	Tracer         trace.Tracer
	Logger         *slog.Logger
}

// Engine executes task definitions.
type Engine struct {
	envs           Environments
	runner         domain.Runner
	defaultTimeout time.Duration
	recorder       Recorder
	metrics        *observability.Metrics
	tracer         trace.Tracer
	logger         *slog.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Environments == nil {
		return nil, fmt.Errorf("environments are required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		envs:           opts.Environments,
		runner:         opts.Runner,
		defaultTimeout: opts.DefaultTimeout,
		recorder:       opts.Recorder,
		metrics:        opts.Metrics,
		tracer:         tracer,
		logger:         logger,
	}, nil
}

// Execute composes task with inputs, resolves the task's environment and
// runs the script in it. A zero timeout uses the engine default.
//
// The environment is held for the duration of the run, so it cannot be
// evicted underneath the script. Failures are the typed errors of the
// domain package and are never retried.
func (e *Engine) Execute(ctx context.Context, task *domain.TaskDefinition, inputs map[string]any, timeout time.Duration) (*domain.ExecutionResult, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	report := Report{Inputs: inputs, StartedAt: time.Now()}
	if task != nil {
		report.TaskID = task.ID
	}

	ctx, span := e.tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(attribute.String("task.id", report.TaskID)),
	)
	defer span.End()

	res, err := e.execute(ctx, task, inputs, timeout, &report)

	report.Result = res
	report.Err = err
	report.Duration = time.Since(report.StartedAt)
	e.finish(ctx, span, report)
	return res, err
}

func (e *Engine) execute(ctx context.Context, task *domain.TaskDefinition, inputs map[string]any, timeout time.Duration, report *Report) (*domain.ExecutionResult, error) {
	// 1. Compose. Nothing else happens for a task we cannot run.
	script, err := compose.Compose(task, inputs)
	if err != nil {
		return nil, err
	}
	report.PayloadID = script.PayloadID
	if err := task.Dependencies.Validate(); err != nil {
		return nil, err
	}

	// 2. Resolve and hold the environment.
	acquireCtx, acquireSpan := e.tracer.Start(ctx, "envcache.Acquire")
	env, release, err := e.envs.Acquire(acquireCtx, task.Dependencies)
	if err != nil {
		acquireSpan.RecordError(err)
		acquireSpan.SetStatus(codes.Error, domain.ErrorKind(err))
		acquireSpan.End()
		return nil, err
	}
	acquireSpan.SetAttributes(attribute.String("env.identity", env.Identity.String()))
	acquireSpan.End()
	defer release()
	report.Identity = env.Identity

	// 3. Run.
	runCtx, runSpan := e.tracer.Start(ctx, "runner.Run",
		trace.WithAttributes(
			attribute.String("env.identity", env.Identity.String()),
			attribute.String("payload.id", script.PayloadID),
			attribute.String("timeout", timeout.String()),
		),
	)
	defer runSpan.End()
	res, err := e.runner.Run(runCtx, env, script, timeout)
	if err != nil {
		runSpan.RecordError(err)
		runSpan.SetStatus(codes.Error, domain.ErrorKind(err))
		return nil, err
	}
	runSpan.SetAttributes(attribute.Int("exit_code", res.ExitCode))
	res.Identity = env.Identity
	return res, nil
}

func (e *Engine) finish(ctx context.Context, span trace.Span, r Report) {
	status := "succeeded"
	kind := domain.ErrorKind(r.Err)
	if r.Err != nil {
		status = "failed"
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, kind)
		e.logger.Warn("task execution failed",
			"task", r.TaskID,
			"identity", r.Identity.Short(),
			"kind", kind,
			"duration", r.Duration,
			"error", r.Err,
		)
	} else {
		e.logger.Info("task executed",
			"task", r.TaskID,
			"identity", r.Identity.Short(),
			"duration", r.Duration,
		)
	}
	e.metrics.ObserveExecution(status, kind, r.Duration)

	if e.recorder != nil {
		if err := e.recorder.Record(context.WithoutCancel(ctx), r); err != nil {
			e.logger.Warn("failed to record execution", "task", r.TaskID, "error", err)
		}
	}
}

type jobIDKey struct{}

// WithJobID tags ctx with the queue job being executed.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFrom returns the job ID set by WithJobID, or "".
func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
