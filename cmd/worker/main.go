package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/goenact/internal/app"
	"github.com/dontdude/goenact/internal/config"
	"github.com/dontdude/goenact/internal/observability"
	"github.com/dontdude/goenact/internal/platform/queue"
	"github.com/dontdude/goenact/internal/worker"
)

func main() {
	// 1. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Config comes from $GOENACT_CONFIG, .env and GOENACT_* variables.
	if err := run(logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability
	metrics := observability.NewMetrics()
	tracing, err := observability.NewTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	// 3. Backend, cache, engine, history
	comps, err := app.Build(ctx, cfg, app.Options{Logger: logger, Metrics: metrics, Tracing: tracing})
	if err != nil {
		return err
	}
	defer comps.Cleanup()
	logger.Info("Starting goenact worker", "backend", comps.Provisioner.Name(), "cacheRoot", cfg.Cache.Root)

	// 4. Initialize Redis Queue (fail fast when unreachable)
	redisQ, err := queue.NewRedisQueue(ctx, queue.Options{
		Addr:           cfg.Redis.Addr,
		Stream:         cfg.Redis.Stream,
		Group:          cfg.Redis.Group,
		ResultsChannel: cfg.Redis.ResultsChannel,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer redisQ.Close()

	// 5. Eviction sweeper
	sweeper, err := comps.NewSweeper()
	if err != nil {
		return err
	}
	if sweeper != nil {
		sweeper.Start()
		defer sweeper.Stop()
	}

	// 6. Metrics endpoint
	if addr := cfg.Worker.MetricsAddr; addr != "-" {
		srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	// 7. Worker pool
	var tasks worker.TaskResolver
	if comps.Registry != nil {
		tasks = comps.Registry
	}
	pool, err := worker.NewPool(worker.Options{
		Concurrency: cfg.Worker.Concurrency,
		Executor:    comps.Engine,
		Tasks:       tasks,
		Sink:        redisQ,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// Running jobs finish on shutdown; only a second signal aborts them.
	execCtx, abort := context.WithCancel(context.Background())
	defer abort()
	pool.Start(execCtx)

	go redisQ.StartRecoveryRoutine(ctx, cfg.Worker.RecoveryInterval, cfg.Worker.StaleAfter)

	jobs, err := redisQ.Subscribe(ctx)
	if err != nil {
		pool.Stop()
		return err
	}
	logger.Info("Listening for jobs", "stream", cfg.Redis.Stream, "concurrency", cfg.Worker.Concurrency)

	// Consume returns when ctx is cancelled and the subscription closes.
	pool.Consume(jobs)

	logger.Info("Shutdown requested, draining running jobs")
	stop()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Warn("Second signal received, aborting running jobs")
		abort()
	}()
	pool.Stop()
	return nil
}
