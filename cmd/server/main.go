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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dontdude/goenact/internal/app"
	"github.com/dontdude/goenact/internal/config"
	"github.com/dontdude/goenact/internal/observability"
	"github.com/dontdude/goenact/internal/platform/queue"
	"github.com/dontdude/goenact/internal/platform/web"
)

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Server failed", "error", err)
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

	// 2. Cache and history views. The server never executes tasks.
	comps, err := app.Build(ctx, cfg, app.Options{Logger: logger, Metrics: metrics, Tracing: tracing})
	if err != nil {
		return err
	}
	defer comps.Cleanup()

	// 3. Initialize Redis Queue (as a dependency)
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

	// 4. Start Result Broadcaster (Background goroutine)
	results, err := redisQ.SubscribeResults(ctx)
	if err != nil {
		return err
	}
	h := newHub(logger)
	go h.run(ctx, results)

	// 5. Setup Rate Limiter
	var limiterOpts []web.Option
	if cfg.Server.TrustProxy {
		limiterOpts = append(limiterOpts, web.WithTrustedProxy())
	}
	limiter := web.NewRateLimiter(cfg.Server.Rate, int(cfg.Server.Burst), limiterOpts...)
	defer limiter.Close()

	a := &api{
		jobs:    redisQ,
		envs:    comps.Cache,
		hub:     h,
		limiter: limiter,
		metrics: metrics.Handler(),
		logger:  logger,
	}
	if comps.History != nil {
		a.history = comps.History
	}

	handler := otelhttp.NewHandler(a.routes(), "goenact-server",
		otelhttp.WithTracerProvider(tracing.Provider()),
	)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API Server starting", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
