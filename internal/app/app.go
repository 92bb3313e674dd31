// Package app builds the components shared by the goenact binaries from a
// loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/dontdude/goenact/internal/config"
	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/engine"
	"github.com/dontdude/goenact/internal/envcache"
	"github.com/dontdude/goenact/internal/observability"
	"github.com/dontdude/goenact/internal/platform/docker"
	"github.com/dontdude/goenact/internal/platform/history"
	"github.com/dontdude/goenact/internal/provision"
	"github.com/dontdude/goenact/internal/registry"
	"github.com/dontdude/goenact/internal/runner"
)

// Options carries the ambient dependencies. All fields are optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracing *observability.Tracing
	// WithoutHistory skips opening the history database even when configured.
	WithoutHistory bool
}

// Components holds every initialized subsystem. Built once by Build, torn
// down by Cleanup.
type Components struct {
	Config      *config.Config
	Logger      *slog.Logger
	Provisioner domain.Provisioner
	Runner      domain.Runner
	Cache       *envcache.Cache
	Engine      *engine.Engine
	History     *history.Store   // nil = history disabled.
	Registry    *registry.Client // nil = no registry configured.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// Build wires the configured backend, the environment cache, the engine and
// the optional history store and registry client. On error everything
// already built is cleaned up.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *Components, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			c.Cleanup()
		}
	}()

	// Backend.
	switch cfg.Runtime.Backend {
	case config.BackendDocker:
		cli, err := docker.NewClient(ctx, logger)
		if err != nil {
			return nil, err
		}
		c.addCleanup(func() { _ = cli.Close() })
		c.Provisioner = docker.NewProvisioner(cli, docker.ProvisionerConfig{
			BaseImage: cfg.Docker.BaseImage,
			IndexURL:  cfg.Pip.IndexURL,
			ExtraArgs: cfg.Pip.ExtraArgs,
			MemoryMB:  cfg.Docker.MemoryMB,
		}, logger)
		c.Runner = docker.NewRunner(cli, docker.RunnerConfig{
			DefaultTimeout:  cfg.Runtime.Timeout,
			MaxOutputBytes:  cfg.Runtime.MaxOutputBytes,
			MemoryMB:        cfg.Docker.MemoryMB,
			NetworkDisabled: cfg.Docker.NetworkDisabled,
			Env:             cfg.Runtime.Env,
		}, logger)
	case config.BackendVenv, "":
		c.Provisioner = provision.NewVenvProvisioner(
			provision.WithPython(cfg.Runtime.Python),
			provision.WithIndexURL(cfg.Pip.IndexURL),
			provision.WithExtraArgs(cfg.Pip.ExtraArgs...),
			provision.WithLogger(logger),
		)
		c.Runner = runner.NewProcessRunner(runner.ProcessConfig{
			DefaultTimeout: cfg.Runtime.Timeout,
			MaxOutputBytes: cfg.Runtime.MaxOutputBytes,
			Env:            cfg.Runtime.Env,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Runtime.Backend)
	}
	logger.Debug("backend initialized", slog.String("backend", c.Provisioner.Name()))

	// Environment cache.
	cache, err := envcache.New(envcache.Options{
		Root:             cfg.Cache.Root,
		Provisioner:      c.Provisioner,
		ProvisionTimeout: cfg.Runtime.ProvisionTimeout,
		RepairCorrupt:    cfg.Cache.ShouldRepair(),
		Logger:           logger,
		Metrics:          opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing environment cache: %w", err)
	}
	c.Cache = cache

	// History.
	var recorder engine.Recorder
	if cfg.History.Path != "" && !opts.WithoutHistory {
		store, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return nil, err
		}
		c.History = store
		c.addCleanup(func() { _ = store.Close() })
		recorder = store
	}

	// Registry.
	if cfg.Registry.BaseURL != "" {
		reg, err := registry.NewClient(cfg.Registry.BaseURL, cfg.Registry.Timeout, opts.Tracing.Provider(), logger)
		if err != nil {
			return nil, err
		}
		c.Registry = reg
	}

	eng, err := engine.New(engine.Options{
		Environments:   cache,
		Runner:         c.Runner,
		DefaultTimeout: cfg.Runtime.Timeout,
		Recorder:       recorder,
		Metrics:        opts.Metrics,
		Tracer:         opts.Tracing.Tracer(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	c.Engine = eng
	return c, nil
}

// NewSweeper returns the configured eviction sweeper, or nil when eviction
// is disabled.
func (c *Components) NewSweeper() (*envcache.Sweeper, error) {
	ev := c.Config.Cache.Eviction
	if !ev.Enabled() {
		return nil, nil
	}
	return envcache.NewSweeper(c.Cache, ev.Schedule, envcache.TTLPolicy{TTL: ev.TTL}, c.Logger)
}

// LoadTask reads a task from a local file when ref names one, and from the
// registry otherwise.
func (c *Components) LoadTask(ctx context.Context, ref string) (*domain.TaskDefinition, error) {
	if task, err := registry.LoadFile(ref); err == nil {
		return task, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if c.Registry == nil {
		return nil, fmt.Errorf("%q is not a file and no registry is configured", ref)
	}
	return c.Registry.GetTask(ctx, ref)
}
