// Package envcache maps dependency manifests to reusable runtime
// environments. An environment is provisioned at most once per identity;
// every later resolve for the same manifest returns the ready record without
// launching any subprocess.
package envcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/observability"
)

// ErrInUse is returned when removing an environment that is held by a
// caller or still being provisioned.
var ErrInUse = errors.New("environment in use")

// Resolve outcomes reported to metrics.
const (
	outcomeHit     = "hit"
	outcomeDiskHit = "disk_hit"
	outcomeMiss    = "miss"
	outcomeWait    = "wait"
	outcomeError   = "error"
)

// Options configures a Cache.
type Options struct {
	// Root is the directory holding one subdirectory per identity.
	Root string
	// Provisioner populates new environments.
	Provisioner domain.Provisioner
	// ProvisionTimeout bounds a single provisioning attempt. Zero = unbounded.
	ProvisionTimeout time.Duration
	// RepairCorrupt removes and reprovisions directories left without a
	// ready marker. When false such directories fail resolve with
	// *domain.CacheCorruptionError.
	RepairCorrupt bool
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// entry is the in-memory state for one identity. While done is open the
// entry is busy (provisioning or being removed) and callers wait on it.
type entry struct {
	rec   domain.EnvironmentRecord
	done  chan struct{}
	err   error
	holds int
}

func (e *entry) busy() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Cache is the identity -> environment mapping. The map is the only shared
// mutable state and is never exposed; callers go through Resolve/Acquire.
type Cache struct {
	store            diskStore
	provisioner      domain.Provisioner
	provisionTimeout time.Duration
	repairCorrupt    bool
	logger           *slog.Logger
	metrics          *observability.Metrics

	mu      sync.Mutex
	entries map[domain.Identity]*entry
}

// New creates a Cache rooted at opts.Root, creating the directory if needed.
func New(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if opts.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:            diskStore{root: opts.Root},
		provisioner:      opts.Provisioner,
		provisionTimeout: opts.ProvisionTimeout,
		repairCorrupt:    opts.RepairCorrupt,
		logger:           logger,
		metrics:          opts.Metrics,
		entries:          make(map[domain.Identity]*entry),
	}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.store.root
}

// Resolve returns the ready environment for m, provisioning it first if no
// ready environment exists.
func (c *Cache) Resolve(ctx context.Context, m domain.Manifest) (domain.EnvironmentRecord, error) {
	rec, release, err := c.Acquire(ctx, m)
	if err != nil {
		return domain.EnvironmentRecord{}, err
	}
	release()
	return rec, nil
}

// Acquire is Resolve plus a hold: the environment cannot be evicted or
// invalidated until release is called. release is idempotent.
//
// Concurrent callers for the same identity share a single provisioning
// attempt. A caller whose ctx ends stops waiting; the attempt itself runs
// on and remains visible to other waiters.
func (c *Cache) Acquire(ctx context.Context, m domain.Manifest) (rec domain.EnvironmentRecord, release func(), err error) {
	id := IdentityOf(m)
	waited := false

	for {
		c.mu.Lock()
		e, ok := c.entries[id]
		if ok && e.busy() {
			done := e.done
			c.mu.Unlock()

			waited = true
			select {
			case <-ctx.Done():
				return domain.EnvironmentRecord{}, nil, ctx.Err()
			case <-done:
			}
			if e.err != nil {
				c.metrics.ObserveResolve(outcomeError)
				return domain.EnvironmentRecord{}, nil, e.err
			}
			continue
		}

		if ok && e.rec.State == domain.EnvReady {
			lock, held, err := c.shareLock(id)
			if err != nil {
				c.mu.Unlock()
				c.metrics.ObserveResolve(outcomeError)
				return domain.EnvironmentRecord{}, nil, err
			}
			if held && c.store.touch(&e.rec) == nil {
				e.holds++
				rec := e.rec
				c.mu.Unlock()
				if waited {
					c.metrics.ObserveResolve(outcomeWait)
				} else {
					c.metrics.ObserveResolve(outcomeHit)
				}
				return rec, c.releaseFunc(e, lock), nil
			}
			// Removed or being removed by another process since we cached it.
			lock.Release()
			delete(c.entries, id)
			c.logger.Info("cached environment is gone from disk", "identity", id.Short())
		}

		// Not known in memory: the disk index may already hold it. A
		// ready directory only counts once we share its lock, so it
		// cannot be removed underneath us.
		lock, held, err := c.shareLock(id)
		if err != nil {
			c.mu.Unlock()
			c.metrics.ObserveResolve(outcomeError)
			return domain.EnvironmentRecord{}, nil, err
		}
		if held {
			disk, state, err := c.store.load(id)
			if err != nil {
				lock.Release()
				c.mu.Unlock()
				c.metrics.ObserveResolve(outcomeError)
				return domain.EnvironmentRecord{}, nil, err
			}
			if state == diskReady {
				e = &entry{rec: *disk, holds: 1}
				_ = c.store.touch(&e.rec)
				c.entries[id] = e
				rec := e.rec
				c.mu.Unlock()
				c.metrics.ObserveResolve(outcomeDiskHit)
				return rec, c.releaseFunc(e, lock), nil
			}
			lock.Release()
		}

		e = &entry{
			rec: domain.EnvironmentRecord{
				Identity: id,
				Location: c.store.location(id),
				State:    domain.EnvProvisioning,
				Manifest: m,
				Backend:  c.provisioner.Name(),
			},
			done: make(chan struct{}),
		}
		c.entries[id] = e
		c.mu.Unlock()

		c.metrics.ObserveResolve(outcomeMiss)
		go c.provision(context.WithoutCancel(ctx), e)
	}
}

// shareLock takes the shared cross-process lock for id. held is false
// while another process provisions or removes the environment.
func (c *Cache) shareLock(id domain.Identity) (lock *fileLock, held bool, err error) {
	lock, held, err = trySharedLock(c.store.lockPath(id))
	if err != nil {
		return nil, false, fmt.Errorf("locking environment %s: %w", id.Short(), err)
	}
	return lock, held, nil
}

func (c *Cache) releaseFunc(e *entry, lock *fileLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			e.holds--
			c.mu.Unlock()
			lock.Release()
		})
	}
}

// provision runs one attempt for e and publishes its outcome. It owns e
// until done is closed.
func (c *Cache) provision(ctx context.Context, e *entry) {
	if c.provisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.provisionTimeout)
		defer cancel()
	}

	rec := e.rec
	start := time.Now()
	c.logger.Info("provisioning environment",
		"identity", rec.Identity.Short(),
		"backend", rec.Backend,
		"location", rec.Location,
	)

	err := c.provisionLocked(ctx, &rec)
	duration := time.Since(start)

	c.mu.Lock()
	if err != nil {
		e.rec.State = domain.EnvFailed
		e.err = err
		delete(c.entries, rec.Identity)
	} else {
		e.rec = rec
	}
	close(e.done)
	c.mu.Unlock()

	if err != nil {
		c.metrics.ObserveProvision("failed", duration)
		c.logger.Error("environment provisioning failed",
			"identity", rec.Identity.Short(),
			"duration", duration,
			"error", err,
		)
		return
	}
	c.metrics.ObserveProvision("ready", duration)
	c.logger.Info("environment ready",
		"identity", rec.Identity.Short(),
		"runtime", rec.Runtime,
		"runtime_version", rec.RuntimeVersion,
		"duration", duration,
	)
}

// provisionLocked performs the attempt under the cross-process identity
// lock. On any failure the environment directory is removed so that no
// partially installed environment is ever marked ready.
func (c *Cache) provisionLocked(ctx context.Context, rec *domain.EnvironmentRecord) error {
	lock, err := acquireFileLock(c.store.lockPath(rec.Identity))
	if err != nil {
		return fmt.Errorf("locking environment %s: %w", rec.Identity.Short(), err)
	}
	defer lock.Release()

	// Another process may have finished it while we waited for the lock.
	disk, state, err := c.store.load(rec.Identity)
	if err != nil {
		return err
	}
	switch state {
	case diskReady:
		*rec = *disk
		return nil
	case diskIncomplete:
		// We hold the lock, so nobody is provisioning this directory.
		if !c.repairCorrupt {
			return &domain.CacheCorruptionError{Identity: rec.Identity, Location: rec.Location}
		}
		c.logger.Warn("removing incomplete environment",
			"identity", rec.Identity.Short(),
			"location", rec.Location,
		)
	}

	rec.CreatedAt = time.Now().UTC()
	if err := c.store.prepare(*rec); err != nil {
		c.discard(*rec)
		return err
	}
	if err := c.provisioner.Provision(ctx, rec); err != nil {
		c.discard(*rec)
		return err
	}

	rec.State = domain.EnvReady
	rec.LastUsed = time.Now()
	if err := c.store.markReady(*rec); err != nil {
		c.discard(*rec)
		return fmt.Errorf("committing environment: %w", err)
	}
	return nil
}

// discard removes everything an attempt may have left behind.
func (c *Cache) discard(rec domain.EnvironmentRecord) {
	if err := c.provisioner.Remove(context.Background(), rec); err != nil {
		c.logger.Warn("failed to release backend resources",
			"identity", rec.Identity.Short(),
			"error", err,
		)
	}
	if err := c.store.remove(rec.Identity); err != nil {
		c.logger.Warn("failed to remove partial environment",
			"identity", rec.Identity.Short(),
			"error", err,
		)
	}
}

// List returns every environment known to this cache root, sorted by
// identity. Directories without a ready marker are reported as
// provisioning when another process holds their lock, failed otherwise.
func (c *Cache) List() ([]domain.EnvironmentRecord, error) {
	ids, err := c.store.identities()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	known := make(map[domain.Identity]domain.EnvironmentRecord, len(c.entries))
	for id, e := range c.entries {
		known[id] = e.rec
	}
	c.mu.Unlock()

	seen := make(map[domain.Identity]struct{}, len(ids))
	var out []domain.EnvironmentRecord
	for _, id := range ids {
		seen[id] = struct{}{}
		if rec, ok := known[id]; ok {
			out = append(out, rec)
			continue
		}
		rec, state, err := c.store.load(id)
		if err != nil {
			return nil, err
		}
		switch state {
		case diskReady:
			out = append(out, *rec)
		case diskIncomplete:
			out = append(out, c.incompleteRecord(id))
		}
	}
	for id, rec := range known {
		// A ready entry without a directory was removed by another process.
		if _, ok := seen[id]; !ok && rec.State != domain.EnvReady {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (c *Cache) incompleteRecord(id domain.Identity) domain.EnvironmentRecord {
	rec := domain.EnvironmentRecord{
		Identity: id,
		Location: c.store.location(id),
		State:    domain.EnvFailed,
	}
	lock, ok, err := tryFileLock(c.store.lockPath(id))
	if err == nil && !ok {
		rec.State = domain.EnvProvisioning
	}
	lock.Release()
	return rec
}

// Invalidate deletes the environment for id. It fails with ErrInUse while
// the environment is held or provisioning, in this process or another.
func (c *Cache) Invalidate(ctx context.Context, id domain.Identity) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok && (e.busy() || e.holds > 0) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInUse, id.Short())
	}
	// Park a busy entry so concurrent acquires wait for the removal.
	removal := &entry{
		rec:  domain.EnvironmentRecord{Identity: id, Location: c.store.location(id), State: domain.EnvAbsent},
		done: make(chan struct{}),
	}
	c.entries[id] = removal
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.entries, id)
		close(removal.done)
		c.mu.Unlock()
	}()

	lock, free, err := tryFileLock(c.store.lockPath(id))
	if err != nil {
		return err
	}
	if !free {
		return fmt.Errorf("%w: %s is locked by another process", ErrInUse, id.Short())
	}
	defer lock.Release()

	rec, state, err := c.store.load(id)
	if err != nil {
		return err
	}
	if state == diskReady {
		if err := c.provisioner.Remove(ctx, *rec); err != nil {
			return fmt.Errorf("releasing backend resources: %w", err)
		}
	}
	if err := c.store.remove(id); err != nil {
		return err
	}
	c.logger.Info("environment removed", "identity", id.Short())
	return nil
}
