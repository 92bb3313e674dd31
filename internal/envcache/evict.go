package envcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dontdude/goenact/internal/domain"
)

// Policy decides which ready environments may be evicted.
// Environments are retained forever unless a policy says otherwise.
type Policy interface {
	Expired(rec domain.EnvironmentRecord, now time.Time) bool
}

// NeverEvict retains every environment.
type NeverEvict struct{}

func (NeverEvict) Expired(domain.EnvironmentRecord, time.Time) bool { return false }

// TTLPolicy evicts environments unused for longer than TTL.
type TTLPolicy struct {
	TTL time.Duration
}

func (p TTLPolicy) Expired(rec domain.EnvironmentRecord, now time.Time) bool {
	if p.TTL <= 0 || rec.LastUsed.IsZero() {
		return false
	}
	return now.Sub(rec.LastUsed) > p.TTL
}

// Prune removes every ready, unheld environment the policy marks expired.
// Environments in use are skipped, not reported as errors.
func (c *Cache) Prune(ctx context.Context, policy Policy) ([]domain.Identity, error) {
	if policy == nil {
		policy = NeverEvict{}
	}
	records, err := c.List()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var removed []domain.Identity
	var errs []error
	for _, rec := range records {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if rec.State != domain.EnvReady || !policy.Expired(rec, now) {
			continue
		}
		if err := c.Invalidate(ctx, rec.Identity); err != nil {
			if errors.Is(err, ErrInUse) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		c.metrics.ObserveEviction()
		removed = append(removed, rec.Identity)
	}
	return removed, errors.Join(errs...)
}

// Sweeper runs Prune on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	cache  *Cache
	policy Policy
	logger *slog.Logger
}

// NewSweeper schedules pruning with a standard cron spec or descriptor such
// as "@every 1h".
func NewSweeper(cache *Cache, schedule string, policy Policy, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:   cron.New(),
		cache:  cache,
		policy: policy,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.logger.Info("starting environment sweeper", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	removed, err := s.cache.Prune(context.Background(), s.policy)
	if err != nil {
		s.logger.Error("environment sweep failed", "error", err)
	}
	if len(removed) > 0 {
		s.logger.Info("evicted environments", "count", len(removed))
	}
}
