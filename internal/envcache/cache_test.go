package envcache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/goenact/internal/domain"
)

// fakeProvisioner counts attempts. When gate is set, Provision blocks until
// it is closed.
type fakeProvisioner struct {
	attempts atomic.Int32
	removed  atomic.Int32
	gate     chan struct{}
	err      error
	ctxErr   atomic.Value
}

func (p *fakeProvisioner) Name() string { return "fake" }

func (p *fakeProvisioner) Provision(ctx context.Context, env *domain.EnvironmentRecord) error {
	p.attempts.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			p.ctxErr.Store(ctx.Err())
			return ctx.Err()
		}
	}
	if err := os.WriteFile(filepath.Join(RuntimeDir(*env), "installed"), []byte("ok"), 0o644); err != nil {
		return err
	}
	if p.err != nil {
		return p.err
	}
	env.Runtime = filepath.Join(RuntimeDir(*env), "bin", "python")
	env.RuntimeVersion = "3.12.0"
	return nil
}

func (p *fakeProvisioner) Remove(context.Context, domain.EnvironmentRecord) error {
	p.removed.Add(1)
	return nil
}

func newCache(t *testing.T, root string, p domain.Provisioner, repair bool) *Cache {
	t.Helper()
	c, err := New(Options{Root: root, Provisioner: p, RepairCorrupt: repair})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

var requestsManifest = domain.Manifest{Python: &domain.PythonManifest{
	Packages: []domain.Package{{Name: "requests", Version: "==2.31.0"}},
}}

func TestResolveProvisionsOnce(t *testing.T) {
	p := &fakeProvisioner{gate: make(chan struct{})}
	c := newCache(t, t.TempDir(), p, true)

	const callers = 16
	var wg sync.WaitGroup
	records := make([]domain.EnvironmentRecord, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = c.Resolve(context.Background(), requestsManifest)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	if n := p.attempts.Load(); n != 1 {
		t.Fatalf("provisioning attempts = %d, want 1", n)
	}
	for i := range records {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if records[i].State != domain.EnvReady || records[i].Identity != IdentityOf(requestsManifest) {
			t.Errorf("caller %d got %+v", i, records[i])
		}
	}
	if _, err := os.Stat(filepath.Join(records[0].Location, readyFile)); err != nil {
		t.Errorf("ready marker missing: %v", err)
	}
}

func TestResolveReadyIsReused(t *testing.T) {
	root := t.TempDir()
	p := &fakeProvisioner{}
	c := newCache(t, root, p, true)
	first, err := c.Resolve(context.Background(), requestsManifest)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve(context.Background(), requestsManifest); err != nil {
		t.Fatal(err)
	}

	// A new cache over the same root finds it on disk.
	p2 := &fakeProvisioner{}
	c2 := newCache(t, root, p2, true)
	rec, err := c2.Resolve(context.Background(), requestsManifest)
	if err != nil {
		t.Fatal(err)
	}
	if p.attempts.Load() != 1 || p2.attempts.Load() != 0 {
		t.Errorf("attempts = %d/%d, want 1/0", p.attempts.Load(), p2.attempts.Load())
	}
	if rec.Runtime != first.Runtime || rec.RuntimeVersion != "3.12.0" {
		t.Errorf("disk record = %+v", rec)
	}
}

func TestResolveFailureLeavesNothingReady(t *testing.T) {
	root := t.TempDir()
	p := &fakeProvisioner{err: &domain.InstallError{ExitCode: 1, Stderr: "ERROR: no matching distribution"}}
	c := newCache(t, root, p, true)

	_, err := c.Resolve(context.Background(), requestsManifest)
	if !errors.Is(err, domain.ErrInstallFailure) {
		t.Fatalf("got %v, want install failure", err)
	}
	loc := c.store.location(IdentityOf(requestsManifest))
	if _, err := os.Stat(loc); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("partial environment left at %s (stat: %v)", loc, err)
	}
	if p.removed.Load() != 1 {
		t.Errorf("backend cleanup ran %d times", p.removed.Load())
	}

	// Failures are not cached: the next resolve tries again.
	p.err = nil
	if _, err := c.Resolve(context.Background(), requestsManifest); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if p.attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", p.attempts.Load())
	}
}

func TestResolveWaitersShareFailure(t *testing.T) {
	p := &fakeProvisioner{
		gate: make(chan struct{}),
		err:  &domain.InstallError{ExitCode: 1, Stderr: "bad"},
	}
	c := newCache(t, t.TempDir(), p, true)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Resolve(context.Background(), requestsManifest)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	if p.attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", p.attempts.Load())
	}
	for i, err := range errs {
		if !errors.Is(err, domain.ErrInstallFailure) {
			t.Errorf("caller %d: %v", i, err)
		}
	}
}

func TestResolveWaiterCancellation(t *testing.T) {
	p := &fakeProvisioner{gate: make(chan struct{})}
	c := newCache(t, t.TempDir(), p, true)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, requestsManifest)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("canceled resolve did not return")
	}

	// The attempt itself keeps going and serves later callers.
	close(p.gate)
	rec, err := c.Resolve(context.Background(), requestsManifest)
	if err != nil {
		t.Fatalf("Resolve after cancellation: %v", err)
	}
	if rec.State != domain.EnvReady {
		t.Errorf("state = %s", rec.State)
	}
	if p.attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", p.attempts.Load())
	}
	if v := p.ctxErr.Load(); v != nil {
		t.Errorf("provisioning context was canceled: %v", v)
	}
}

func makeIncomplete(t *testing.T, c *Cache, m domain.Manifest) string {
	t.Helper()
	loc := c.store.location(IdentityOf(m))
	if err := os.MkdirAll(filepath.Join(loc, runtimeDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(loc, runtimeDir, "half-installed"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestResolveCorruptionFails(t *testing.T) {
	p := &fakeProvisioner{}
	c := newCache(t, t.TempDir(), p, false)
	loc := makeIncomplete(t, c, requestsManifest)

	_, err := c.Resolve(context.Background(), requestsManifest)
	var ce *domain.CacheCorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CacheCorruptionError", err)
	}
	if ce.Location != loc {
		t.Errorf("Location = %s, want %s", ce.Location, loc)
	}
	if p.attempts.Load() != 0 {
		t.Error("provisioner ran over a corrupt directory")
	}
	if _, err := os.Stat(filepath.Join(loc, runtimeDir, "half-installed")); err != nil {
		t.Error("corrupt directory was modified")
	}
}

func TestResolveCorruptionRepaired(t *testing.T) {
	p := &fakeProvisioner{}
	c := newCache(t, t.TempDir(), p, true)
	loc := makeIncomplete(t, c, requestsManifest)

	rec, err := c.Resolve(context.Background(), requestsManifest)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.State != domain.EnvReady || p.attempts.Load() != 1 {
		t.Errorf("state=%s attempts=%d", rec.State, p.attempts.Load())
	}
	if _, err := os.Stat(filepath.Join(loc, runtimeDir, "half-installed")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("stale files survived repair")
	}
}

func TestMarkerForOtherIdentityIsNotReady(t *testing.T) {
	p := &fakeProvisioner{}
	c := newCache(t, t.TempDir(), p, false)
	loc := makeIncomplete(t, c, requestsManifest)
	if err := os.WriteFile(filepath.Join(loc, readyFile), []byte(`{"identity":"something-else"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := c.Resolve(context.Background(), requestsManifest)
	if !errors.Is(err, domain.ErrCacheCorruption) {
		t.Fatalf("got %v, want cache corruption", err)
	}
}

func TestInvalidate(t *testing.T) {
	p := &fakeProvisioner{}
	c := newCache(t, t.TempDir(), p, true)

	rec, release, err := c.Acquire(context.Background(), requestsManifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(context.Background(), rec.Identity); !errors.Is(err, ErrInUse) {
		t.Fatalf("Invalidate while held = %v, want ErrInUse", err)
	}
	release()
	release()

	if err := c.Invalidate(context.Background(), rec.Identity); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := os.Stat(rec.Location); !errors.Is(err, fs.ErrNotExist) {
		t.Error("environment directory survived invalidation")
	}
	if p.removed.Load() != 1 {
		t.Errorf("backend Remove ran %d times", p.removed.Load())
	}

	records, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("List after invalidate = %+v", records)
	}

	// The next resolve provisions from scratch.
	if _, err := c.Resolve(context.Background(), requestsManifest); err != nil {
		t.Fatal(err)
	}
	if p.attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", p.attempts.Load())
	}
}

func TestList(t *testing.T) {
	p := &fakeProvisioner{}
	c := newCache(t, t.TempDir(), p, true)
	other := domain.Manifest{Python: &domain.PythonManifest{Version: ">=3.9"}}

	for _, m := range []domain.Manifest{requestsManifest, other} {
		if _, err := c.Resolve(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
	broken := domain.Manifest{Python: &domain.PythonManifest{Packages: []domain.Package{{Name: "broken"}}}}
	makeIncomplete(t, c, broken)

	records, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("List returned %d records", len(records))
	}
	states := make(map[domain.Identity]domain.EnvState)
	for i, rec := range records {
		states[rec.Identity] = rec.State
		if i > 0 && records[i-1].Identity >= rec.Identity {
			t.Error("records not sorted by identity")
		}
	}
	if states[IdentityOf(requestsManifest)] != domain.EnvReady || states[IdentityOf(other)] != domain.EnvReady {
		t.Errorf("states = %v", states)
	}
	if states[IdentityOf(broken)] != domain.EnvFailed {
		t.Errorf("incomplete environment reported as %s", states[IdentityOf(broken)])
	}
}

func TestNewRequiresRootAndProvisioner(t *testing.T) {
	if _, err := New(Options{Provisioner: &fakeProvisioner{}}); err == nil {
		t.Error("New without root succeeded")
	}
	if _, err := New(Options{Root: t.TempDir()}); err == nil {
		t.Error("New without provisioner succeeded")
	}
}

func TestResolveReprovisionsWhenRemovedElsewhere(t *testing.T) {
	root := t.TempDir()
	p := &fakeProvisioner{}
	worker := newCache(t, root, p, true)
	cli := newCache(t, root, &fakeProvisioner{}, true)

	first, err := worker.Resolve(context.Background(), requestsManifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := cli.Invalidate(context.Background(), first.Identity); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	rec, err := worker.Resolve(context.Background(), requestsManifest)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != domain.EnvReady {
		t.Errorf("state = %s, want ready", rec.State)
	}
	if _, err := os.Stat(filepath.Join(rec.Location, readyFile)); err != nil {
		t.Errorf("resolved environment has no ready marker: %v", err)
	}
	if p.attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", p.attempts.Load())
	}

	records, err := cli.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].State != domain.EnvReady {
		t.Errorf("List = %+v, want the reprovisioned environment", records)
	}
}
