package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/engine"
)

type fakeExecutor struct {
	mu       sync.Mutex
	jobIDs   []string
	timeouts []time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	err      error
}

func (f *fakeExecutor) Execute(ctx context.Context, task *domain.TaskDefinition, inputs map[string]any, timeout time.Duration) (*domain.ExecutionResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	f.mu.Lock()
	f.jobIDs = append(f.jobIDs, engine.JobIDFrom(ctx))
	f.timeouts = append(f.timeouts, timeout)
	f.mu.Unlock()

	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ExecutionResult{Value: inputs["x"], Identity: "abc"}, nil
}

type fakeResolver struct {
	tasks map[string]*domain.TaskDefinition
}

func (f *fakeResolver) GetTask(_ context.Context, id string) (*domain.TaskDefinition, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, errors.New("not found")
}

type memSink struct {
	mu      sync.Mutex
	results []domain.JobResult
	acked   []string
}

func (m *memSink) Broadcast(_ context.Context, r domain.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *memSink) Acknowledge(_ context.Context, rawID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, rawID)
	return nil
}

func (m *memSink) byJob() map[string]domain.JobResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.JobResult, len(m.results))
	for _, r := range m.results {
		out[r.JobID] = r
	}
	return out
}

func runJobs(t *testing.T, opts Options, jobs ...domain.Job) {
	t.Helper()
	p, err := NewPool(opts)
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	ch := make(chan domain.Job)
	go func() {
		defer close(ch)
		for _, j := range jobs {
			ch <- j
		}
	}()
	p.Consume(ch)
	p.Stop()
}

func TestPoolReportsAndAcknowledges(t *testing.T) {
	exec := &fakeExecutor{}
	sink := &memSink{}
	resolver := &fakeResolver{tasks: map[string]*domain.TaskDefinition{"HelloWorld": {ID: "HelloWorld"}}}

	runJobs(t, Options{Concurrency: 2, Executor: exec, Tasks: resolver, Sink: sink},
		domain.Job{ID: "a", TaskID: "HelloWorld", Inputs: map[string]any{"x": 1.0}, RawID: "1-0"},
		domain.Job{ID: "b", Task: &domain.TaskDefinition{ID: "Inline"}, TimeoutSeconds: 3, RawID: "2-0"},
		domain.Job{ID: "c", TaskID: "Missing", RawID: "3-0"},
	)

	got := sink.byJob()
	if len(got) != 3 || len(sink.acked) != 3 {
		t.Fatalf("results = %+v, acked = %v", sink.results, sink.acked)
	}
	if r := got["a"]; r.Status != domain.JobSucceeded || r.Value != 1.0 || r.Identity != "abc" || r.TaskID != "HelloWorld" {
		t.Errorf("a = %+v", r)
	}
	if r := got["b"]; r.Status != domain.JobSucceeded || r.TaskID != "Inline" {
		t.Errorf("b = %+v", r)
	}
	if r := got["c"]; r.Status != domain.JobFailed || r.Error == "" {
		t.Errorf("c = %+v", r)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.jobIDs) != 2 {
		t.Fatalf("executed %d jobs, want 2", len(exec.jobIDs))
	}
	seen := map[string]bool{}
	for _, id := range exec.jobIDs {
		seen[id] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("job IDs in context = %v", exec.jobIDs)
	}
	var sawThree bool
	for _, d := range exec.timeouts {
		if d == 3*time.Second {
			sawThree = true
		} else if d != 0 {
			t.Errorf("unexpected timeout %s", d)
		}
	}
	if !sawThree {
		t.Errorf("job timeout not passed through: %v", exec.timeouts)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	sink := &memSink{}

	var jobs []domain.Job
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		jobs = append(jobs, domain.Job{ID: id, Task: &domain.TaskDefinition{ID: "t"}})
	}
	runJobs(t, Options{Concurrency: 3, Executor: exec, Sink: sink}, jobs...)

	if peak := exec.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
	if len(sink.results) != 8 {
		t.Errorf("results = %d", len(sink.results))
	}
	if len(sink.acked) != 0 {
		t.Errorf("jobs without a RawID were acknowledged: %v", sink.acked)
	}
}

func TestNewJobResultFailure(t *testing.T) {
	err := &domain.ExecutionError{ExitCode: 2, Stderr: "Traceback"}
	r := NewJobResult(domain.Job{ID: "j", TaskID: "t"}, nil, err, 1500*time.Millisecond)
	if r.Status != domain.JobFailed || r.ErrorKind != "execution_failure" {
		t.Errorf("result = %+v", r)
	}
	if r.ExitCode != 2 || r.Diagnostics != "Traceback" || r.DurationMS != 1500 {
		t.Errorf("result = %+v", r)
	}

	r = NewJobResult(domain.Job{ID: "j"}, nil, &domain.InstallError{ExitCode: 1, Stderr: "no matching distribution"}, 0)
	if r.ErrorKind != "install_failure" || r.Diagnostics != "no matching distribution" {
		t.Errorf("install result = %+v", r)
	}
}

func TestNewPoolRequiresExecutorAndSink(t *testing.T) {
	if _, err := NewPool(Options{Sink: &memSink{}}); err == nil {
		t.Error("NewPool accepted a nil executor")
	}
	if _, err := NewPool(Options{Executor: &fakeExecutor{}}); err == nil {
		t.Error("NewPool accepted a nil sink")
	}
}
