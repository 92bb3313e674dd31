package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/platform/history"
	"github.com/dontdude/goenact/internal/platform/web"
)

type memPublisher struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (m *memPublisher) Publish(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

type staticEnvs []domain.EnvironmentRecord

func (s staticEnvs) List() ([]domain.EnvironmentRecord, error) { return s, nil }

type staticHistory struct {
	last history.Filter
	out  []history.Execution
}

func (s *staticHistory) List(_ context.Context, f history.Filter) ([]history.Execution, error) {
	s.last = f
	return s.out, nil
}

func newTestAPI(t *testing.T) (*api, *memPublisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := web.NewRateLimiter(100, 100)
	t.Cleanup(limiter.Close)
	pub := &memPublisher{}
	return &api{
		jobs:    pub,
		envs:    staticEnvs{{Identity: "abc", State: domain.EnvReady, Backend: "venv"}},
		hub:     newHub(logger),
		limiter: limiter,
		logger:  logger,
	}, pub
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitQueuesJob(t *testing.T) {
	a, pub := newTestAPI(t)
	h := a.routes()

	rec := post(t, h, `{"task_id":"HelloWorld","inputs":{"name":"Ada","n":9007199254740993},"timeout_seconds":5}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "queued" || resp["job_id"] == "" {
		t.Errorf("response = %v", resp)
	}

	if len(pub.jobs) != 1 {
		t.Fatalf("published %d jobs", len(pub.jobs))
	}
	job := pub.jobs[0]
	if job.ID != resp["job_id"] || job.TaskID != "HelloWorld" || job.Inputs["name"] != "Ada" || job.TimeoutSeconds != 5 {
		t.Errorf("job = %+v", job)
	}
	if job.Inputs["n"] != json.Number("9007199254740993") {
		t.Errorf("inputs[n] = %#v, want exact digits", job.Inputs["n"])
	}
}

func TestSubmitRejects(t *testing.T) {
	tests := map[string]string{
		"not json":         `{`,
		"no task":          `{"inputs":{}}`,
		"negative timeout": `{"task_id":"x","timeout_seconds":-1}`,
		"invalid task":     `{"task":{"id":"x","tasks":[]}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			a, pub := newTestAPI(t)
			if rec := post(t, a.routes(), body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body = %s", rec.Code, rec.Body)
			}
			if len(pub.jobs) != 0 {
				t.Error("rejected request was published")
			}
		})
	}
}

func TestSubmitPublishFailure(t *testing.T) {
	a, pub := newTestAPI(t)
	pub.err = errors.New("redis down")
	if rec := post(t, a.routes(), `{"task_id":"x"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	a, _ := newTestAPI(t)
	a.limiter = web.NewRateLimiter(0.001, 1)
	t.Cleanup(a.limiter.Close)
	h := a.routes()

	if rec := post(t, h, `{"task_id":"x"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := post(t, h, `{"task_id":"x"}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d", rec.Code)
	}
}

func TestEnvironmentsAndExecutions(t *testing.T) {
	a, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/environments", nil))
	var envs []domain.EnvironmentRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &envs); err != nil || len(envs) != 1 || envs[0].Identity != "abc" {
		t.Errorf("environments = %s (%v)", rec.Body, err)
	}

	rec = httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("executions without history = %d", rec.Code)
	}

	hist := &staticHistory{out: []history.Execution{{ID: "e1", TaskID: "t", Status: history.StatusSucceeded}}}
	a.history = hist
	rec = httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions?task_id=t&status=succeeded&limit=3", nil))
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"id":"e1"`)) {
		t.Errorf("executions = %d %s", rec.Code, rec.Body)
	}
	if hist.last != (history.Filter{TaskID: "t", Status: "succeeded", Limit: 3}) {
		t.Errorf("filter = %+v", hist.last)
	}

	rec = httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions?limit=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", rec.Code)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?job_id=" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readResult(t *testing.T, conn *websocket.Conn) domain.JobResult {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var res domain.JobResult
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("read: %v", err)
	}
	return res
}

func TestWebSocketReceivesResult(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	conn := dialWS(t, srv, "job-1")

	// Wait for the handler to register before delivering.
	deadline := time.Now().Add(5 * time.Second)
	for {
		a.hub.mu.Lock()
		n := len(a.hub.clients["job-1"])
		a.hub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.hub.deliver(domain.JobResult{JobID: "job-2", Status: domain.JobFailed})
	a.hub.deliver(domain.JobResult{JobID: "job-1", Status: domain.JobSucceeded, Value: 42.0})

	res := readResult(t, conn)
	if res.JobID != "job-1" || res.Status != domain.JobSucceeded || res.Value != 42.0 {
		t.Errorf("result = %+v", res)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close after the result, got %v", err)
	}
}

func TestWebSocketLateSubscriber(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	a.hub.deliver(domain.JobResult{JobID: "done", Status: domain.JobAbandoned})
	conn := dialWS(t, srv, "done")
	if res := readResult(t, conn); res.Status != domain.JobAbandoned {
		t.Errorf("result = %+v", res)
	}
}

func TestWebSocketRequiresJobID(t *testing.T) {
	a, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHubForgetsOldResults(t *testing.T) {
	h := newHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < maxRecent+10; i++ {
		h.deliver(domain.JobResult{JobID: fmt.Sprintf("job-%d", i)})
	}
	if len(h.recent) != maxRecent || len(h.order) != maxRecent {
		t.Errorf("recent = %d, order = %d", len(h.recent), len(h.order))
	}
	if _, ok := h.recent["job-0"]; ok {
		t.Error("oldest result kept")
	}
}
