package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/platform/history"
	"github.com/dontdude/goenact/internal/platform/web"
)

// maxRequestBytes bounds a submitted job, inline task included.
const maxRequestBytes = 1 << 20

type publisher interface {
	Publish(ctx context.Context, job domain.Job) error
}

type envLister interface {
	List() ([]domain.EnvironmentRecord, error)
}

type historyLister interface {
	List(ctx context.Context, f history.Filter) ([]history.Execution, error)
}

// api holds the handlers' dependencies. history may be nil.
type api struct {
	jobs    publisher
	envs    envLister
	history historyLister
	hub     *hub
	limiter *web.RateLimiter
	metrics http.Handler
	logger  *slog.Logger
}

// runRequest is the body of POST /api/run.
type runRequest struct {
	TaskID         string                 `json:"task_id"`
	Task           *domain.TaskDefinition `json:"task"`
	Inputs         map[string]any         `json:"inputs"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	// POST /api/run -> Enqueues Job (Wrapped with RateLimit)
	mux.Handle("POST /api/run", a.limiter.Middleware(http.HandlerFunc(a.handleSubmit)))
	// GET /api/ws -> WebSocket Upgrade
	mux.HandleFunc("GET /api/ws", a.handleWS)
	mux.HandleFunc("GET /api/environments", a.handleEnvironments)
	mux.HandleFunc("GET /api/executions", a.handleExecutions)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}

	return enableCORS(mux)
}

// handleSubmit validates the request and enqueues a job.
func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	switch {
	case req.Task == nil && req.TaskID == "":
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id or task is required"})
		return
	case req.TimeoutSeconds < 0:
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "timeout_seconds must not be negative"})
		return
	case req.Task != nil:
		if err := req.Task.Validate(); err != nil {
			web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	// Create Job with UUID
	job := domain.Job{
		ID:             uuid.NewString(),
		TaskID:         req.TaskID,
		Task:           req.Task,
		Inputs:         req.Inputs,
		TimeoutSeconds: req.TimeoutSeconds,
		SubmittedAt:    time.Now().UTC(),
	}

	a.logger.Info("Received submission", "jobID", job.ID, "taskID", job.TaskID)
	if err := a.jobs.Publish(r.Context(), job); err != nil {
		a.logger.Error("Failed to publish job", "jobID", job.ID, "error", err)
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}

	web.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "queued",
	})
}

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins; the API is unauthenticated anyway.
}

// handleWS upgrades the connection and streams the job's result to it.
func (a *api) handleWS(w http.ResponseWriter, r *http.Request) {
	// 1. Extract JobID from Query Params
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "job_id is required"})
		return
	}

	// 2. Upgrade to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	client := &wsClient{conn: conn}

	// 3. Register to Hub, or answer at once when the job already finished.
	if res, done := a.hub.register(jobID, client); done {
		if err := client.send(res); err == nil {
			client.finish()
		}
		return
	}
	a.logger.Debug("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())
	defer a.hub.unregister(jobID, client)

	// 4. Keep the connection until the client or the hub closes it.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (a *api) handleEnvironments(w http.ResponseWriter, _ *http.Request) {
	records, err := a.envs.List()
	if err != nil {
		a.logger.Error("Failed to list environments", "error", err)
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	if records == nil {
		records = []domain.EnvironmentRecord{}
	}
	web.WriteJSON(w, http.StatusOK, records)
}

func (a *api) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "execution history is disabled"})
		return
	}
	q := r.URL.Query()
	f := history.Filter{
		TaskID: q.Get("task_id"),
		JobID:  q.Get("job_id"),
		Status: q.Get("status"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	execs, err := a.history.List(r.Context(), f)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		a.logger.Error("Failed to list executions", "error", err)
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	if execs == nil {
		execs = []history.Execution{}
	}
	web.WriteJSON(w, http.StatusOK, execs)
}

// enableCORS adds headers to allow requests from the Frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
