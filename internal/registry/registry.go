// Package registry fetches task definitions from a task registry or the
// local filesystem.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/dontdude/goenact/internal/domain"
)

// ErrTaskNotFound is returned when the registry has no task with the ID.
var ErrTaskNotFound = errors.New("task not found")

// maxDocumentBytes bounds a single task document.
const maxDocumentBytes = 4 << 20

// Client talks to a task registry over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a registry client. tp may be nil.
func NewClient(baseURL string, timeout time.Duration, tp trace.TracerProvider, logger *slog.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid registry URL %q: %w", baseURL, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	var opts []otelhttp.Option
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
		logger: logger,
	}, nil
}

// GetTask fetches and validates the task with id.
func (c *Client) GetTask(ctx context.Context, id string) (*domain.TaskDefinition, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty task id", domain.ErrInvalidTask)
	}
	endpoint := c.baseURL + "/api/yaml/tasks/" + url.PathEscape(id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml, application/json")

	c.logger.Debug("fetching task", "task", id, "url", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("registry returned %s for task %s: %s", resp.Status, id, snippet(body))
	}

	task, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return task, nil
}

// LoadFile reads and validates a task document from disk.
func LoadFile(path string) (*domain.TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	task, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return task, nil
}

// Parse decodes a YAML or JSON task document and validates it.
func Parse(data []byte) (*domain.TaskDefinition, error) {
	var task domain.TaskDefinition
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidTask, err)
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
