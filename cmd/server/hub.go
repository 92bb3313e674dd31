package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/goenact/internal/domain"
)

const (
	writeWait = 10 * time.Second
	// maxRecent bounds how many results are kept for clients that connect
	// after their job finished.
	maxRecent = 1024
)

// wsClient serializes writes to one WebSocket connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// finish sends a normal close frame; the client's read loop then ends.
func (c *wsClient) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// hub routes job results to the WebSocket clients waiting for them.
// Map key: JobID -> connected clients.
type hub struct {
	mu      sync.Mutex
	clients map[string]map[*wsClient]struct{}
	recent  map[string]domain.JobResult
	order   []string
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients: make(map[string]map[*wsClient]struct{}),
		recent:  make(map[string]domain.JobResult),
		logger:  logger,
	}
}

// register adds c as a listener for jobID. If the job already finished its
// result is returned instead and c is not registered.
func (h *hub) register(jobID string, c *wsClient) (domain.JobResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if res, ok := h.recent[jobID]; ok {
		return res, true
	}
	set := h.clients[jobID]
	if set == nil {
		set = make(map[*wsClient]struct{})
		h.clients[jobID] = set
	}
	set[c] = struct{}{}
	return domain.JobResult{}, false
}

func (h *hub) unregister(jobID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.clients[jobID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, jobID)
		}
	}
}

// deliver remembers res and forwards it to every client waiting for its job.
func (h *hub) deliver(res domain.JobResult) {
	h.mu.Lock()
	if _, seen := h.recent[res.JobID]; !seen {
		h.order = append(h.order, res.JobID)
		if len(h.order) > maxRecent {
			delete(h.recent, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.recent[res.JobID] = res
	waiting := make([]*wsClient, 0, len(h.clients[res.JobID]))
	for c := range h.clients[res.JobID] {
		waiting = append(waiting, c)
	}
	delete(h.clients, res.JobID)
	h.mu.Unlock()

	for _, c := range waiting {
		if err := c.send(res); err != nil {
			h.logger.Error("Failed to write to websocket", "jobID", res.JobID, "error", err)
			continue
		}
		c.finish()
	}
}

// run forwards results until the channel closes.
func (h *hub) run(ctx context.Context, results <-chan domain.JobResult) {
	h.logger.Info("Starting result broadcaster")
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			h.deliver(res)
		}
	}
}
