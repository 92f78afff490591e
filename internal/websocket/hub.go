package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/vidfetch/api/internal/model"
)

// Error codes sent to websocket subscribers
const (
	CodeJobFailed = "JOB_FAILED"
)

// SnapshotFunc returns the current state of a job
type SnapshotFunc func(jobID string) (model.Job, error)

// Client represents a WebSocket client
type Client struct {
	JobID  string
	Conn   *websocket.Conn
	Send   chan []byte
	closed chan struct{}

	// snapshot, if set, is read once the client is registered and queued
	// ahead of any later broadcast.
	snapshot SnapshotFunc
}

// Hub fans job changes out to websocket subscribers
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	log *slog.Logger
	mu  sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.clients {
				for client := range clients {
					h.remove(client)
				}
			}
			h.mu.Unlock()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.sendSnapshot(client)
			h.mu.Unlock()
			h.log.Debug("client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.Debug("client unregistered", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// sendSnapshot queues the client's current job state. It runs on the hub
// loop, so changes made after the read are broadcast after it.
func (h *Hub) sendSnapshot(client *Client) {
	if client.snapshot == nil {
		return
	}
	job, err := client.snapshot(client.JobID)
	if err != nil {
		h.log.Warn("failed to read job snapshot", "job_id", client.JobID, "error", err)
		return
	}
	data, err := encodeJob(job)
	if err != nil {
		h.log.Error("failed to marshal job message", "job_id", client.JobID, "error", err)
		return
	}
	select {
	case client.Send <- data:
	default:
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.closed)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of clients watching a job
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Notify broadcasts a job change. It never blocks the caller; messages
// are dropped when the broadcast buffer is full.
func (h *Hub) Notify(job model.Job) {
	data, err := encodeJob(job)
	if err != nil {
		h.log.Error("failed to marshal job message", "job_id", job.ID, "error", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: job.ID, Message: data}:
	default:
		h.log.Warn("broadcast buffer full, dropping message", "job_id", job.ID)
	}
}

// encodeJob picks the message type matching the job state
func encodeJob(job model.Job) ([]byte, error) {
	switch job.State {
	case model.JobStateComplete:
		return json.Marshal(model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  job.ID,
			Result: model.NewJobResponse(job),
		})
	case model.JobStateFailed:
		return json.Marshal(model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			Error: model.WSError{
				Code:    CodeJobFailed,
				Message: job.Error,
			},
		})
	default:
		return json.Marshal(model.WSProgressMessage{
			Type:    model.WSMessageTypeProgress,
			JobID:   job.ID,
			Percent: job.Percent,
			SizeMB:  job.SizeMB,
			State:   job.State,
		})
	}
}

// HandleConnection serves one websocket subscriber of jobID. The current
// snapshot is sent first so late subscribers see where the job stands.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, snapshot SnapshotFunc) {
	client := &Client{
		JobID:    jobID,
		Conn:     c,
		Send:     make(chan []byte, 256),
		closed:   make(chan struct{}),
		snapshot: snapshot,
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-client.closed:
				_ = c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", "job_id", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}
