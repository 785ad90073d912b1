package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/queue"
)

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections. The Run loop owns the client
// table; everything else talks to it over channels.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	count      chan countRequest
	stopped    chan struct{}

	logger zerolog.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

type countRequest struct {
	jobID string
	reply chan int
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		count:      make(chan countRequest),
		stopped:    make(chan struct{}),
		logger:     logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for jobID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, jobID)
			}
			return

		case client := <-h.register:
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.logger.Debug().Str("jobId", client.JobID).Msg("client registered")

		case client := <-h.unregister:
			h.drop(client)
			h.logger.Debug().Str("jobId", client.JobID).Msg("client unregistered")

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.logger.Warn().Str("jobId", msg.JobID).Msg("slow client dropped")
					h.drop(client)
				}
			}

		case req := <-h.count:
			req.reply <- len(h.clients[req.jobID])
		}
	}
}

func (h *Hub) drop(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// Subscribers returns the number of clients watching jobID.
func (h *Hub) Subscribers(jobID string) int {
	req := countRequest{jobID: jobID, reply: make(chan int, 1)}
	select {
	case h.count <- req:
		return <-req.reply
	case <-h.stopped:
		return 0
	}
}

// Report implements the worker progress reporter. It never blocks the
// caller; messages that do not fit in the broadcast buffer are dropped.
func (h *Hub) Report(p model.RenderProgress) {
	h.publish(p.JobID, model.WSProgressMessage{Type: model.WSMessageTypeProgress, RenderProgress: p})
}

// BroadcastStatus sends a queue transition to all job subscribers
func (h *Hub) BroadcastStatus(job *model.Job, event string) {
	h.publish(job.ID, model.WSStatusMessage{
		Type:     model.WSMessageTypeStatus,
		JobID:    job.ID,
		Event:    event,
		Status:   job.Status,
		Attempts: job.Attempts,
	})
}

// BroadcastComplete sends a completion message to all job subscribers
func (h *Hub) BroadcastComplete(jobID string, result any) {
	h.publish(jobID, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobID:  jobID,
		Result: result,
	})
}

// BroadcastError sends an error message to all job subscribers
func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.publish(jobID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{Code: code, Message: message},
	})
}

func (h *Hub) publish(jobID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("jobId", jobID).Msg("failed to marshal message")
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	default:
		h.logger.Warn().Str("jobId", jobID).Msg("broadcast buffer full, message dropped")
	}
}

// Consume forwards queue events to job subscribers until the subscription
// closes or ctx is done.
func (h *Hub) Consume(ctx context.Context, sub *queue.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			h.forward(ev)
		}
	}
}

func (h *Hub) forward(ev queue.Event) {
	if ev.Job == nil {
		return
	}
	h.BroadcastStatus(ev.Job, string(ev.Type))
	switch ev.Type {
	case queue.EventJobCompleted:
		h.BroadcastComplete(ev.JobID, ev.Job.Result)
	case queue.EventJobFailed:
		h.BroadcastError(ev.JobID, "JOB_FAILED", ev.Error)
	case queue.EventJobCancelled:
		h.BroadcastError(ev.JobID, "JOB_CANCELLED", "job cancelled")
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, sendBuffer),
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	pong := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pong:
				data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("jobId", jobID).Msg("websocket read failed")
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pong <- struct{}{}:
			default:
			}
		}
	}
}
