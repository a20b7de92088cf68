package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/metrics"
	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/render"
	"github.com/kubilitics/kubilitics-explain/pkg/types"
)

// Package ws streams newly computed explanations to WebSocket clients.
//
// The Hub subscribes to the pipeline and fans every new explanation out to
// connected clients. A client may narrow its stream to one intent by sending
// {"intent": "<id>"}; an empty intent restores the full stream. Clients that
// cannot keep up are disconnected rather than allowed to stall the hub.

// Message is the envelope sent to stream clients.
type Message struct {
	Type        string                   `json:"type"` // "explanation"
	Explanation *types.ExplanationRecord `json:"explanation,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

type envelope struct {
	intent string
	data   []byte
}

// Hub maintains active WebSocket connections and broadcasts explanations.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client

	renderer *render.Renderer
	logger   *zap.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(ctx context.Context, renderer *render.Renderer, logger *zap.Logger) *Hub {
	if renderer == nil {
		renderer = render.New(render.Options{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		renderer:   renderer,
		logger:     logger,
		ctx:        hubCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run dispatches registrations and broadcasts until the hub stops.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.dropLocked(c)
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(env.intent) {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					h.logger.Warn("dropping slow explanation stream client", zap.String("client_id", c.id))
					h.dropLocked(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) dropLocked(c *Client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Stop disconnects every client and waits for Run to return.
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

// Publish queues exp for every interested client. It never blocks; when the
// broadcast queue is full the explanation is dropped from the stream.
func (h *Hub) Publish(exp *models.Explanation) {
	rec := h.renderer.Record(exp)
	data, err := json.Marshal(Message{Type: "explanation", Explanation: &rec, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Error("failed to encode explanation for stream", zap.String("fingerprint", exp.Fingerprint), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- envelope{intent: exp.Intent, data: data}:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("explanation stream backlog full, dropping", zap.String("fingerprint", exp.Fingerprint))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
