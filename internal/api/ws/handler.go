package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades HTTP requests to explanation stream connections.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a handler. allowedOrigins lists the origins allowed to
// connect; "*" allows any origin. Requests without an Origin header (non
// browser clients) are always allowed.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = true
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed["*"] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return allowed[u.Scheme+"://"+u.Host]
			},
		},
	}
}

// ServeHTTP handles WS /ws/explanations.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Debug("explanation stream upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		id:     uuid.New().String(),
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, 64),
		intent: r.URL.Query().Get("intent"),
	}

	select {
	case h.hub.register <- c:
	case <-h.hub.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	h.hub.logger.Debug("explanation stream client connected", zap.String("client_id", c.id))
}
