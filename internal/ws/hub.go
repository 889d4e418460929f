package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omniforge/collab/internal/log"
	"github.com/omniforge/collab/internal/metrics"
	"github.com/omniforge/collab/internal/ratelimit"
	"github.com/omniforge/collab/internal/relay"
)

type Config struct {
	MaxMessageSize int64
	SendBuffer     int
	// Empty allows every origin.
	AllowedOrigins []string
}

// Hub owns the set of open connections and hands their frames to the relay.
type Hub struct {
	relay    *relay.Relay
	limiters *ratelimit.ClientLimiters
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger

	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// closed when Run returns
	done chan struct{}

	mu sync.RWMutex
}

func NewHub(r *relay.Relay, limiters *ratelimit.ClientLimiters, cfg Config) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 512
	}

	h := &Hub{
		relay:      r,
		limiters:   limiters,
		cfg:        cfg,
		log:        log.WithComponent("ws"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run processes registrations until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			metrics.ActiveConnections.Inc()
			h.log.Debug().Str("client_id", client.id).Int("total", count).Msg("client connected")

		case client := <-h.unregister:
			h.drop(client)

		case <-ctx.Done():
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				h.drop(c)
			}
			h.log.Info().Int("clients", len(clients)).Msg("hub stopped")
			return
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	remaining := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	client.close()
	h.relay.Disconnect(client)
	metrics.ActiveConnections.Dec()
	h.log.Debug().Str("client_id", client.id).Int("remaining", remaining).Msg("client disconnected")
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Done is closed once the hub stopped.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
