package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omniforge/collab/internal/metrics"
	"github.com/omniforge/collab/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Disconnect after this many presence frames over the rate limit.
	maxRateLimitViolations = 1000

	// Longest a document frame is held back waiting for a token.
	maxThrottleWait = 5 * time.Second
)

var (
	ErrClosed       = errors.New("ws: connection closed")
	ErrSlowConsumer = errors.New("ws: send buffer full")
	ErrRateLimited  = errors.New("ws: rate limit exceeded")
)

// Client is one WebSocket connection. It implements relay.Conn.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// Rate limit key: the user id from the query string, or the client id.
	limitKey string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ServeWs upgrades the request and starts the client pumps. The optional
// userId query parameter scopes rate limiting to the user across connections.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
	client.limitKey = client.id
	if userID := r.URL.Query().Get("userId"); userID != "" {
		client.limitKey = "user:" + userID
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string {
	return c.id
}

// Send queues a frame without blocking. A client whose buffer is full is
// disconnected rather than allowed to stall the room.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.close()
		return ErrSlowConsumer
	}
}

func (c *Client) close() {
	c.closeOnce.Do(c.cancel)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	l := c.hub.log.With().Str("client_id", c.id).Logger()
	rateLimitWarnings := 0
	closing := false

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		// Keep reading until the close handshake ends the connection.
		if closing {
			continue
		}

		if messageType != websocket.TextMessage {
			l.Debug().Int("message_type", messageType).Msg("ignoring non-text frame")
			continue
		}

		if c.hub.limiters != nil && !c.hub.limiters.Allow(c.limitKey) {
			metrics.RateLimited.Inc()

			// Cursors are superseded by the next one, so they can be dropped.
			if env, err := protocol.Decode(message); err == nil && env.Type == protocol.EventPresence {
				rateLimitWarnings++
				if rateLimitWarnings%100 == 1 {
					l.Warn().Int("violations", rateLimitWarnings).Msg("rate limit exceeded")
				}
				if rateLimitWarnings > maxRateLimitViolations {
					l.Warn().Msg("disconnecting client for excessive rate limit violations")
					return
				}
				continue
			}

			// Document frames are delayed, never dropped. A client too far
			// over budget is told and disconnected, and resends its state
			// once it reconnects.
			if err := c.throttle(); err != nil {
				l.Warn().Err(err).Msg("rate limit exceeded, closing connection")
				if frame, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
					Message: ErrRateLimited.Error(),
				}); err == nil {
					_ = c.Send(frame)
				}
				c.close()
				closing = true
				continue
			}
		}

		if err := c.hub.relay.Handle(c.ctx, c, message); err != nil {
			l.Debug().Err(err).Msg("event rejected")
		}
	}
}

func (c *Client) throttle() error {
	ctx, cancel := context.WithTimeout(c.ctx, maxThrottleWait)
	defer cancel()
	return c.hub.limiters.Wait(ctx, c.limitKey)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			if !c.flush() {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes the frames still queued when the client closes.
func (c *Client) flush() bool {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
