// Package stream implements the StreamServer of spec.md §4.6: the
// downstream WebSocket server that broadcasts formatted messages to
// consumer applications and proxies their RPC requests upstream.
//
// Grounded on the teacher's pkg/websocket/hub.go (single-goroutine
// owner of the client set, register/unregister/broadcast channels)
// and pkg/websocket/client.go (per-client select loop), generalized
// from the teacher's market-data fan-out to JSON envelope broadcast
// and simplified by dropping the teacher's nonce-dedup machinery
// (meaningful for a price feed with multiple upstream producers, not
// for a single OneBot connection that never double-delivers a post).
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/model"
)

// Hub owns the downstream client set (spec.md §5: "single-owner by the
// stream server"). All mutation happens on its Run goroutine.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	logger zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		broadcast:  make(chan []byte, 1000),
		logger:     logger.With().Str("component", "stream.hub").Logger(),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Shutdown is called.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info().Str("client", c.ID).Int("total", len(h.clients)).Msg("client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info().Str("client", c.ID).Int("total", len(h.clients)).Msg("client disconnected")
			}
		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// deliver fans a pre-serialized envelope out to every open client.
// Per-client send failures (a full buffer) are logged and do not
// abort the broadcast (spec.md §4.6).
func (h *Hub) deliver(message []byte) {
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			h.logger.Warn().Str("client", c.ID).Msg("client send buffer full, dropping and disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Register enqueues a newly-upgraded client for tracking.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client, e.g. after its connection errors out.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast serializes envelope once and fans it out to every open
// client (spec.md §4.6).
func (h *Hub) Broadcast(envelope model.ServerEnvelope) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal broadcast envelope")
		return
	}
	select {
	case h.broadcast <- raw:
	case <-h.done:
	default:
		h.logger.Warn().Msg("broadcast queue full, dropping envelope")
	}
}

// ClientCount reports the number of currently tracked clients.
func (h *Hub) ClientCount() int { return len(h.clients) }

// Shutdown sends a shutdown envelope to every client, closes them,
// and stops the hub goroutine (spec.md §4.6).
func (h *Hub) Shutdown(message string) {
	raw, _ := json.Marshal(model.NewShutdownEnvelope(message))
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
		}
		time.AfterFunc(200*time.Millisecond, func(conn *Client) func() {
			return func() { conn.conn.Close() }
		}(c))
	}
	close(h.done)
	h.wg.Wait()
}
