// Package gateway implements the WebSocket fan-out (C10): one Hub per
// Engine, subscribing once to the engine's event bus and broadcasting a
// wire-tagged JSON envelope to every connected client. Grounded on
// kdlbs-kandev's gateway/websocket/{hub.go,client.go} register/
// unregister/broadcast idiom, combined with the teacher's sse.go
// snapshot-and-broadcast-under-lock policy (see DESIGN.md).
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/engine"
	"github.com/avatar-runtime/avatar-bridge/internal/event"
	"github.com/avatar-runtime/avatar-bridge/internal/logging"
)

// wireEnvelope is the JSON shape pushed to every connected client.
type wireEnvelope struct {
	Type      string `json:"type"`
	Provider  string `json:"provider,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// Hub owns the set of connected clients and fans out engine events to
// them. One Hub per Engine; construct with NewHub and start with Run.
type Hub struct {
	eng *engine.Engine

	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	unsubscribe func()
}

// NewHub builds a Hub bound to eng. Call Run to start its event loop.
func NewHub(eng *engine.Engine) *Hub {
	return &Hub{
		eng:        eng,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

// Run subscribes to the engine's bus and drives the register/unregister/
// broadcast loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	h.unsubscribe = h.eng.Bus().SubscribeAny(h.onEngineEvent)
	defer h.unsubscribe()

	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			snapshot := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				snapshot = append(snapshot, c)
			}
			h.mu.RUnlock()

			var dead []*Client
			for _, c := range snapshot {
				select {
				case c.send <- msg:
				default:
					logging.Warn().Msg("websocket client send buffer full, evicting")
					dead = append(dead, c)
				}
			}
			if len(dead) > 0 {
				h.mu.Lock()
				for _, c := range dead {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) onEngineEvent(ev event.Event) {
	env := wireEnvelope{
		Type:      string(ev.Type),
		Provider:  ev.Provider,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
	data, err := json.Marshal(env)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal wire envelope")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logging.Warn().Msg("hub broadcast channel full, dropping event")
	}
}

// Register adds c to the hub's client set.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes c from the hub's client set.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 << 20 // 1 MiB; clients only receive, so this bounds pong/control frames
)
