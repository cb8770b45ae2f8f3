package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/avatar-runtime/avatar-bridge/internal/engine"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin WebSocket connections are expected from browser-hosted
	// clients; CORS on the surrounding HTTP routes governs access instead
	// of same-origin checks here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter builds the gateway's HTTP surface: GET /ws (WebSocket
// upgrade) and GET /healthz (JSON health snapshot). No static assets or
// application routing are served — out of scope per spec.md §1.
func NewRouter(hub *Hub, eng *engine.Engine, allowedOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		health := eng.GetHealth()
		w.Header().Set("Content-Type", "application/json")
		if !health.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		c := NewClient(hub, conn)
		go c.WritePump()
		c.ReadPump()
	})

	return r
}
