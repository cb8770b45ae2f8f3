package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge"
	"github.com/avatar-runtime/avatar-bridge/internal/bridge/sandbox"
	"github.com/avatar-runtime/avatar-bridge/internal/engine"
	"github.com/avatar-runtime/avatar-bridge/internal/event"
	"github.com/avatar-runtime/avatar-bridge/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent() event.Event {
	return event.Event{Type: event.TypeText, Provider: "claude", Timestamp: time.Now().UnixMilli(), Data: map[string]any{"content": "hi"}}
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.New(engine.Config{
		Provider:   bridge.ProviderClaude,
		WorkingDir: t.TempDir(),
		RateLimit:  ratelimit.Config{},
		NewBridge: func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
			return nil, nil
		},
	})
}

// bareClient builds a Client whose send channel can be driven directly by
// tests, without a real websocket.Conn.
func bareClient(capacity int) *Client {
	return &Client{send: make(chan []byte, capacity)}
}

func TestHubBroadcastsEngineEventToRegisteredClient(t *testing.T) {
	eng := newTestEngine(t)
	hub := NewHub(eng)
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	c := bareClient(4)
	hub.Register(c)

	// Give the register case a moment to be processed.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())

	eng.Bus().Publish(makeEvent())

	select {
	case msg := <-c.send:
		var env wireEnvelope
		require.NoError(t, json.Unmarshal(msg, &env))
		assert.Equal(t, "text", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast message")
	}
}

func TestHubEvictsClientWithFullSendBuffer(t *testing.T) {
	eng := newTestEngine(t)
	hub := NewHub(eng)
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	c := bareClient(0) // zero-capacity: any send blocks immediately, forcing eviction
	hub.Register(c)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, hub.ClientCount())

	eng.Bus().Publish(makeEvent())
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubUnregisterClosesSendChannel(t *testing.T) {
	eng := newTestEngine(t)
	hub := NewHub(eng)
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	c := bareClient(4)
	hub.Register(c)
	time.Sleep(10 * time.Millisecond)
	hub.Unregister(c)
	time.Sleep(10 * time.Millisecond)

	_, ok := <-c.send
	assert.False(t, ok, "send channel should be closed after unregister")
}
