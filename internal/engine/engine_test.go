package engine

import (
	"context"
	"testing"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge"
	"github.com/avatar-runtime/avatar-bridge/internal/bridge/sandbox"
	"github.com/avatar-runtime/avatar-bridge/internal/event"
	"github.com/avatar-runtime/avatar-bridge/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge is a minimal in-memory bridge.Bridge double for exercising
// the Engine without spawning a real subprocess.
type fakeBridge struct {
	provider  bridge.Provider
	state     bridge.State
	sessionID string
	onState   bridge.StateChangeCallback
	onEvent   bridge.EventCallback
	startErr  error
	failNext  bool
}

func (f *fakeBridge) Provider() bridge.Provider { return f.provider }
func (f *fakeBridge) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.setState(bridge.StateReady)
	return nil
}
func (f *fakeBridge) Stop(ctx context.Context) error {
	f.setState(bridge.StateDisconnected)
	return nil
}
func (f *fakeBridge) setState(s bridge.State) {
	old := f.state
	f.state = s
	if f.onState != nil && old != s {
		f.onState(old, s)
	}
}
func (f *fakeBridge) Send(ctx context.Context, msg bridge.Message) bridge.Response {
	f.setState(bridge.StateBusy)
	defer f.setState(bridge.StateReady)
	if f.onEvent != nil {
		f.onEvent(bridge.RawEvent{Kind: "text_delta", Data: map[string]any{"text": "hi", "is_complete": true}})
	}
	if f.failNext {
		return bridge.Response{Success: false, Error: "boom"}
	}
	return bridge.Response{Success: true, Content: "hi"}
}
func (f *fakeBridge) SendStream(ctx context.Context, msg bridge.Message, cb bridge.EventCallback) (bridge.Response, error) {
	return f.Send(ctx, msg), nil
}
func (f *fakeBridge) State() bridge.State       { return f.state }
func (f *fakeBridge) SessionID() string         { return f.sessionID }
func (f *fakeBridge) History() []bridge.Message { return nil }
func (f *fakeBridge) ClearHistory()             {}
func (f *fakeBridge) Stats() bridge.Stats       { return bridge.Stats{} }
func (f *fakeBridge) IsOverBudget() bool        { return false }
func (f *fakeBridge) GetTotalCost() float64     { return 0 }
func (f *fakeBridge) CheckHealth() bridge.HealthStatus {
	return bridge.HealthStatus{Healthy: f.state != bridge.StateError, State: f.state, Provider: f.provider}
}
func (f *fakeBridge) ListSessions(ctx context.Context) ([]bridge.SessionInfo, error) { return nil, nil }
func (f *fakeBridge) ResumeSession(ctx context.Context, sessionID string) error {
	f.sessionID = sessionID
	return nil
}
func (f *fakeBridge) Capabilities() bridge.ProviderCapabilities       { return bridge.ProviderCapabilities{} }
func (f *fakeBridge) SessionCapabilities() bridge.SessionCapabilities { return bridge.SessionCapabilities{} }
func (f *fakeBridge) SetStateChangeCallback(fn bridge.StateChangeCallback) {
	if f.onState == nil {
		f.onState = fn
	}
}
func (f *fakeBridge) SetEventCallback(fn bridge.EventCallback) {
	if f.onEvent == nil {
		f.onEvent = fn
	}
}

var _ bridge.Bridge = (*fakeBridge)(nil)

func newTestEngine(t *testing.T, factory BridgeFactory) *Engine {
	t.Helper()
	return New(Config{
		Provider:     bridge.ProviderClaude,
		WorkingDir:   t.TempDir(),
		RateLimit:    ratelimit.Config{RequestsPerMinute: 0},
		HealthPeriod: time.Hour,
		NewBridge:    factory,
	})
}

func TestStartAndChatSucceed(t *testing.T) {
	fb := &fakeBridge{provider: bridge.ProviderClaude}
	e := newTestEngine(t, func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		fb.provider = p
		return fb, nil
	})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	resp, err := e.Chat(context.Background(), bridge.Message{Role: "user", Content: "hello"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hi", resp.Content)
}

func TestChatPublishesTextEvent(t *testing.T) {
	fb := &fakeBridge{provider: bridge.ProviderClaude}
	e := newTestEngine(t, func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		return fb, nil
	})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	received := make(chan TextEvent, 1)
	unsub := e.Bus().Subscribe(event.TypeText, func(ev event.Event) {
		if te, ok := ev.Data.(TextEvent); ok {
			received <- te
		}
	})
	defer unsub()

	_, err := e.Chat(context.Background(), bridge.Message{Role: "user", Content: "hello"})
	require.NoError(t, err)

	select {
	case te := <-received:
		assert.Equal(t, "hi", te.Content)
	case <-time.After(time.Second):
		t.Fatal("expected a text event to be published")
	}
}

func TestToolUseEmitsSyntheticThinkingForClaude(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		return &fakeBridge{provider: p}, nil
	})

	received := make(chan ThinkingEvent, 1)
	unsub := e.Bus().Subscribe(event.TypeThinking, func(ev event.Event) {
		if te, ok := ev.Data.(ThinkingEvent); ok {
			received <- te
		}
	})
	defer unsub()

	e.processRawEvent(bridge.ProviderClaude, bridge.RawEvent{Kind: "tool_use", Data: map[string]any{"tool_name": "grep", "tool_id": "tc-1"}})

	select {
	case te := <-received:
		assert.Equal(t, "Using grep", te.Thought)
		assert.Equal(t, bridge.PhaseToolPlanning, te.Phase)
		assert.Equal(t, "grep", te.Subject)
		assert.True(t, te.IsStart)
		assert.True(t, te.IsComplete)
	case <-time.After(time.Second):
		t.Fatal("expected a synthetic thinking event for the claude provider")
	}
}

func TestToolUseNoSyntheticThinkingForNonClaude(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		return &fakeBridge{provider: p}, nil
	})

	var gotThinking bool
	unsub := e.Bus().Subscribe(event.TypeThinking, func(ev event.Event) { gotThinking = true })
	defer unsub()

	e.processRawEvent(bridge.ProviderGemini, bridge.RawEvent{Kind: "tool_use", Data: map[string]any{"tool_name": "grep"}})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, gotThinking)
}

func TestPrepareForTurnRejectsBusyBridge(t *testing.T) {
	fb := &fakeBridge{provider: bridge.ProviderClaude}
	e := newTestEngine(t, func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		return fb, nil
	})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	fb.state = bridge.StateBusy
	_, err := e.Chat(context.Background(), bridge.Message{Role: "user", Content: "hello"})
	assert.Error(t, err)
}

func TestSwitchProviderStopsOldStartsNew(t *testing.T) {
	var started []bridge.Provider
	e := newTestEngine(t, func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		started = append(started, p)
		return &fakeBridge{provider: p}, nil
	})
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.SwitchProvider(context.Background(), bridge.ProviderGemini))
	defer e.Stop(context.Background())

	assert.Equal(t, []bridge.Provider{bridge.ProviderClaude, bridge.ProviderGemini}, started)
	assert.Equal(t, bridge.ProviderGemini, e.CurrentProvider())
}

func TestResetAndRestartCount(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		return &fakeBridge{provider: p}, nil
	})
	assert.Equal(t, int64(0), e.RestartCount())
	e.ResetRestartCount()
	assert.Equal(t, int64(0), e.RestartCount())
}

func TestInstallSignalHandlersNeverTouchesBridgeDirectly(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, p bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		return &fakeBridge{provider: p}, nil
	})
	ctx := e.InstallSignalHandlers()
	defer e.RemoveSignalHandlers()
	select {
	case <-ctx.Done():
		t.Fatal("context should not be done without a signal")
	default:
	}
}
