package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge"
	"github.com/avatar-runtime/avatar-bridge/internal/bridge/sandbox"
	"github.com/avatar-runtime/avatar-bridge/internal/event"
	"github.com/avatar-runtime/avatar-bridge/internal/logging"
	"github.com/avatar-runtime/avatar-bridge/internal/ratelimit"
	"github.com/rs/zerolog"
)

// BridgeFactory constructs a fresh bridge for provider, using sb as its
// config sandbox. The Engine never imports the stream-JSON/ACP
// constructors directly, so callers (cmd/avatar-serverd, tests) choose
// the wiring.
type BridgeFactory func(ctx context.Context, provider bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error)

// Config configures an Engine.
type Config struct {
	Provider      bridge.Provider
	WorkingDir    string
	RateLimit     ratelimit.Config
	MaxRestarts   int
	HealthPeriod  time.Duration
	Logger        zerolog.Logger
	NewBridge     BridgeFactory
}

// Engine is the provider-agnostic conversation API (C9), composing a
// single live Bridge, a rate limiter, an event bus, and an activity
// tracker, grounded on original_source/avatar_engine/engine.py in full.
// Exactly one bridge is alive at a time; SwitchProvider and restart-on-
// error both follow the stop-old-then-start-new sequencing the original
// enforces via its own single asyncio.Lock.
type Engine struct {
	cfg Config

	bus      *event.Bus
	limiter  *ratelimit.Limiter
	activity *ActivityTracker

	bridgeMu    sync.Mutex
	current     bridge.Bridge
	sandbox     *sandbox.Sandbox
	provider    bridge.Provider

	restartCount  atomic.Int64
	thinkingCache sync.Map // map[string]string: last bold subject, keyed by provider, for subject-carry-forward

	healthCancel context.CancelFunc
	healthMu     sync.Mutex

	sigStop  atomic.Bool
	sigCh    chan os.Signal
	sigDone  chan struct{}
}

// New constructs an Engine. It does not start a bridge; call Start.
func New(cfg Config) *Engine {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if cfg.HealthPeriod <= 0 {
		cfg.HealthPeriod = 30 * time.Second
	}
	bus := event.New()
	return &Engine{
		cfg:      cfg,
		bus:      bus,
		limiter:  ratelimit.New(cfg.RateLimit),
		activity: NewActivityTracker(cfg.Provider, bus),
		provider: cfg.Provider,
	}
}

// Start spins up the configured provider's bridge and begins the
// background health-check loop.
func (e *Engine) Start(ctx context.Context) error {
	e.bridgeMu.Lock()
	defer e.bridgeMu.Unlock()
	return e.startLocked(ctx, e.provider, "")
}

// startLocked assumes bridgeMu is held. resumeSessionID, if non-empty, is
// applied via ResumeSession immediately after the bridge reaches Ready.
func (e *Engine) startLocked(ctx context.Context, provider bridge.Provider, resumeSessionID string) error {
	var idBuf [4]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return fmt.Errorf("engine: sandbox id: %w", err)
	}
	sb, err := sandbox.New(hex.EncodeToString(idBuf[:]))
	if err != nil {
		return fmt.Errorf("engine: create sandbox: %w", err)
	}

	br, err := e.cfg.NewBridge(ctx, provider, sb)
	if err != nil {
		sb.Cleanup()
		return fmt.Errorf("engine: construct bridge: %w", err)
	}

	br.SetStateChangeCallback(func(old, newState bridge.State) {
		e.bus.Publish(event.Event{
			Type:      event.TypeStateChange,
			Provider:  string(provider),
			Timestamp: time.Now().UnixMilli(),
			Data: StateEvent{
				baseEvent: baseEvent{Provider: provider, Timestamp: time.Now()},
				Old:       old,
				New:       newState,
			},
		})
	})
	br.SetEventCallback(func(raw bridge.RawEvent) {
		e.processRawEvent(provider, raw)
	})

	if err := br.Start(ctx); err != nil {
		sb.Cleanup()
		return fmt.Errorf("engine: start bridge: %w", err)
	}

	if resumeSessionID != "" {
		if err := br.ResumeSession(ctx, resumeSessionID); err != nil {
			e.cfg.Logger.Warn().Err(err).Str("session_id", resumeSessionID).Msg("resume failed, continuing with fresh session")
		}
	}

	if e.sandbox != nil {
		e.sandbox.Cleanup()
	}
	e.current = br
	e.sandbox = sb
	e.provider = provider
	e.activity.Clear()

	e.startHealthLoop()
	return nil
}

// Stop halts the active bridge and the health-check loop.
func (e *Engine) Stop(ctx context.Context) error {
	e.bridgeMu.Lock()
	defer e.bridgeMu.Unlock()
	return e.stopLocked(ctx)
}

func (e *Engine) stopLocked(ctx context.Context) error {
	e.stopHealthLoop()
	if e.current == nil {
		return nil
	}
	err := e.current.Stop(ctx)
	e.current = nil
	if e.sandbox != nil {
		e.sandbox.Cleanup()
		e.sandbox = nil
	}
	return err
}

// SwitchProvider stops the current bridge and starts a fresh one for
// provider, with no attempt to carry the old session forward.
func (e *Engine) SwitchProvider(ctx context.Context, provider bridge.Provider) error {
	e.bridgeMu.Lock()
	defer e.bridgeMu.Unlock()
	if err := e.stopLocked(ctx); err != nil {
		e.cfg.Logger.Warn().Err(err).Msg("error stopping bridge during provider switch")
	}
	return e.startLocked(ctx, provider, "")
}

// ResumeSession stops the current bridge (if any) and starts a fresh one
// for the current provider, resuming sessionID.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) error {
	e.bridgeMu.Lock()
	defer e.bridgeMu.Unlock()
	provider := e.provider
	if err := e.stopLocked(ctx); err != nil {
		e.cfg.Logger.Warn().Err(err).Msg("error stopping bridge during resume")
	}
	return e.startLocked(ctx, provider, sessionID)
}

// restart tears down and rebuilds the bridge for the current provider
// in place, used after an unrecoverable bridge-level error. It is bounded
// by cfg.MaxRestarts: callers should check RestartCount before invoking.
// The health-check cancel func is cleared before Stop and restored by the
// subsequent startLocked, so a health check mid-flight during the restart
// window can never observe a half-torn-down bridge.
func (e *Engine) restart(ctx context.Context) error {
	e.bridgeMu.Lock()
	defer e.bridgeMu.Unlock()

	if e.restartCount.Load() >= int64(e.cfg.MaxRestarts) {
		return fmt.Errorf("engine: restart budget exhausted (%d)", e.cfg.MaxRestarts)
	}
	e.restartCount.Add(1)

	provider := e.provider
	sessionID := ""
	if e.current != nil {
		sessionID = e.current.SessionID()
	}
	if err := e.stopLocked(ctx); err != nil {
		e.cfg.Logger.Warn().Err(err).Msg("error stopping bridge during restart")
	}
	return e.startLocked(ctx, provider, sessionID)
}

// ResetRestartCount clears the restart budget, typically called after an
// operator-confirmed recovery.
func (e *Engine) ResetRestartCount() { e.restartCount.Store(0) }

// RestartCount reports how many automatic restarts have occurred.
func (e *Engine) RestartCount() int64 { return e.restartCount.Load() }

// Chat sends one message and blocks for the full response, gating on the
// budget and the rate limiter before ever touching the bridge — matching
// the original's "fail fast before spending a subprocess round trip"
// ordering. A bridge left in a non-Ready state by a previous failed turn
// is restarted before the new message is sent; a bridge still mid-turn
// (Busy) is not touched. A turn that fails and leaves the bridge
// non-Ready is retried once on a restarted bridge, if the restart budget
// allows; a failed turn with the bridge still Ready is not retried.
func (e *Engine) Chat(ctx context.Context, msg bridge.Message) (bridge.Response, error) {
	br, err := e.prepareForTurn(ctx)
	if err != nil {
		return bridge.Response{}, err
	}
	if err := e.limiter.Acquire(ctx); err != nil {
		return bridge.Response{}, fmt.Errorf("engine: rate limit: %w", err)
	}
	resp := br.Send(ctx, msg)
	if !resp.Success && br.State() != bridge.StateReady {
		if err := e.restart(ctx); err == nil {
			e.bridgeMu.Lock()
			br = e.current
			e.bridgeMu.Unlock()
			resp = br.Send(ctx, msg)
		}
	}
	return resp, nil
}

// ChatStream is the streaming counterpart to Chat; raw events are
// translated and republished on the event bus as they arrive, in
// addition to being forwarded to cb.
func (e *Engine) ChatStream(ctx context.Context, msg bridge.Message, cb bridge.EventCallback) (bridge.Response, error) {
	br, err := e.prepareForTurn(ctx)
	if err != nil {
		return bridge.Response{}, err
	}
	if err := e.limiter.Acquire(ctx); err != nil {
		return bridge.Response{}, fmt.Errorf("engine: rate limit: %w", err)
	}
	return br.SendStream(ctx, msg, cb)
}

func (e *Engine) prepareForTurn(ctx context.Context) (bridge.Bridge, error) {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()

	if br == nil {
		return nil, fmt.Errorf("engine: no active bridge")
	}
	if br.IsOverBudget() {
		return nil, fmt.Errorf("engine: budget exceeded")
	}
	switch br.State() {
	case bridge.StateReady:
		return br, nil
	case bridge.StateBusy:
		return nil, fmt.Errorf("engine: bridge busy with another turn")
	default:
		if err := e.restart(ctx); err != nil {
			return nil, err
		}
		e.bridgeMu.Lock()
		br = e.current
		e.bridgeMu.Unlock()
		return br, nil
	}
}

// ListSessions delegates to the active bridge.
func (e *Engine) ListSessions(ctx context.Context) ([]bridge.SessionInfo, error) {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()
	if br == nil {
		return nil, fmt.Errorf("engine: no active bridge")
	}
	return br.ListSessions(ctx)
}

// GetHistory returns the active bridge's accumulated conversation history.
func (e *Engine) GetHistory() []bridge.Message {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()
	if br == nil {
		return nil
	}
	return br.History()
}

// ClearHistory clears the active bridge's in-memory history.
func (e *Engine) ClearHistory() {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()
	if br != nil {
		br.ClearHistory()
	}
}

// GetHealth returns a health snapshot of the active bridge.
func (e *Engine) GetHealth() bridge.HealthStatus {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()
	if br == nil {
		return bridge.HealthStatus{Healthy: false, Provider: e.provider, State: bridge.StateDisconnected}
	}
	return br.CheckHealth()
}

// IsHealthy is a convenience wrapper around GetHealth.
func (e *Engine) IsHealthy() bool { return e.GetHealth().Healthy }

// CurrentProvider returns the provider the active bridge drives.
func (e *Engine) CurrentProvider() bridge.Provider { return e.provider }

// SessionID returns the active bridge's current session id.
func (e *Engine) SessionID() string {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()
	if br == nil {
		return ""
	}
	return br.SessionID()
}

// IsWarm reports whether the active bridge is Ready or Busy (i.e. past
// its startup handshake).
func (e *Engine) IsWarm() bool {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()
	if br == nil {
		return false
	}
	s := br.State()
	return s == bridge.StateReady || s == bridge.StateBusy
}

// Capabilities returns the active bridge's provider-wire capabilities.
func (e *Engine) Capabilities() bridge.ProviderCapabilities {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()
	if br == nil {
		return bridge.ProviderCapabilities{}
	}
	return br.Capabilities()
}

// SessionCapabilities returns the active bridge's session-management
// capabilities.
func (e *Engine) SessionCapabilities() bridge.SessionCapabilities {
	e.bridgeMu.Lock()
	br := e.current
	e.bridgeMu.Unlock()
	if br == nil {
		return bridge.SessionCapabilities{}
	}
	return br.SessionCapabilities()
}

// Bus exposes the engine's event bus for subscribers (the WebSocket
// gateway, loggers, tests).
func (e *Engine) Bus() *event.Bus { return e.bus }

// Activity exposes the engine's activity tracker.
func (e *Engine) Activity() *ActivityTracker { return e.activity }

// --- raw -> typed event translation (C9's _process_event equivalent) ---

func (e *Engine) processRawEvent(provider bridge.Provider, raw bridge.RawEvent) {
	now := time.Now()
	base := baseEvent{Provider: provider, Timestamp: now}

	switch raw.Kind {
	case "text_delta":
		content, _ := raw.Data["text"].(string)
		complete, _ := raw.Data["is_complete"].(bool)
		e.publish(event.TypeText, provider, now, TextEvent{baseEvent: base, Content: content, IsComplete: complete})

	case "thinking":
		thought, _ := raw.Data["thought"].(string)
		subject := bridge.ExtractBoldSubject(thought)
		if subject == "" {
			if cached, ok := e.thinkingCache.Load(string(provider)); ok {
				subject = cached.(string)
			}
		} else {
			e.thinkingCache.Store(string(provider), subject)
		}
		phase := bridge.ClassifyThinking(subject, thought)
		e.publish(event.TypeThinking, provider, now, ThinkingEvent{
			baseEvent: base, Thought: thought, Phase: phase, Subject: subject,
		})

	case "tool_use":
		name, _ := raw.Data["tool_name"].(string)
		id, _ := raw.Data["tool_id"].(string)
		activityID := id
		if activityID == "" {
			activityID = fmt.Sprintf("%s-%d", name, now.UnixNano())
		}
		if provider == bridge.ProviderClaude {
			// The stream-JSON provider never emits native thinking events
			// around tool calls, so synthesize one here — grounded on
			// engine.py's _process_event tool_use branch.
			e.publish(event.TypeThinking, provider, now, ThinkingEvent{
				baseEvent: base, Thought: "Using " + name, Phase: bridge.PhaseToolPlanning,
				Subject: name, IsStart: true, IsComplete: true,
			})
		}
		e.activity.StartActivity(activityID, "tool_call", name, "", "", false)
		e.publish(event.TypeToolStart, provider, now, ToolEvent{baseEvent: base, ToolName: name, ToolID: id, Started: true})

	case "tool_result", "tool_end":
		name, _ := raw.Data["tool_name"].(string)
		id, _ := raw.Data["tool_id"].(string)
		success, _ := raw.Data["success"].(bool)
		errMsg, _ := raw.Data["error"].(string)
		if success {
			e.activity.CompleteActivity(id, "")
		} else {
			e.activity.FailActivity(id, errMsg)
		}
		e.publish(event.TypeToolEnd, provider, now, ToolEvent{
			baseEvent: base, ToolName: name, ToolID: id, Started: false, Success: success, Error: errMsg,
		})

	case "diagnostic":
		msgStr, _ := raw.Data["message"].(string)
		level, _ := raw.Data["level"].(string)
		source, _ := raw.Data["source"].(string)
		e.publish(event.TypeDiagnostic, provider, now, DiagnosticEvent{baseEvent: base, Message: msgStr, Level: level, Source: source})

	case "error":
		errMsg, _ := raw.Data["error"].(string)
		recoverable, _ := raw.Data["recoverable"].(bool)
		e.publish(event.TypeError, provider, now, ErrorEvent{baseEvent: base, Error: errMsg, Recoverable: recoverable})

	case "cost":
		cost, _ := raw.Data["cost_usd"].(float64)
		in, _ := raw.Data["input_tokens"].(int)
		out, _ := raw.Data["output_tokens"].(int)
		e.publish(event.TypeCost, provider, now, CostEvent{baseEvent: base, CostUSD: cost, InputTokens: in, OutputTokens: out})
	}
}

func (e *Engine) publish(t event.Type, provider bridge.Provider, ts time.Time, data any) {
	e.bus.Publish(event.Event{Type: t, Provider: string(provider), Timestamp: ts.UnixMilli(), Data: data})
}

// --- health-check loop ---

func (e *Engine) startHealthLoop() {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	e.healthCancel = cancel
	br := e.current
	go func() {
		ticker := time.NewTicker(e.cfg.HealthPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h := br.CheckHealth()
				if !h.Healthy {
					e.cfg.Logger.Warn().Str("provider", string(e.provider)).Msg("health check failed, attempting restart")
					if err := e.restart(context.Background()); err != nil {
						e.cfg.Logger.Error().Err(err).Msg("automatic restart failed")
					}
					return
				}
			}
		}
	}()
}

func (e *Engine) stopHealthLoop() {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	if e.healthCancel != nil {
		e.healthCancel()
		e.healthCancel = nil
	}
}

// --- signal handling ---
//
// The signal-handler goroutine only ever sets a flag and cancels a
// context; it never touches the bridge directly. This mirrors the
// original's explicit comment that signal handlers must stay
// async-signal-safe-adjacent and do real shutdown work on the normal
// control-flow path instead.

// InstallSignalHandlers registers SIGINT/SIGTERM handling that cancels
// the returned context exactly once.
func (e *Engine) InstallSignalHandlers() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	e.sigCh = make(chan os.Signal, 1)
	e.sigDone = make(chan struct{})
	signal.Notify(e.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-e.sigCh:
			e.sigStop.Store(true)
			cancel()
		case <-e.sigDone:
		}
	}()
	return ctx
}

// RemoveSignalHandlers undoes InstallSignalHandlers.
func (e *Engine) RemoveSignalHandlers() {
	if e.sigCh != nil {
		signal.Stop(e.sigCh)
	}
	if e.sigDone != nil {
		close(e.sigDone)
	}
}

// RunUntilSignal blocks until SIGINT/SIGTERM or ctx is cancelled, then
// stops the engine.
func (e *Engine) RunUntilSignal(ctx context.Context) error {
	sigCtx := e.InstallSignalHandlers()
	defer e.RemoveSignalHandlers()

	select {
	case <-sigCtx.Done():
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Stop(stopCtx)
}
