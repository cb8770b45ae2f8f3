package bridge

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge/sandbox"
	"github.com/avatar-runtime/avatar-bridge/internal/logging"
	"github.com/rs/zerolog"
)

// RawEvent is what a bridge hands to its event callback as a turn
// streams: an untyped, provider-native shape that the Engine translates
// into one of the typed events in package engine. Keeping this untyped
// at the bridge boundary mirrors the original's use of whatever dict
// shape each agent SDK happens to emit (spec.md §9, "Dynamic SDK objects
// vs typed events").
type RawEvent struct {
	Kind string // "thinking" | "tool_use" | "tool_result" | "diagnostic" | "text_delta" | ...
	Data map[string]any
}

// EventCallback receives raw events as a turn streams.
type EventCallback func(RawEvent)

// StateChangeCallback fires only on an actual state transition (never
// when SetState is called with the state unchanged).
type StateChangeCallback func(old, new State)

// Config is the construction-time configuration shared by both bridge
// variants.
type Config struct {
	Provider            Provider
	WorkingDir          string
	SystemPrompt        string
	SafetyInstructions  bool
	MaxTurns            int
	BudgetUSD           float64 // 0 = unlimited
	ToolPolicy          ToolPolicy
	MCPServers          map[string]any
	Timeout             time.Duration
	Logger              zerolog.Logger

	// UploadDir is where generated images are saved (spec.md:203). Empty
	// means os.TempDir()/avatar-engine/uploads.
	UploadDir string
}

// Base holds the state, locking discipline, and bookkeeping shared by
// every bridge variant, grounded on bridges/base.py in full. Lock
// ordering is intentionally flat: stdinMu, readMu, historyMu, statsMu,
// and stderrMu are siblings that are never held nested, matching the
// original's separate asyncio.Lock per concern.
type Base struct {
	cfg     Config
	sandbox *sandbox.Sandbox

	stateMu sync.Mutex
	state   State

	stdinMu sync.Mutex
	readMu  sync.Mutex

	historyMu sync.Mutex
	history   []Message

	statsMu sync.Mutex
	stats   Stats

	stderrMu  sync.Mutex
	stderrBuf []string

	sessionIDMu sync.Mutex
	sessionID   string

	systemPromptMu   sync.Mutex
	systemPromptSent bool

	totalCostMu sync.Mutex
	totalCost   float64

	onStateChange StateChangeCallback
	onEvent       EventCallback

	startedAt time.Time
	pid       int
}

// NewBase constructs a Base in state disconnected.
func NewBase(cfg Config, sb *sandbox.Sandbox) *Base {
	if cfg.Logger.GetLevel() == zerolog.Disabled {
		cfg.Logger = logging.ForBridge(string(cfg.Provider), "")
	}
	return &Base{cfg: cfg, sandbox: sb, state: StateDisconnected}
}

// SetStateChangeCallback latches the state-change callback. Only the
// first call takes effect — mirroring the original's latch-style setters
// that silently ignore a second registration, since only one owner (the
// Engine) should ever observe bridge transitions.
func (b *Base) SetStateChangeCallback(fn StateChangeCallback) {
	if b.onStateChange == nil {
		b.onStateChange = fn
	}
}

// SetEventCallback latches the raw-event callback.
func (b *Base) SetEventCallback(fn EventCallback) {
	if b.onEvent == nil {
		b.onEvent = fn
	}
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// setState transitions state, invoking the state-change callback only
// when the state actually changes.
func (b *Base) setState(s State) {
	b.stateMu.Lock()
	old := b.state
	if old == s {
		b.stateMu.Unlock()
		return
	}
	b.state = s
	b.stateMu.Unlock()

	if b.onStateChange != nil {
		b.onStateChange(old, s)
	}
}

func (b *Base) emit(ev RawEvent) {
	if b.onEvent != nil {
		b.onEvent(ev)
	}
}

// SessionID returns the active session id, if any.
func (b *Base) SessionID() string {
	b.sessionIDMu.Lock()
	defer b.sessionIDMu.Unlock()
	return b.sessionID
}

func (b *Base) setSessionID(id string) {
	b.sessionIDMu.Lock()
	b.sessionID = id
	b.sessionIDMu.Unlock()
}

// History returns a copy of the accumulated conversation history.
func (b *Base) History() []Message {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// ClearHistory empties the in-memory history (it does not touch anything
// on disk — the agent's own session file, if any, is untouched).
func (b *Base) ClearHistory() {
	b.historyMu.Lock()
	b.history = nil
	b.historyMu.Unlock()
}

func (b *Base) appendHistory(msg Message) {
	b.historyMu.Lock()
	b.history = append(b.history, msg)
	b.historyMu.Unlock()
}

// IsOverBudget reports whether the bridge has spent at least its
// configured BudgetUSD. A zero budget means unlimited.
func (b *Base) IsOverBudget() bool {
	if b.cfg.BudgetUSD <= 0 {
		return false
	}
	b.totalCostMu.Lock()
	defer b.totalCostMu.Unlock()
	return b.totalCost >= b.cfg.BudgetUSD
}

// GetTotalCost returns the bridge's cumulative cost in USD.
func (b *Base) GetTotalCost() float64 {
	b.totalCostMu.Lock()
	defer b.totalCostMu.Unlock()
	return b.totalCost
}

func (b *Base) addCost(usd float64) {
	b.totalCostMu.Lock()
	b.totalCost += usd
	b.totalCostMu.Unlock()
}

// Stats returns a snapshot of lifetime counters.
func (b *Base) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// updateStats is called exactly once per Send/SendStream call, regardless
// of outcome, matching the original's unconditional _update_stats call.
func (b *Base) updateStats(resp Response) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.stats.TotalRequests++
	b.stats.TotalDurationMS += resp.DurationMS
	if resp.Success {
		b.stats.SuccessfulRequests++
	} else {
		b.stats.FailedRequests++
	}
	b.stats.TotalCostUSD += resp.CostUSD
	b.stats.TotalInputTokens += int64(resp.TokenUsage.InputTokens)
	b.stats.TotalOutputTokens += int64(resp.TokenUsage.OutputTokens)
	if resp.CostUSD > 0 {
		b.totalCostMu.Lock()
		b.totalCost += resp.CostUSD
		b.totalCostMu.Unlock()
	}
}

// effectiveSystemPrompt returns the configured system prompt, prefixed
// with the safety instructions block when enabled.
func (b *Base) effectiveSystemPrompt() string {
	prompt := b.cfg.SystemPrompt
	if b.cfg.SafetyInstructions {
		if prompt == "" {
			return DefaultSafetyInstructions
		}
		return DefaultSafetyInstructions + "\n\n" + prompt
	}
	return prompt
}

// prependSystemPromptOnce returns the effective system prompt the first
// time it is called for a bridge instance, and "" on every subsequent
// call — the agent CLI's own session/context already carries it after
// the first turn, so resending it would duplicate instructions.
func (b *Base) prependSystemPromptOnce() string {
	b.systemPromptMu.Lock()
	defer b.systemPromptMu.Unlock()
	if b.systemPromptSent {
		return ""
	}
	b.systemPromptSent = true
	return b.effectiveSystemPrompt()
}

// stderr classification, grounded on bridges/base.py's
// _classify_stderr_level keyword table.
var stderrErrorKeywords = []string{"error", "exception", "traceback", "fatal", "panic", "critical", "failed"}
var stderrWarnKeywords = []string{"warn", "deprecat", "expir"}
var stderrDebugKeywords = []string{"debug", "trace"}

func classifyStderrLevel(line string) string {
	lower := strings.ToLower(line)
	for _, kw := range stderrErrorKeywords {
		if strings.Contains(lower, kw) {
			return "error"
		}
	}
	for _, kw := range stderrWarnKeywords {
		if strings.Contains(lower, kw) {
			return "warning"
		}
	}
	for _, kw := range stderrDebugKeywords {
		if strings.Contains(lower, kw) {
			return "debug"
		}
	}
	return "info"
}

var ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscapeRe.ReplaceAllString(s, "")
}

// recordStderrLine classifies, strips ANSI, buffers, and emits a
// Diagnostic raw event for one line of subprocess stderr.
func (b *Base) recordStderrLine(line string) {
	clean := stripANSI(line)
	level := classifyStderrLevel(clean)

	b.stderrMu.Lock()
	b.stderrBuf = append(b.stderrBuf, clean)
	if len(b.stderrBuf) > 200 {
		b.stderrBuf = b.stderrBuf[len(b.stderrBuf)-200:]
	}
	b.stderrMu.Unlock()

	b.cfg.Logger.Debug().Str("stderr_level", level).Msg(clean)
	b.emit(RawEvent{Kind: "diagnostic", Data: map[string]any{
		"message": clean,
		"level":   level,
		"source":  "stderr",
	}})
}

// StderrTail returns the most recent buffered stderr lines, for
// diagnostics on a failed start.
func (b *Base) StderrTail() []string {
	b.stderrMu.Lock()
	defer b.stderrMu.Unlock()
	out := make([]string, len(b.stderrBuf))
	copy(out, b.stderrBuf)
	return out
}

// Uptime returns how long the underlying subprocess has been running, or
// zero if it was never started.
func (b *Base) Uptime() time.Duration {
	if b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

func (b *Base) markStarted(pid int) {
	b.startedAt = time.Now()
	b.pid = pid
}

// withTimeout applies cfg.Timeout to ctx if one is configured and ctx has
// no earlier deadline of its own.
func (b *Base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}
