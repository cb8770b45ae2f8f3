// Package engine composes the bridge layer (package bridge) into the
// provider-agnostic conversation API described in spec.md, grounded on
// original_source/avatar_engine/engine.py in full.
package engine

import (
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge"
)

// The typed event taxonomy, grounded on
// original_source/avatar_engine/events.py. Raw bridge events
// (bridge.RawEvent) are translated into these by processRawEvent before
// being published on the engine's event bus.

type baseEvent struct {
	Provider  bridge.Provider
	Timestamp time.Time
}

// TextEvent carries a chunk (or the complete body) of assistant text.
type TextEvent struct {
	baseEvent
	Content    string
	IsComplete bool
}

// ToolEvent reports a tool call starting or finishing.
type ToolEvent struct {
	baseEvent
	ToolName string
	ToolID   string
	Started  bool
	Success  bool
	Error    string
}

// StateEvent reports a bridge state transition.
type StateEvent struct {
	baseEvent
	Old bridge.State
	New bridge.State
}

// ThinkingEvent carries one chunk of the agent's visible reasoning.
type ThinkingEvent struct {
	baseEvent
	Thought    string
	Phase      bridge.ThinkingPhase
	Subject    string
	IsStart    bool
	IsComplete bool
	BlockID    string
	TokenCount int
	Category   string
}

// ErrorEvent reports a turn-level or bridge-level error.
type ErrorEvent struct {
	baseEvent
	Error       string
	Recoverable bool
}

// CostEvent reports incremental spend.
type CostEvent struct {
	baseEvent
	CostUSD      float64
	InputTokens  int
	OutputTokens int
}

// DiagnosticEvent carries a classified stderr/log line.
type DiagnosticEvent struct {
	baseEvent
	Message string
	Level   string
	Source  string
}

// ActivityStatus is the lifecycle of one tracked activity.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityCancelled ActivityStatus = "cancelled"
)

// ActivityEvent reports progress on a tracked unit of work (typically one
// tool call), supplemented from activity.py per SPEC_FULL.md §9.NEW.
type ActivityEvent struct {
	baseEvent
	ActivityID        string
	ParentActivityID  string
	ActivityType      string
	Name              string
	Status            ActivityStatus
	Progress          float64
	Detail            string
	ConcurrentGroup   string
	IsCancellable     bool
	StartedAt         time.Time
	CompletedAt       time.Time
}
