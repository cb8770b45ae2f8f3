package bridge

import "context"

// Bridge is the provider-agnostic contract the Engine drives. Both the
// stream-JSON variant (StreamJSONBridge) and the ACP variant (ACPBridge)
// implement it.
type Bridge interface {
	Provider() Provider

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Send completes a full turn and never returns a Go error for an
	// agent-side failure — failures are reported via Response.Success/Error.
	Send(ctx context.Context, msg Message) Response
	// SendStream streams raw events to cb as the turn progresses and
	// returns an error on failure (the asymmetric counterpart to Send).
	SendStream(ctx context.Context, msg Message, cb EventCallback) (Response, error)

	State() State
	SessionID() string
	History() []Message
	ClearHistory()
	Stats() Stats
	IsOverBudget() bool
	GetTotalCost() float64
	CheckHealth() HealthStatus

	ListSessions(ctx context.Context) ([]SessionInfo, error)
	ResumeSession(ctx context.Context, sessionID string) error

	Capabilities() ProviderCapabilities
	SessionCapabilities() SessionCapabilities

	SetStateChangeCallback(StateChangeCallback)
	SetEventCallback(EventCallback)
}
