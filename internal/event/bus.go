// Package event provides the typed pub/sub bus the engine uses to fan out
// bridge activity to subscribers (the WebSocket gateway, loggers, tests).
//
// The dispatch model follows two rules that the original Python
// EventEmitter enforces and that matter for correctness, not just style:
// subscriber lists are snapshotted under lock and then invoked outside the
// lock (so a handler that itself subscribes/unsubscribes never deadlocks),
// and a panicking handler is isolated — logged and dropped — so it can
// never take down the rest of the subscriber chain or the goroutine that
// published the event.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/avatar-runtime/avatar-bridge/internal/logging"
)

// Type identifies an event category. Unlike the teacher's opencode.json
// resource-lifecycle taxonomy (session/message/part/file/permission), this
// runtime's events describe a single bridge conversation's activity.
type Type string

const (
	TypeText       Type = "text"
	TypeToolStart  Type = "tool_start"
	TypeToolEnd    Type = "tool_end"
	TypeStateChange Type = "state_change"
	TypeError      Type = "error"
	TypeThinking   Type = "thinking"
	TypeCost       Type = "cost"
	TypeDiagnostic Type = "diagnostic"
	TypeActivity   Type = "activity"
)

// Event is the envelope carried on the bus. Data holds one of the typed
// event payloads defined in package engine (TextEvent, ToolEvent, ...);
// the bus itself is payload-agnostic, matching the base AvatarEvent
// fields (Type, Provider, Timestamp) plus an opaque Data.
type Event struct {
	Type      Type
	Provider  string
	Timestamp int64 // unix millis, stamped by the caller
	Data      any
}

// Handler receives a dispatched event. Handlers must not block for long;
// Publish calls them synchronously on the publishing goroutine.
type Handler func(Event)

type subscriberEntry struct {
	id uint64
	fn Handler
}

// Bus is a typed, panic-isolated pub/sub bus. The zero value is not usable;
// construct with New.
type Bus struct {
	mu sync.RWMutex

	byType map[Type][]subscriberEntry
	global []subscriberEntry

	nextID uint64
	closed bool
}

// New creates a fresh bus. The engine owns one bus per Engine instance
// (no package-level singleton) so multiple engines in one process, or in
// tests, never cross-talk.
func New() *Bus {
	return &Bus{byType: make(map[Type][]subscriberEntry)}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for events of the given type. The returned func
// unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.byType[t] = append(b.byType[t], subscriberEntry{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(t, id) })
	}
}

// SubscribeAny registers fn for every event type, regardless of Type.
func (b *Bus) SubscribeAny(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribeGlobal(id) })
	}
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byType[t]
	for i, e := range subs {
		if e.id == id {
			b.byType[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.global {
		if e.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			return
		}
	}
}

// Publish dispatches ev to every matching subscriber synchronously, on the
// calling goroutine, in registration order (type-specific handlers first,
// then global handlers). A handler that panics is recovered, logged, and
// does not prevent the remaining handlers from running — this is the gap
// the teacher's own bus.go leaves open that this implementation closes.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Handler, 0, len(b.byType[ev.Type])+len(b.global))
	for _, e := range b.byType[ev.Type] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		b.invoke(fn, ev)
	}
}

func (b *Bus) invoke(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("event_type", string(ev.Type)).
				Msg("event handler panicked, isolating")
		}
	}()
	fn(ev)
}

// Close detaches all subscribers. Further Publish/Subscribe calls are
// no-ops. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.byType = make(map[Type][]subscriberEntry)
	b.global = nil
}

// HandlerCount returns the number of subscribers for t plus global
// subscribers, mirroring the original EventEmitter.handler_count used in
// tests to assert cleanup.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byType[t]) + len(b.global)
}
