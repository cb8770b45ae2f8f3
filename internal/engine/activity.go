package engine

import (
	"sync"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge"
	"github.com/avatar-runtime/avatar-bridge/internal/event"
)

// ActivityTracker maintains the set of currently in-flight units of work
// (tool calls, sub-tasks) for a provider session, grounded on
// original_source/avatar_engine/activity.py in full. Every mutation
// happens under mu; the resulting ActivityEvent is published on bus only
// after the lock is released, matching activity.py's
// "mutate, then notify" ordering and avoiding handler re-entrancy while
// holding the tracker's lock.
type ActivityTracker struct {
	mu         sync.Mutex
	activities map[string]ActivityEvent
	bus        *event.Bus
	provider   bridge.Provider
}

// NewActivityTracker builds a tracker that publishes onto bus.
func NewActivityTracker(provider bridge.Provider, bus *event.Bus) *ActivityTracker {
	return &ActivityTracker{
		activities: make(map[string]ActivityEvent),
		bus:        bus,
		provider:   provider,
	}
}

func (t *ActivityTracker) publish(ev ActivityEvent) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(event.Event{
		Type:      event.TypeActivity,
		Provider:  string(t.provider),
		Timestamp: ev.Timestamp.UnixMilli(),
		Data:      ev,
	})
}

// StartActivity registers a new in-flight activity and returns its event.
func (t *ActivityTracker) StartActivity(id, activityType, name, parentID, concurrentGroup string, cancellable bool) ActivityEvent {
	now := time.Now()
	ev := ActivityEvent{
		baseEvent:       baseEvent{Provider: t.provider, Timestamp: now},
		ActivityID:      id,
		ParentActivityID: parentID,
		ActivityType:    activityType,
		Name:            name,
		Status:          ActivityPending,
		ConcurrentGroup: concurrentGroup,
		IsCancellable:   cancellable,
		StartedAt:       now,
	}

	t.mu.Lock()
	t.activities[id] = ev
	t.mu.Unlock()

	t.publish(ev)
	return ev
}

// UpdateActivity transitions an activity to Running and records progress
// and a human-readable detail string. No-op if id is unknown.
func (t *ActivityTracker) UpdateActivity(id string, progress float64, detail string) {
	t.mu.Lock()
	ev, ok := t.activities[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	ev.Status = ActivityRunning
	ev.Progress = progress
	ev.Detail = detail
	ev.Timestamp = time.Now()
	t.activities[id] = ev
	t.mu.Unlock()

	t.publish(ev)
}

// CompleteActivity marks an activity as finished successfully and removes
// it from the active set.
func (t *ActivityTracker) CompleteActivity(id, detail string) {
	t.finish(id, ActivityCompleted, detail)
}

// FailActivity marks an activity as finished with an error.
func (t *ActivityTracker) FailActivity(id, detail string) {
	t.finish(id, ActivityFailed, detail)
}

// CancelActivity marks an activity as cancelled by the caller.
func (t *ActivityTracker) CancelActivity(id, detail string) {
	t.finish(id, ActivityCancelled, detail)
}

func (t *ActivityTracker) finish(id string, status ActivityStatus, detail string) {
	t.mu.Lock()
	ev, ok := t.activities[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	ev.Status = status
	ev.Detail = detail
	ev.Progress = 1.0
	ev.Timestamp = now
	ev.CompletedAt = now
	delete(t.activities, id)
	t.mu.Unlock()

	t.publish(ev)
}

// ActiveCount returns the number of activities not yet finished.
func (t *ActivityTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.activities)
}

// ActiveActivities returns a snapshot of all in-flight activities.
func (t *ActivityTracker) ActiveActivities() []ActivityEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ActivityEvent, 0, len(t.activities))
	for _, ev := range t.activities {
		out = append(out, ev)
	}
	return out
}

// GetActivity looks up a single activity by id.
func (t *ActivityTracker) GetActivity(id string) (ActivityEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.activities[id]
	return ev, ok
}

// Clear discards all tracked activities without publishing completion
// events — used when a bridge restarts and in-flight tool calls from the
// previous process are no longer meaningful.
func (t *ActivityTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activities = make(map[string]ActivityEvent)
}
