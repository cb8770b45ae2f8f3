/*
Package event provides the typed pub/sub bus that carries bridge activity
(text deltas, tool start/end, state transitions, errors, thinking,
cost, diagnostics, activity updates) from a running Engine out to its
subscribers — chiefly the WebSocket gateway in package gateway, and tests.

# Basic usage

	bus := event.New()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.TypeText, func(ev event.Event) {
		delta := ev.Data.(engine.TextEvent)
		fmt.Println(delta.Content)
	})
	defer unsubscribe()

	bus.SubscribeAny(func(ev event.Event) {
		log.Printf("event: %s", ev.Type)
	})

	bus.Publish(event.Event{Type: event.TypeText, Provider: "claude", Data: payload})

# Subscriber safety

Publish calls every matching subscriber synchronously, in registration
order, on the publishing goroutine, so subscribers must return quickly.
Publish copies the subscriber list under the bus's lock and releases the
lock before calling any handler, so a handler may call Publish, Subscribe
or an unsubscribe func on the same bus without deadlocking; a subscriber
added during a dispatch does not receive the event being dispatched. A
handler that panics is recovered and logged; it never takes down the
publisher or later handlers.

Unlike the resource-lifecycle event bus this package's teacher ships
(session/message/part/file/permission events backed by a watermill
gochannel field that the teacher never actually dispatches through), this
bus has no unused infrastructure: dispatch is the hand-rolled
subscriber-list walk below, with an explicit panic boundary per handler.
*/
package event
