package event

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	b := New()
	var got int32
	unsub := b.Subscribe(TypeText, func(ev Event) {
		atomic.AddInt32(&got, 1)
	})
	defer unsub()

	b.Publish(Event{Type: TypeText})
	b.Publish(Event{Type: TypeCost})

	assert.EqualValues(t, 1, atomic.LoadInt32(&got))
}

func TestSubscribeAnyReceivesEverything(t *testing.T) {
	b := New()
	var got int32
	unsub := b.SubscribeAny(func(ev Event) {
		atomic.AddInt32(&got, 1)
	})
	defer unsub()

	b.Publish(Event{Type: TypeText})
	b.Publish(Event{Type: TypeCost})

	assert.EqualValues(t, 2, atomic.LoadInt32(&got))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var got int32
	unsub := b.Subscribe(TypeText, func(ev Event) {
		atomic.AddInt32(&got, 1)
	})
	unsub()
	b.Publish(Event{Type: TypeText})
	assert.EqualValues(t, 0, atomic.LoadInt32(&got))

	// calling twice must not panic
	require.NotPanics(t, unsub)
}

func TestPanickingHandlerIsolated(t *testing.T) {
	b := New()
	var secondCalled bool
	b.Subscribe(TypeText, func(ev Event) {
		panic("boom")
	})
	b.Subscribe(TypeText, func(ev Event) {
		secondCalled = true
	})

	require.NotPanics(t, func() {
		b.Publish(Event{Type: TypeText})
	})
	assert.True(t, secondCalled, "a panicking handler must not block later handlers")
}

func TestHandlerCount(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.HandlerCount(TypeText))
	unsub1 := b.Subscribe(TypeText, func(Event) {})
	unsub2 := b.SubscribeAny(func(Event) {})
	assert.Equal(t, 2, b.HandlerCount(TypeText))
	unsub1()
	unsub2()
	assert.Equal(t, 0, b.HandlerCount(TypeText))
}

func TestCloseDetachesSubscribers(t *testing.T) {
	b := New()
	var got int32
	b.Subscribe(TypeText, func(ev Event) {
		atomic.AddInt32(&got, 1)
	})
	b.Close()
	b.Publish(Event{Type: TypeText})
	assert.EqualValues(t, 0, atomic.LoadInt32(&got))
}
