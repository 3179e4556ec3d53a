package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishDeliversToSubscriber(t *testing.T) {
	bus := New(zerolog.Nop())

	received := make(chan Event, 1)
	bus.Subscribe(PositionClosed, func(e Event) {
		received <- e
	})

	bus.Publish(Event{
		Type:        PositionClosed,
		ExecutionID: "exec_1",
		At:          time.Now(),
		Data:        &PositionClosedData{ExecutionID: "exec_1", Symbol: "AAPL"},
	})

	select {
	case e := <-received:
		assert.Equal(t, "exec_1", e.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestBusPublishIgnoresOtherTopics(t *testing.T) {
	bus := New(zerolog.Nop())

	called := false
	bus.Subscribe(PositionClosed, func(e Event) { called = true })

	bus.Publish(Event{Type: ExecutionUpdate, ExecutionID: "exec_1"})

	assert.False(t, called)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(zerolog.Nop())

	count := 0
	unsubscribe := bus.Subscribe(ExecutionUpdate, func(e Event) { count++ })
	bus.Publish(Event{Type: ExecutionUpdate})
	unsubscribe()
	bus.Publish(Event{Type: ExecutionUpdate})

	require.Equal(t, 1, count)
}

func TestBusPublishSurvivesPanickingHandler(t *testing.T) {
	bus := New(zerolog.Nop())

	calledAfter := false
	bus.Subscribe(ExecutionUpdate, func(e Event) { panic("boom") })
	bus.Subscribe(ExecutionUpdate, func(e Event) { calledAfter = true })

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: ExecutionUpdate})
	})
	assert.True(t, calledAfter)
}
