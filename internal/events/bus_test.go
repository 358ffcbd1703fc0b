package events

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus(slog.New(slog.DiscardHandler))
	t.Cleanup(bus.Close)

	first := bus.Subscribe()
	second := bus.Subscribe()

	event := SchemaChange{Table: "orders", Field: "status", Kind: "CREATE_INDEX"}
	bus.Publish(event)

	assert.Equal(t, event, <-first)
	assert.Equal(t, event, <-second)
	assert.Zero(t, bus.Dropped())
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	bus := NewBus(slog.New(slog.DiscardHandler))
	t.Cleanup(bus.Close)

	slow := bus.Subscribe()

	// Fill the bounded queue without draining, then publish past capacity.
	for i := 0; i < defaultQueueSize+5; i++ {
		bus.Publish(SchemaChange{Table: "orders", Kind: "CREATE_INDEX"})
	}

	assert.Equal(t, int64(5), bus.Dropped())
	assert.Len(t, slow, defaultQueueSize)
}

func TestDroppedCountsPerSubscriber(t *testing.T) {
	bus := NewBus(slog.New(slog.DiscardHandler))
	t.Cleanup(bus.Close)

	bus.Subscribe()
	bus.Subscribe()

	for i := 0; i < defaultQueueSize+1; i++ {
		bus.Publish(SchemaChange{Table: "orders"})
	}

	// Both queues overflowed by one.
	assert.Equal(t, int64(2), bus.Dropped())
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := NewBus(slog.New(slog.DiscardHandler))
	bus.Close()

	ch := bus.Subscribe()

	_, open := <-ch
	assert.False(t, open)
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewBus(slog.New(slog.DiscardHandler))

	ch := bus.Subscribe()

	bus.Close()
	require.NotPanics(t, bus.Close)

	// Publish after Close is a no-op.
	bus.Publish(SchemaChange{Table: "orders"})

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.Dropped())
}
