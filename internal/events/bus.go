// Package events provides the in-process change-event bus that decouples the
// mutation executor and schema evolution from the caches they invalidate.
//
// Publication is modeled as pub/sub with bounded queues rather than
// back-references, so cache owners subscribe without creating ownership
// cycles. A full subscriber queue drops the event and increments a counter;
// subscribers that can drop events must pair the bus with a periodic
// wipe-on-next-tick fallback so no blocking decision is made on stale data
// past the next tick.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// defaultQueueSize bounds each subscriber's queue.
const defaultQueueSize = 64

// SchemaChange announces that DDL touched (Table, Field). Field is empty for
// table-level changes.
type SchemaChange struct {
	Table string
	Field string
	Kind  string // mutation kind, e.g. "CREATE_INDEX", "DROP_COLUMN"
}

// Bus fans SchemaChange events out to subscribers over bounded channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan SchemaChange
	dropped     atomic.Int64
	logger      *slog.Logger
	closed      bool
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a new subscriber and returns its receive channel.
// The channel is closed by Close().
func (b *Bus) Subscribe() <-chan SchemaChange {
	ch := make(chan SchemaChange, defaultQueueSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)

		return ch
	}

	b.subscribers = append(b.subscribers, ch)

	return ch
}

// Publish delivers an event to every subscriber without blocking. Events to a
// full subscriber queue are dropped and counted.
func (b *Bus) Publish(event SchemaChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)

			if b.logger != nil {
				b.logger.Warn("dropped schema change event: subscriber queue full",
					slog.String("table", event.Table),
					slog.String("field", event.Field),
					slog.String("kind", event.Kind),
					slog.Int64("total_dropped", b.dropped.Load()))
			}
		}
	}
}

// Dropped returns the total number of dropped events.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, ch := range b.subscribers {
		close(ch)
	}

	b.subscribers = nil
}
