// Package audit keeps a bounded in-memory log of recent events for the
// admin API. It absorbs bursts with its own ring; the bus does not buffer.
package audit

import (
	"context"
	"sync"

	"github.com/devrelay/devrelay/internal/events"
	"github.com/devrelay/devrelay/internal/events/bus"
)

const defaultCapacity = 1024

// Log is a fixed-capacity ring of recently published events.
type Log struct {
	mu       sync.RWMutex
	entries  []*events.Event
	next     int
	full     bool
	capacity int
	sub      *bus.Subscription
}

// NewLog creates an audit log with the given capacity (0 uses the default).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{
		entries:  make([]*events.Event, capacity),
		capacity: capacity,
	}
}

// Attach subscribes the log to every event on the bus. Low priority so
// business subscribers run first.
func (l *Log) Attach(b *bus.Bus) error {
	sub, err := b.Subscribe(bus.ForAll(), -50, l.record)
	if err != nil {
		return err
	}
	l.sub = sub
	return nil
}

// Detach removes the bus subscription.
func (l *Log) Detach() {
	if l.sub != nil {
		l.sub.Unsubscribe()
	}
}

func (l *Log) record(ctx context.Context, event *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = event
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (l *Log) Recent(limit int) []*events.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = l.capacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]*events.Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + l.capacity) % l.capacity
		out = append(out, l.entries[idx])
	}
	return out
}
