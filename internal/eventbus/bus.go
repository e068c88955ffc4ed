// Package eventbus is the in-process channel producers publish domain events on.
package eventbus

import (
	"sync"
)

// Event is a named occurrence with a JSON-serializable payload. Data may carry
// a "tenantId" string.
type Event struct {
	Name string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Source is what the dispatcher consumes. The channel is closed when the
// source shuts down.
type Source interface {
	Events() <-chan Event
}

type Bus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

const DefaultBuffer = 1024

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{ch: make(chan Event, buffer)}
}

// Publish enqueues ev without blocking. It returns false if the buffer is full
// or the bus is closed.
func (b *Bus) Publish(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- ev:
		return true
	default:
		return false
	}
}

func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close stops accepting events. Events already buffered are still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
