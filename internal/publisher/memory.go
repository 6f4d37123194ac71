package publisher

import (
	"context"
	"sync"
)

// MemoryPublisher records events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher builds an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish appends the event.
func (p *MemoryPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Close is a no-op.
func (p *MemoryPublisher) Close() error { return nil }

// NoOpPublisher drops every event; used when pubsub is disabled.
type NoOpPublisher struct{}

// Publish drops the event.
func (NoOpPublisher) Publish(context.Context, Event) error { return nil }

// Close is a no-op.
func (NoOpPublisher) Close() error { return nil }
