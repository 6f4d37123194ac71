// Package publisher emits catalog-write events for downstream consumers.
package publisher

import (
	"context"
	"time"

	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// Event types.
const (
	EventRecordCreated = "record.created"
	EventRecordMerged  = "record.merged"
)

// Event describes one catalog write.
type Event struct {
	Type        string    `json:"type"`
	RecordID    string    `json:"record_id"`
	Fingerprint string    `json:"fingerprint"`
	SourceID    string    `json:"source_id"`
	Level       int       `json:"level"`
	At          time.Time `json:"at"`
}

// Publisher delivers catalog events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Sink adapts a Publisher to the resolver's write-notification contract.
type Sink struct {
	pub Publisher
}

// NewSink wraps pub.
func NewSink(pub Publisher) *Sink {
	return &Sink{pub: pub}
}

// RecordWritten publishes one event per canonical write. Publish errors are
// swallowed: event delivery is best-effort and must not fail resolution.
func (s *Sink) RecordWritten(ctx context.Context, rec tender.CanonicalRecord, created bool) {
	evType := EventRecordMerged
	if created {
		evType = EventRecordCreated
	}
	_ = s.pub.Publish(ctx, Event{
		Type:        evType,
		RecordID:    rec.ID,
		Fingerprint: rec.Fingerprint,
		SourceID:    rec.SourceID,
		Level:       int(rec.Level),
		At:          time.Now().UTC(),
	})
}
