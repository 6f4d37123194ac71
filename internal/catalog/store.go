// Package catalog persists canonical tender records.
//
// All writes are single-statement upserts so readers never observe a torn
// intermediate state; there is no separate publish step.
package catalog

import (
	"context"
	"errors"

	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// ErrNotFound is returned when a record id or fingerprint is unknown.
var ErrNotFound = errors.New("record not found")

// Store is the canonical record persistence contract.
type Store interface {
	// Get returns a record by id.
	Get(ctx context.Context, id string) (tender.CanonicalRecord, error)

	// GetByFingerprint returns the record keyed by the dedup fingerprint.
	GetByFingerprint(ctx context.Context, fingerprint string) (tender.CanonicalRecord, error)

	// Upsert writes the record keyed by fingerprint. The enrichment level
	// is guarded: an upsert carrying a lower level than the stored row
	// keeps the stored level (levels never regress).
	Upsert(ctx context.Context, rec tender.CanonicalRecord) error

	// Update applies fn to the stored record atomically. Concurrent
	// read-modify-write cycles on the same row are serialized by the
	// store, so fn always sees the latest committed state.
	Update(ctx context.Context, id string, fn func(*tender.CanonicalRecord)) error

	// SetLevel raises the enrichment level. Downward moves are ignored.
	SetLevel(ctx context.Context, id string, level tender.EnrichmentLevel) error

	// RecordLevelFailure notes a terminal enrichment failure on the record
	// without touching its level.
	RecordLevelFailure(ctx context.Context, id, note string) error

	// SetNodeMemberships replaces the record's node membership list. The
	// matching engine owns this field; nobody else writes it.
	SetNodeMemberships(ctx context.Context, id string, nodeIDs []string) error

	// Archive marks a record superseded. Records are never hard-deleted so
	// historical links held by external collaborators stay valid.
	Archive(ctx context.Context, id string) error

	// Each streams every non-archived record to fn; used by rematch scans.
	// Iteration stops on the first error, including ctx cancellation.
	Each(ctx context.Context, fn func(tender.CanonicalRecord) error) error

	// HoldUnresolved stores an observation whose merge was rejected.
	HoldUnresolved(ctx context.Context, rec tender.UnresolvedRecord) error

	// ListUnresolved returns held observations for operator review.
	ListUnresolved(ctx context.Context) ([]tender.UnresolvedRecord, error)
}
