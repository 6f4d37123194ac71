// Package resolve maps raw observations onto stable canonical records.
//
// The fingerprint, not the source URL, is the identity key: several
// portals expose detail pages through session-bound links that expire
// shortly after generation, so URLs are treated as cache hints to refresh
// on merge, never as identity.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/catalog"
	"github.com/martinsantos/licitometro-sub001/internal/metrics"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// Disposition says what Resolve did with a raw observation.
type Disposition string

// Resolution dispositions.
const (
	DispositionCreated  Disposition = "created"
	DispositionMerged   Disposition = "merged"
	DispositionConflict Disposition = "conflict"
)

// Outcome carries the resolved record (zero for conflicts) and its disposition.
type Outcome struct {
	Disposition Disposition
	Record      tender.CanonicalRecord
}

// Sink receives a canonical record after every create or merge. The
// enrichment scheduler and the incremental matcher register here.
type Sink interface {
	RecordWritten(ctx context.Context, rec tender.CanonicalRecord, created bool)
}

// ErrConflict marks a merge rejected over irreconcilable core facts.
var ErrConflict = errors.New("identity conflict")

// Resolver performs idempotent create-or-merge keyed by fingerprint.
// Merges for the same fingerprint are serialized by a keyed mutex; the
// catalog stays fully concurrent across fingerprints.
type Resolver struct {
	store  catalog.Store
	locks  *keyedMutex
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewResolver builds a Resolver over the catalog store.
func NewResolver(store catalog.Store, logger *zap.Logger, sinks ...Sink) *Resolver {
	return &Resolver{
		store:  store,
		locks:  newKeyedMutex(),
		sinks:  sinks,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve maps one raw observation to its canonical record.
func (r *Resolver) Resolve(ctx context.Context, raw tender.RawRecord) (Outcome, error) {
	fingerprint := tender.Fingerprint(raw.SourceID, raw)

	unlock := r.locks.Lock(fingerprint)
	defer unlock()

	existing, err := r.store.GetByFingerprint(ctx, fingerprint)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return r.create(ctx, fingerprint, raw)
	case err != nil:
		return Outcome{}, fmt.Errorf("lookup fingerprint %s: %w", fingerprint, err)
	}

	if reason, conflicting := coreFactsConflict(existing, raw); conflicting {
		return r.holdAside(ctx, fingerprint, raw, reason)
	}
	return r.merge(ctx, existing, raw)
}

func (r *Resolver) create(ctx context.Context, fingerprint string, raw tender.RawRecord) (Outcome, error) {
	now := r.now()
	rec := tender.CanonicalRecord{
		ID:           uuid.NewString(),
		Fingerprint:  fingerprint,
		SourceID:     raw.SourceID,
		TenderNumber: raw.TenderNumber,
		Title:        raw.Title,
		Organization: raw.Organization,
		Budget:       raw.Budget,
		PublishedAt:  raw.PublishedAt,
		ClosesAt:     raw.ClosesAt,
		DetailURL:    raw.DetailURL,
		Fields:       cloneFields(raw.Fields),
		Level:        tender.LevelDiscovered,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("create record %s: %w", fingerprint, err)
	}
	metrics.ObserveResolution(string(DispositionCreated))
	r.logger.Info("canonical record created",
		zap.String("fingerprint", fingerprint),
		zap.String("source", raw.SourceID),
	)
	r.notify(ctx, rec, true)
	return Outcome{Disposition: DispositionCreated, Record: rec}, nil
}

// merge overwrites fields that were previously null or source-volatile and
// never downgrades a confirmed value. The enrichment level is untouched.
// The fill runs inside the store's atomic update so a value confirmed by a
// concurrent writer (an in-flight enrichment, another merge) is seen, not
// clobbered with a stale snapshot.
func (r *Resolver) merge(ctx context.Context, existing tender.CanonicalRecord, raw tender.RawRecord) (Outcome, error) {
	merged := existing
	err := r.store.Update(ctx, existing.ID, func(rec *tender.CanonicalRecord) {
		rec.LastSeenAt = r.now()

		if rec.Title == "" {
			rec.Title = raw.Title
		}
		if rec.Organization == "" {
			rec.Organization = raw.Organization
		}
		if rec.TenderNumber == "" {
			rec.TenderNumber = raw.TenderNumber
		}
		if rec.Budget == nil {
			rec.Budget = raw.Budget
		}
		if rec.PublishedAt == nil {
			rec.PublishedAt = raw.PublishedAt
		}
		if rec.ClosesAt == nil {
			rec.ClosesAt = raw.ClosesAt
		}
		// Detail URLs expire on several portals; always refresh the cache hint.
		if raw.DetailURL != "" {
			rec.DetailURL = raw.DetailURL
		}
		if len(raw.Fields) > 0 {
			if rec.Fields == nil {
				rec.Fields = make(map[string]string, len(raw.Fields))
			}
			for k, v := range raw.Fields {
				if _, ok := rec.Fields[k]; !ok {
					rec.Fields[k] = v
				}
			}
		}
		merged = *rec
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("merge record %s: %w", existing.Fingerprint, err)
	}
	metrics.ObserveResolution(string(DispositionMerged))
	r.notify(ctx, merged, false)
	return Outcome{Disposition: DispositionMerged, Record: merged}, nil
}

func (r *Resolver) holdAside(ctx context.Context, fingerprint string, raw tender.RawRecord, reason string) (Outcome, error) {
	held := tender.UnresolvedRecord{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Raw:         raw,
		Reason:      reason,
		HeldAt:      r.now(),
	}
	if err := r.store.HoldUnresolved(ctx, held); err != nil {
		return Outcome{}, fmt.Errorf("hold unresolved %s: %w", fingerprint, err)
	}
	metrics.ObserveResolution(string(DispositionConflict))
	r.logger.Warn("identity conflict held for review",
		zap.String("fingerprint", fingerprint),
		zap.String("source", raw.SourceID),
		zap.String("reason", reason),
	)
	return Outcome{Disposition: DispositionConflict}, fmt.Errorf("%w: %s", ErrConflict, reason)
}

// coreFactsConflict rejects merges whose organization contradicts the
// canonical record. Absent values never conflict.
func coreFactsConflict(existing tender.CanonicalRecord, raw tender.RawRecord) (string, bool) {
	if existing.Organization == "" || raw.Organization == "" {
		return "", false
	}
	if tender.NormalizeText(existing.Organization) != tender.NormalizeText(raw.Organization) {
		return fmt.Sprintf("organization %q does not match canonical %q", raw.Organization, existing.Organization), true
	}
	return "", false
}

func (r *Resolver) notify(ctx context.Context, rec tender.CanonicalRecord, created bool) {
	for _, sink := range r.sinks {
		sink.RecordWritten(ctx, rec, created)
	}
}

func cloneFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
