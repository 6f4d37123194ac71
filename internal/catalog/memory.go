package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]tender.CanonicalRecord
	byFP       map[string]string
	unresolved []tender.UnresolvedRecord
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]tender.CanonicalRecord),
		byFP: make(map[string]string),
	}
}

// Get returns a record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (tender.CanonicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return tender.CanonicalRecord{}, ErrNotFound
	}
	return rec, nil
}

// GetByFingerprint returns the record keyed by the dedup fingerprint.
func (s *MemoryStore) GetByFingerprint(_ context.Context, fingerprint string) (tender.CanonicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFP[fingerprint]
	if !ok {
		return tender.CanonicalRecord{}, ErrNotFound
	}
	return s.byID[id], nil
}

// Upsert writes the record keyed by fingerprint, guarding level regression.
func (s *MemoryStore) Upsert(_ context.Context, rec tender.CanonicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byFP[rec.Fingerprint]; ok {
		existing := s.byID[existingID]
		rec.ID = existing.ID
		rec.FirstSeenAt = existing.FirstSeenAt
		if rec.Level < existing.Level {
			rec.Level = existing.Level
		}
	}
	s.byID[rec.ID] = rec
	s.byFP[rec.Fingerprint] = rec.ID
	return nil
}

// Update applies fn to the record under the store lock.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*tender.CanonicalRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	s.byID[id] = rec
	return nil
}

// SetLevel raises the enrichment level; downward moves are ignored.
func (s *MemoryStore) SetLevel(_ context.Context, id string, level tender.EnrichmentLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if level > rec.Level {
		rec.Level = level
		rec.LevelFailure = ""
		s.byID[id] = rec
	}
	return nil
}

// RecordLevelFailure notes a terminal enrichment failure.
func (s *MemoryStore) RecordLevelFailure(_ context.Context, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.LevelFailure = note
	s.byID[id] = rec
	return nil
}

// SetNodeMemberships replaces the record's node membership list.
func (s *MemoryStore) SetNodeMemberships(_ context.Context, id string, nodeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.NodeIDs = append([]string(nil), nodeIDs...)
	s.byID[id] = rec
	return nil
}

// Archive marks a record superseded without removing it.
func (s *MemoryStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Archived = true
	s.byID[id] = rec
	return nil
}

// Each streams every non-archived record to fn in stable id order.
func (s *MemoryStore) Each(ctx context.Context, fn func(tender.CanonicalRecord) error) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	records := make([]tender.CanonicalRecord, 0, len(ids))
	for _, id := range ids {
		if rec := s.byID[id]; !rec.Archived {
			records = append(records, rec)
		}
	}
	s.mu.RUnlock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// HoldUnresolved stores an observation whose merge was rejected.
func (s *MemoryStore) HoldUnresolved(_ context.Context, rec tender.UnresolvedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresolved = append(s.unresolved, rec)
	return nil
}

// ListUnresolved returns held observations for operator review.
func (s *MemoryStore) ListUnresolved(_ context.Context) ([]tender.UnresolvedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tender.UnresolvedRecord(nil), s.unresolved...), nil
}
