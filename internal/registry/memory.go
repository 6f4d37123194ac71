package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	sources map[string]SourceConfig
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sources: make(map[string]SourceConfig)}
}

// ActiveSources returns all active sources ordered by id.
func (s *MemoryStore) ActiveSources(_ context.Context) ([]SourceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SourceConfig, 0, len(s.sources))
	for _, cfg := range s.sources {
		if cfg.Active {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns the source with the given id.
func (s *MemoryStore) Get(_ context.Context, id string) (SourceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.sources[id]
	if !ok {
		return SourceConfig{}, ErrNotFound
	}
	return cfg, nil
}

// Save validates and stores the config.
func (s *MemoryStore) Save(_ context.Context, cfg SourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[cfg.ID] = cfg
	return nil
}

// MarkRun records the last run timestamp.
func (s *MemoryStore) MarkRun(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.sources[id]
	if !ok {
		return ErrNotFound
	}
	cfg.LastRunAt = &at
	s.sources[id] = cfg
	return nil
}

// FlagForReview marks the source for operator attention. The egress policy
// is left untouched; toggling it is a manual decision.
func (s *MemoryStore) FlagForReview(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.sources[id]
	if !ok {
		return ErrNotFound
	}
	cfg.ReviewRequested = true
	cfg.ReviewReason = reason
	s.sources[id] = cfg
	return nil
}
