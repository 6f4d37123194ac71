package match

import (
	"context"
	"sort"
	"sync"
)

// MemoryNodeStore is an in-memory NodeStore for tests and local development.
type MemoryNodeStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewMemoryNodeStore builds an empty MemoryNodeStore.
func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{nodes: make(map[string]Node)}
}

// List returns every node ordered by id.
func (s *MemoryNodeStore) List(_ context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Active returns active nodes ordered by id.
func (s *MemoryNodeStore) Active(ctx context.Context) ([]Node, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, n := range all {
		if n.Active {
			out = append(out, n)
		}
	}
	return out, nil
}

// Get returns the node with the given id.
func (s *MemoryNodeStore) Get(_ context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

// Save validates and stores the node.
func (s *MemoryNodeStore) Save(_ context.Context, node Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
	return nil
}

// Delete removes the node.
func (s *MemoryNodeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(s.nodes, id)
	return nil
}

// MemoryEdgeStore is an in-memory EdgeStore.
type MemoryEdgeStore struct {
	mu    sync.RWMutex
	edges []Edge
}

// NewMemoryEdgeStore builds an empty MemoryEdgeStore.
func NewMemoryEdgeStore() *MemoryEdgeStore {
	return &MemoryEdgeStore{}
}

// ReplaceForRecord swaps every edge of one record in a single step.
func (s *MemoryEdgeStore) ReplaceForRecord(_ context.Context, recordID string, edges []Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = s.replace(func(e Edge) bool { return e.RecordID == recordID }, edges)
	return nil
}

// ReplaceForNode swaps every edge of one node in a single step.
func (s *MemoryEdgeStore) ReplaceForNode(_ context.Context, nodeID string, edges []Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = s.replace(func(e Edge) bool { return e.NodeID == nodeID }, edges)
	return nil
}

// ListForNode returns a node's edges.
func (s *MemoryEdgeStore) ListForNode(_ context.Context, nodeID string) ([]Edge, error) {
	return s.filter(func(e Edge) bool { return e.NodeID == nodeID }), nil
}

// ListForRecord returns a record's edges.
func (s *MemoryEdgeStore) ListForRecord(_ context.Context, recordID string) ([]Edge, error) {
	return s.filter(func(e Edge) bool { return e.RecordID == recordID }), nil
}

// DeleteForNode removes every edge of one node.
func (s *MemoryEdgeStore) DeleteForNode(ctx context.Context, nodeID string) error {
	return s.ReplaceForNode(ctx, nodeID, nil)
}

func (s *MemoryEdgeStore) replace(drop func(Edge) bool, add []Edge) []Edge {
	kept := s.edges[:0:0]
	for _, e := range s.edges {
		if !drop(e) {
			kept = append(kept, e)
		}
	}
	return append(kept, add...)
}

func (s *MemoryEdgeStore) filter(keep func(Edge) bool) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for _, e := range s.edges {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out
}
