package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/catalog"
	"github.com/martinsantos/licitometro-sub001/internal/metrics"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// Match evaluates one node against one record. Terms and exclusions are
// matched as normalized substrings of the record's search text; any
// exclusion hit vetoes the whole match.
func Match(node Node, rec tender.CanonicalRecord) (Edge, bool) {
	text := tender.NormalizeText(rec.SearchText())

	for _, excl := range node.Exclusions {
		if strings.Contains(text, tender.NormalizeText(excl)) {
			return Edge{}, false
		}
	}

	var hits []string
	for _, term := range node.Terms {
		if strings.Contains(text, tender.NormalizeText(term)) {
			hits = append(hits, term)
		}
	}
	if len(hits) == 0 {
		return Edge{}, false
	}

	return Edge{
		NodeID:    node.ID,
		RecordID:  rec.ID,
		Score:     len(hits),
		Terms:     hits,
		CreatedAt: time.Now().UTC(),
	}, true
}

// Engine keeps node-record edges current, incrementally on every catalog
// write and wholesale through Rematch.
type Engine struct {
	nodes   NodeStore
	edges   EdgeStore
	catalog catalog.Store
	logger  *zap.Logger

	mu        sync.Mutex
	rematches map[string]context.CancelFunc
}

// NewEngine builds an Engine.
func NewEngine(nodes NodeStore, edges EdgeStore, cat catalog.Store, logger *zap.Logger) *Engine {
	return &Engine{
		nodes:     nodes,
		edges:     edges,
		catalog:   cat,
		logger:    logger,
		rematches: make(map[string]context.CancelFunc),
	}
}

// RecordWritten re-evaluates one record against every active node after a
// catalog write. Edge replacement is wholesale per record, so a node that
// stopped matching after a merge loses its edge here too.
func (e *Engine) RecordWritten(ctx context.Context, rec tender.CanonicalRecord, _ bool) {
	nodes, err := e.nodes.Active(ctx)
	if err != nil {
		e.logger.Error("list active nodes", zap.Error(err))
		return
	}

	var edges []Edge
	var nodeIDs []string
	for _, node := range nodes {
		if edge, ok := Match(node, rec); ok {
			edges = append(edges, edge)
			nodeIDs = append(nodeIDs, node.ID)
		}
	}

	if err := e.edges.ReplaceForRecord(ctx, rec.ID, edges); err != nil {
		e.logger.Error("replace record edges", zap.String("record", rec.ID), zap.Error(err))
		return
	}
	if err := e.catalog.SetNodeMemberships(ctx, rec.ID, nodeIDs); err != nil {
		e.logger.Error("set node memberships", zap.String("record", rec.ID), zap.Error(err))
		return
	}
	for range edges {
		metrics.ObserveMatchEdge("incremental")
	}
}

// Rematch rebuilds one node's edges from a full catalog scan. The new edge
// set replaces the old wholesale on success; a scan that is canceled, or
// whose node was deleted mid-flight, commits nothing.
func (e *Engine) Rematch(ctx context.Context, nodeID string) error {
	node, err := e.nodes.Get(ctx, nodeID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.trackRematch(nodeID, cancel)
	defer e.untrackRematch(nodeID)

	var edges []Edge
	memberships := make(map[string][]string)
	err = e.catalog.Each(ctx, func(rec tender.CanonicalRecord) error {
		others := withoutID(rec.NodeIDs, nodeID)
		if edge, ok := Match(node, rec); ok {
			edges = append(edges, edge)
			others = append(others, nodeID)
		}
		if !equalIDs(rec.NodeIDs, others) {
			memberships[rec.ID] = others
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rematch scan for node %s: %w", nodeID, err)
	}

	// The node may have been deleted while the scan ran; its edges must
	// not be resurrected.
	if _, err := e.nodes.Get(ctx, nodeID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("node %s deleted during rematch: %w", nodeID, err)
		}
		return err
	}

	if err := e.edges.ReplaceForNode(ctx, nodeID, edges); err != nil {
		return fmt.Errorf("replace node edges: %w", err)
	}

	// A delete can still land between the check above and the write; the
	// existence check and the replacement are not one transaction. Verify
	// after the commit and take the edges back out if the node is gone.
	// The verification ignores the rematch cancellation so a canceled scan
	// cannot skip its own cleanup.
	verifyCtx := context.WithoutCancel(ctx)
	if _, err := e.nodes.Get(verifyCtx, nodeID); err != nil {
		if errors.Is(err, ErrNotFound) {
			if delErr := e.edges.DeleteForNode(verifyCtx, nodeID); delErr != nil {
				e.logger.Error("drop edges for deleted node", zap.String("node", nodeID), zap.Error(delErr))
			}
			return fmt.Errorf("node %s deleted during rematch: %w", nodeID, err)
		}
		return err
	}

	for id, nodeIDs := range memberships {
		if err := e.catalog.SetNodeMemberships(ctx, id, nodeIDs); err != nil {
			e.logger.Warn("set node memberships", zap.String("record", id), zap.Error(err))
		}
	}
	for range edges {
		metrics.ObserveMatchEdge("rematch")
	}

	e.logger.Info("rematch finished",
		zap.String("node", nodeID),
		zap.Int("edges", len(edges)),
	)
	return nil
}

// DeleteNode removes a node, cancels its in-flight rematch, and drops its
// edges.
func (e *Engine) DeleteNode(ctx context.Context, nodeID string) error {
	if err := e.nodes.Delete(ctx, nodeID); err != nil {
		return err
	}

	e.mu.Lock()
	if cancel, ok := e.rematches[nodeID]; ok {
		cancel()
		delete(e.rematches, nodeID)
	}
	e.mu.Unlock()

	if err := e.edges.DeleteForNode(ctx, nodeID); err != nil {
		return fmt.Errorf("delete node edges: %w", err)
	}
	return nil
}

func (e *Engine) trackRematch(nodeID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.rematches[nodeID]; ok {
		prev()
	}
	e.rematches[nodeID] = cancel
}

func (e *Engine) untrackRematch(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rematches, nodeID)
}

func withoutID(ids []string, drop string) []string {
	var out []string
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
