// Package match links canonical records to user-defined semantic nodes.
//
// A node is a named concept ("obra vial", "equipamiento hospitalario")
// defined by search terms and exclusion terms. Matching is text-based:
// a record matches when any term appears in its search text and no
// exclusion term does.
package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Node is one semantic concept to track across the catalog.
type Node struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Terms      []string  `json:"terms"`
	Exclusions []string  `json:"exclusions,omitempty"`
	Color      string    `json:"color,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate rejects unusable node definitions at save time.
func (n Node) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("node name is required")
	}
	if len(n.Terms) == 0 {
		return fmt.Errorf("node %q: at least one term is required", n.Name)
	}
	for _, term := range n.Terms {
		if strings.TrimSpace(term) == "" {
			return fmt.Errorf("node %q: empty term", n.Name)
		}
	}
	for _, excl := range n.Exclusions {
		if strings.TrimSpace(excl) == "" {
			return fmt.Errorf("node %q: empty exclusion term", n.Name)
		}
	}
	return nil
}

// Edge is one node-record association with its matching evidence.
type Edge struct {
	NodeID    string    `json:"node_id"`
	RecordID  string    `json:"record_id"`
	Score     int       `json:"score"`
	Terms     []string  `json:"terms"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when a node id is unknown.
var ErrNotFound = errors.New("node not found")

// NodeStore persists node definitions.
type NodeStore interface {
	List(ctx context.Context) ([]Node, error)
	Active(ctx context.Context) ([]Node, error)
	Get(ctx context.Context, id string) (Node, error)
	Save(ctx context.Context, node Node) error
	Delete(ctx context.Context, id string) error
}

// EdgeStore persists node-record edges. Replacements are wholesale per
// node or per record so a reader never sees a half-updated association set.
type EdgeStore interface {
	ReplaceForRecord(ctx context.Context, recordID string, edges []Edge) error
	ReplaceForNode(ctx context.Context, nodeID string, edges []Edge) error
	ListForNode(ctx context.Context, nodeID string) ([]Edge, error)
	ListForRecord(ctx context.Context, recordID string) ([]Edge, error)
	DeleteForNode(ctx context.Context, nodeID string) error
}
