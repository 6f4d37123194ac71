package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/catalog"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

func roadWorksNode() Node {
	return Node{
		ID:         "node-obra",
		Name:       "Obra vial",
		Terms:      []string{"obra", "pavimentacion"},
		Exclusions: []string{"obra social"},
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
}

func recordTitled(id, title string) tender.CanonicalRecord {
	return tender.CanonicalRecord{
		ID:          id,
		Fingerprint: "fp-" + id,
		SourceID:    "src-a",
		Title:       title,
		Level:       tender.LevelDiscovered,
	}
}

func TestMatchSubstringSemantics(t *testing.T) {
	node := roadWorksNode()

	edge, ok := Match(node, recordTitled("r1", "Obra de pavimentación ruta 7"))
	require.True(t, ok)
	require.Equal(t, 2, edge.Score, "both terms hit despite the accent")
	require.Equal(t, []string{"obra", "pavimentacion"}, edge.Terms)

	_, ok = Match(node, recordTitled("r2", "Compra de insumos médicos"))
	require.False(t, ok)
}

func TestMatchExclusionVetoes(t *testing.T) {
	node := roadWorksNode()

	// "obra" matches, but the exclusion "obra social" vetoes it.
	_, ok := Match(node, recordTitled("r1", "Cobertura para la Obra Social provincial"))
	require.False(t, ok)

	// Without the exclusion phrase the same term matches.
	_, ok = Match(node, recordTitled("r2", "Obra de ampliación del hospital"))
	require.True(t, ok)
}

func newEngineFixture(t *testing.T) (*Engine, *MemoryNodeStore, *MemoryEdgeStore, *catalog.MemoryStore) {
	t.Helper()
	nodes := NewMemoryNodeStore()
	edges := NewMemoryEdgeStore()
	cat := catalog.NewMemoryStore()
	return NewEngine(nodes, edges, cat, zap.NewNop()), nodes, edges, cat
}

func TestEngineIncrementalMatchOnWrite(t *testing.T) {
	ctx := context.Background()
	engine, nodes, edges, cat := newEngineFixture(t)
	require.NoError(t, nodes.Save(ctx, roadWorksNode()))

	rec := recordTitled("r1", "Pavimentacion urbana etapa 2")
	require.NoError(t, cat.Upsert(ctx, rec))

	engine.RecordWritten(ctx, rec, true)

	got, err := edges.ListForRecord(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "node-obra", got[0].NodeID)

	stored, err := cat.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"node-obra"}, stored.NodeIDs)
}

func TestEngineIncrementalDropsStaleEdge(t *testing.T) {
	ctx := context.Background()
	engine, nodes, edges, cat := newEngineFixture(t)
	require.NoError(t, nodes.Save(ctx, roadWorksNode()))

	rec := recordTitled("r1", "Obra de bacheo")
	require.NoError(t, cat.Upsert(ctx, rec))
	engine.RecordWritten(ctx, rec, true)

	got, err := edges.ListForRecord(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A merge reveals the record is about the health insurer after all.
	rec.Title = "Obra Social provincial: cobertura integral"
	require.NoError(t, cat.Upsert(ctx, rec))
	engine.RecordWritten(ctx, rec, false)

	got, err = edges.ListForRecord(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, got, "the exclusion now vetoes; the edge is dropped")
}

func TestEngineRematchReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	engine, nodes, edges, cat := newEngineFixture(t)
	require.NoError(t, nodes.Save(ctx, roadWorksNode()))

	require.NoError(t, cat.Upsert(ctx, recordTitled("r1", "Pavimentacion ruta 7")))
	require.NoError(t, cat.Upsert(ctx, recordTitled("r2", "Insumos de laboratorio")))
	require.NoError(t, cat.Upsert(ctx, recordTitled("r3", "Obra hidraulica arroyo sur")))

	// A stale edge from an earlier definition of the node.
	require.NoError(t, edges.ReplaceForNode(ctx, "node-obra", []Edge{
		{NodeID: "node-obra", RecordID: "r2", Score: 1},
	}))

	require.NoError(t, engine.Rematch(ctx, "node-obra"))

	got, err := edges.ListForNode(ctx, "node-obra")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "r1", got[0].RecordID)
	require.Equal(t, "r3", got[1].RecordID)

	r1, err := cat.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"node-obra"}, r1.NodeIDs)
}

// gatedCatalog pauses the scan at its first record until the test releases
// it, so a concurrent operation can land mid-scan.
type gatedCatalog struct {
	catalog.Store
	scanStarted chan struct{}
	resume      chan struct{}
	once        sync.Once
}

func (s *gatedCatalog) Each(ctx context.Context, fn func(tender.CanonicalRecord) error) error {
	return s.Store.Each(ctx, func(rec tender.CanonicalRecord) error {
		s.once.Do(func() {
			close(s.scanStarted)
			<-s.resume
		})
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(rec)
	})
}

func TestEngineRematchDiscardsWhenNodeDeletedMidScan(t *testing.T) {
	ctx := context.Background()
	nodes := NewMemoryNodeStore()
	edges := NewMemoryEdgeStore()
	cat := &gatedCatalog{
		Store:       catalog.NewMemoryStore(),
		scanStarted: make(chan struct{}),
		resume:      make(chan struct{}),
	}
	engine := NewEngine(nodes, edges, cat, zap.NewNop())

	node := roadWorksNode()
	require.NoError(t, nodes.Save(ctx, node))
	require.NoError(t, cat.Upsert(ctx, recordTitled("r1", "Pavimentacion ruta 7")))

	done := make(chan error, 1)
	go func() {
		done <- engine.Rematch(context.Background(), node.ID)
	}()

	<-cat.scanStarted
	require.NoError(t, engine.DeleteNode(ctx, node.ID))
	close(cat.resume)

	require.ErrorIs(t, <-done, context.Canceled)

	got, err := edges.ListForNode(ctx, node.ID)
	require.NoError(t, err)
	require.Empty(t, got, "no edges committed for a node deleted mid-scan")
}

// gatedEdgeStore pauses ReplaceForNode until released, so a delete can
// land between the engine's existence check and the edge write.
type gatedEdgeStore struct {
	*MemoryEdgeStore
	replaceEntered chan struct{}
	release        chan struct{}
}

func (s *gatedEdgeStore) ReplaceForNode(ctx context.Context, nodeID string, edges []Edge) error {
	close(s.replaceEntered)
	<-s.release
	return s.MemoryEdgeStore.ReplaceForNode(ctx, nodeID, edges)
}

func TestEngineRematchDropsEdgesWhenDeleteLandsLate(t *testing.T) {
	ctx := context.Background()
	nodes := NewMemoryNodeStore()
	inner := NewMemoryEdgeStore()
	gated := &gatedEdgeStore{
		MemoryEdgeStore: inner,
		replaceEntered:  make(chan struct{}),
		release:         make(chan struct{}),
	}
	cat := catalog.NewMemoryStore()
	engine := NewEngine(nodes, gated, cat, zap.NewNop())

	node := roadWorksNode()
	require.NoError(t, nodes.Save(ctx, node))
	require.NoError(t, cat.Upsert(ctx, recordTitled("r1", "Pavimentacion ruta 7")))

	done := make(chan error, 1)
	go func() {
		done <- engine.Rematch(context.Background(), node.ID)
	}()

	// The delete lands after the existence check passed, while the edge
	// write is on its way in.
	<-gated.replaceEntered
	require.NoError(t, engine.DeleteNode(ctx, node.ID))
	close(gated.release)

	require.ErrorIs(t, <-done, ErrNotFound)

	got, err := inner.ListForNode(ctx, node.ID)
	require.NoError(t, err)
	require.Empty(t, got, "edges written for a deleted node are taken back out")
}

func TestEngineRematchCancellable(t *testing.T) {
	engine, nodes, _, cat := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, nodes.Save(ctx, roadWorksNode()))
	require.NoError(t, cat.Upsert(ctx, recordTitled("r1", "Pavimentacion ruta 7")))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := engine.Rematch(canceled, "node-obra")
	require.ErrorIs(t, err, context.Canceled)
}

func TestEngineDeleteNodeDropsEdges(t *testing.T) {
	ctx := context.Background()
	engine, nodes, edges, cat := newEngineFixture(t)
	require.NoError(t, nodes.Save(ctx, roadWorksNode()))

	rec := recordTitled("r1", "Obra de bacheo")
	require.NoError(t, cat.Upsert(ctx, rec))
	engine.RecordWritten(ctx, rec, true)

	require.NoError(t, engine.DeleteNode(ctx, "node-obra"))

	got, err := edges.ListForNode(ctx, "node-obra")
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = nodes.Get(ctx, "node-obra")
	require.ErrorIs(t, err, ErrNotFound)
}
