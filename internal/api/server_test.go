package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/catalog"
	"github.com/martinsantos/licitometro-sub001/internal/enrich"
	"github.com/martinsantos/licitometro-sub001/internal/match"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

type stubEscalator struct {
	err error
	ids []string
}

func (s *stubEscalator) RequestEscalation(_ context.Context, id string) error {
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, id)
	return nil
}

type apiFixture struct {
	server    *httptest.Server
	catalog   *catalog.MemoryStore
	sources   *registry.MemoryStore
	nodes     *match.MemoryNodeStore
	edges     *match.MemoryEdgeStore
	escalator *stubEscalator
}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	cat := catalog.NewMemoryStore()
	sources := registry.NewMemoryStore()
	nodes := match.NewMemoryNodeStore()
	edges := match.NewMemoryEdgeStore()
	matcher := match.NewEngine(nodes, edges, cat, zap.NewNop())
	escalator := &stubEscalator{}

	srv := NewServer(cfg, cat, sources, nodes, edges, matcher, escalator, nil, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{
		server:    ts,
		catalog:   cat,
		sources:   sources,
		nodes:     nodes,
		edges:     edges,
		escalator: escalator,
	}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	fx := newAPIFixture(t, Config{})

	resp, err := http.Get(fx.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fx.server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	fx := newAPIFixture(t, Config{AuthEnabled: true, APIKey: "secreto"})

	resp, err := http.Get(fx.server.URL + "/v1/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, fx.server.URL+"/v1/nodes", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secreto")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open regardless of auth.
	resp, err = http.Get(fx.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetRecord(t *testing.T) {
	fx := newAPIFixture(t, Config{})
	rec := tender.CanonicalRecord{
		ID:          "id-1",
		Fingerprint: "fp-1",
		SourceID:    "src-a",
		Title:       "Pavimentacion ruta 7",
		Level:       tender.LevelDiscovered,
	}
	require.NoError(t, fx.catalog.Upsert(context.Background(), rec))

	resp := doJSON(t, http.MethodGet, fx.server.URL+"/v1/records/id-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got tender.CanonicalRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "Pavimentacion ruta 7", got.Title)

	resp = doJSON(t, http.MethodGet, fx.server.URL+"/v1/records/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEscalateRecord(t *testing.T) {
	fx := newAPIFixture(t, Config{})

	resp := doJSON(t, http.MethodPost, fx.server.URL+"/v1/records/id-1/escalate", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{"id-1"}, fx.escalator.ids)

	fx.escalator.err = enrich.ErrAlreadyComplete
	resp = doJSON(t, http.MethodPost, fx.server.URL+"/v1/records/id-1/escalate", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	fx.escalator.err = catalog.ErrNotFound
	resp = doJSON(t, http.MethodPost, fx.server.URL+"/v1/records/missing/escalate", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNodeCRUDAndRematch(t *testing.T) {
	fx := newAPIFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, fx.catalog.Upsert(ctx, tender.CanonicalRecord{
		ID: "r1", Fingerprint: "fp-r1", SourceID: "src-a",
		Title: "Obra de pavimentacion", Level: tender.LevelDiscovered,
	}))

	// Create.
	resp := doJSON(t, http.MethodPost, fx.server.URL+"/v1/nodes", match.Node{
		Name:  "Obra vial",
		Terms: []string{"pavimentacion"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created match.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID, "server assigns the id")
	require.True(t, created.Active, "a node without an explicit active flag starts matching")

	// Only an explicit false creates a disabled node.
	resp = doJSON(t, http.MethodPost, fx.server.URL+"/v1/nodes", map[string]any{
		"name":   "Equipamiento",
		"terms":  []string{"equipamiento"},
		"active": false,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var dormant match.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dormant))
	require.False(t, dormant.Active)

	// Invalid definitions are rejected.
	resp = doJSON(t, http.MethodPost, fx.server.URL+"/v1/nodes", match.Node{Name: "sin terminos"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Update preserves creation time.
	update := created
	update.Active = true
	resp = doJSON(t, http.MethodPut, fx.server.URL+"/v1/nodes/"+created.ID, update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated match.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	require.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())
	require.True(t, updated.Active)

	// Rematch runs detached and lands edges.
	resp = doJSON(t, http.MethodPost, fx.server.URL+"/v1/nodes/"+created.ID+"/rematch", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		edges, err := fx.edges.ListForNode(ctx, created.ID)
		return err == nil && len(edges) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Delete drops the node and its edges.
	resp = doJSON(t, http.MethodDelete, fx.server.URL+"/v1/nodes/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	edges, err := fx.edges.ListForNode(ctx, created.ID)
	require.NoError(t, err)
	require.Empty(t, edges)

	resp = doJSON(t, http.MethodPost, fx.server.URL+"/v1/nodes/missing/rematch", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListUnresolved(t *testing.T) {
	fx := newAPIFixture(t, Config{})
	require.NoError(t, fx.catalog.HoldUnresolved(context.Background(), tender.UnresolvedRecord{
		ID: "u-1", Fingerprint: "fp-1", Reason: "organization mismatch",
	}))

	resp := doJSON(t, http.MethodGet, fx.server.URL+"/v1/unresolved", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var held []tender.UnresolvedRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&held))
	require.Len(t, held, 1)
	require.Equal(t, "organization mismatch", held[0].Reason)
}

func TestSourceEndpoints(t *testing.T) {
	fx := newAPIFixture(t, Config{})

	valid := registry.SourceConfig{
		ID:         "src-a",
		Name:       "Portal A",
		BaseURL:    "https://portal.example/licitaciones",
		Capability: registry.CapStaticMarkup,
		Egress:     registry.EgressDirect,
		Rules:      []registry.ExtractionRule{{Field: "title", Locator: "h3 a"}},
		Pagination: registry.PaginationRule{Kind: registry.PageNone},
		Active:     true,
	}
	resp := doJSON(t, http.MethodPost, fx.server.URL+"/v1/sources", valid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	invalid := valid
	invalid.ID = "src-b"
	invalid.Capability = registry.CapAntiBot // direct egress forbidden
	resp = doJSON(t, http.MethodPost, fx.server.URL+"/v1/sources", invalid)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, fx.server.URL+"/v1/sources", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sources []registry.SourceConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sources))
	require.Len(t, sources, 1)
}
