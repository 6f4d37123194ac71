package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/adapter"
	"github.com/martinsantos/licitometro-sub001/internal/egress"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// scriptedAdapter returns one canned page per FetchPage call.
type scriptedAdapter struct {
	pages [][]tender.RawRecord
	errs  []error
	calls int
}

func (a *scriptedAdapter) FetchPage(
	_ context.Context,
	src registry.SourceConfig,
	_ *adapter.Cursor,
) ([]tender.RawRecord, *adapter.Cursor, error) {
	i := a.calls
	a.calls++
	if i < len(a.errs) && a.errs[i] != nil {
		return nil, nil, a.errs[i]
	}
	if i >= len(a.pages) {
		return nil, nil, nil
	}
	var next *adapter.Cursor
	if i+1 < len(a.pages) {
		next = &adapter.Cursor{PageNum: i + 2}
	}
	return a.pages[i], next, nil
}

type collectSink struct {
	items []tender.RawRecord
	fail  error
}

func (s *collectSink) Consume(_ context.Context, raw tender.RawRecord) error {
	if s.fail != nil {
		return s.fail
	}
	s.items = append(s.items, raw)
	return nil
}

func testEngine(t *testing.T, scripted adapter.Adapter) *Engine {
	t.Helper()
	engine := NewEngine(adapter.Deps{}, adapter.NewRetryPolicy(2), Limits{QPS: 1000}, zap.NewNop())
	engine.forSource = func(registry.SourceConfig, adapter.Deps) (adapter.Adapter, error) {
		return scripted, nil
	}
	return engine
}

func testSource(id string) registry.SourceConfig {
	return registry.SourceConfig{
		ID:         id,
		Name:       id,
		BaseURL:    "https://portal.example/licitaciones",
		Capability: registry.CapStaticMarkup,
		Egress:     registry.EgressDirect,
		Active:     true,
	}
}

func rawItem(n int) tender.RawRecord {
	return tender.RawRecord{
		SourceID:     "src-a",
		TenderNumber: fmt.Sprintf("E-2026-%03d", n),
		Title:        fmt.Sprintf("Licitacion %d", n),
	}
}

func TestEngineRunWalksAllPages(t *testing.T) {
	scripted := &scriptedAdapter{pages: [][]tender.RawRecord{
		{rawItem(1), rawItem(2)},
		{rawItem(3)},
	}}
	sink := &collectSink{}

	summary := testEngine(t, scripted).Run(context.Background(), testSource("src-a"), sink)

	require.Equal(t, StateCompleted, summary.State)
	require.NoError(t, summary.Err)
	require.Equal(t, 2, summary.Pages)
	require.Equal(t, 3, summary.Items)
	require.Len(t, sink.items, 3)
}

func TestEngineRunStopsAtItemCeiling(t *testing.T) {
	scripted := &scriptedAdapter{pages: [][]tender.RawRecord{
		{rawItem(1), rawItem(2), rawItem(3)},
		{rawItem(4)},
	}}
	sink := &collectSink{}
	src := testSource("src-a")
	src.MaxItems = 2

	summary := testEngine(t, scripted).Run(context.Background(), src, sink)

	require.Equal(t, StateCompleted, summary.State)
	require.Equal(t, 2, summary.Items)
	require.Equal(t, 1, summary.Pages, "ceiling reached mid-page stops pagination")
}

func TestEngineRunPartialProgressSurvivesFailure(t *testing.T) {
	scripted := &scriptedAdapter{
		pages: [][]tender.RawRecord{{rawItem(1), rawItem(2)}, nil},
		errs:  []error{nil, egress.ErrBlocked},
	}
	sink := &collectSink{}

	summary := testEngine(t, scripted).Run(context.Background(), testSource("src-a"), sink)

	require.Equal(t, StateFailed, summary.State)
	require.ErrorIs(t, summary.Err, egress.ErrBlocked)
	require.Len(t, sink.items, 2, "records emitted before the failure are kept")
}

func TestEngineRunRetriesTransientFetch(t *testing.T) {
	// Errors on the first call, serves the page on the second.
	scripted := &scriptedAdapter{
		pages: [][]tender.RawRecord{nil, {rawItem(1)}},
		errs:  []error{errors.New("connection reset")},
	}
	sink := &collectSink{}
	summary := testEngine(t, scripted).Run(context.Background(), testSource("src-a"), sink)

	require.Equal(t, StateCompleted, summary.State)
	require.Equal(t, 2, scripted.calls)
	require.Len(t, sink.items, 1)
}

func TestEngineRunSinkErrorsDoNotAbort(t *testing.T) {
	scripted := &scriptedAdapter{pages: [][]tender.RawRecord{{rawItem(1), rawItem(2)}}}
	sink := &collectSink{fail: errors.New("resolver unavailable")}

	summary := testEngine(t, scripted).Run(context.Background(), testSource("src-a"), sink)

	require.Equal(t, StateCompleted, summary.State)
	require.Equal(t, 2, summary.SinkErrors)
}
