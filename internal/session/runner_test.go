package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/egress"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

func savedSource(t *testing.T, store registry.Store, id string) registry.SourceConfig {
	t.Helper()
	src := testSource(id)
	src.Rules = []registry.ExtractionRule{{Field: "title", Locator: "h3 a"}}
	src.ItemLocator = "div.listing"
	src.Pagination = registry.PaginationRule{Kind: registry.PageNone}
	require.NoError(t, store.Save(context.Background(), src))
	return src
}

func TestRunnerRunAllCrawlsEveryActiveSource(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	savedSource(t, store, "src-a")
	savedSource(t, store, "src-b")

	inactive := testSource("src-c")
	inactive.Rules = []registry.ExtractionRule{{Field: "title", Locator: "h3 a"}}
	inactive.Active = false
	require.NoError(t, store.Save(ctx, inactive))

	engine := testEngine(t, &scriptedAdapter{pages: [][]tender.RawRecord{{rawItem(1)}}})
	runner := NewRunner(engine, store, 2, zap.NewNop())

	sink := &collectSink{}
	summaries, err := runner.RunAll(ctx, sink)
	require.NoError(t, err)
	require.Len(t, summaries, 2, "inactive sources are skipped")

	for _, src := range []string{"src-a", "src-b"} {
		cfg, err := store.Get(ctx, src)
		require.NoError(t, err)
		require.NotNil(t, cfg.LastRunAt, "every crawled source records its run")
	}
}

func TestRunnerFlagsBlockedSourceForReview(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	savedSource(t, store, "src-a")

	engine := testEngine(t, &scriptedAdapter{errs: []error{egress.ErrBlocked}})
	runner := NewRunner(engine, store, 1, zap.NewNop())

	summary, err := runner.RunSource(ctx, "src-a", &collectSink{})
	require.NoError(t, err)
	require.Equal(t, StateFailed, summary.State)

	cfg, err := store.Get(ctx, "src-a")
	require.NoError(t, err)
	require.True(t, cfg.ReviewRequested, "blocking flags the source for review")
	require.Contains(t, cfg.ReviewReason, "blocking signature")
	require.Equal(t, registry.EgressDirect, cfg.Egress, "egress policy is never auto-toggled")
}

func TestRunnerRunSourceUnknownID(t *testing.T) {
	store := registry.NewMemoryStore()
	engine := testEngine(t, &scriptedAdapter{})
	runner := NewRunner(engine, store, 1, zap.NewNop())

	_, err := runner.RunSource(context.Background(), "missing", &collectSink{})
	require.ErrorIs(t, err, registry.ErrNotFound)
}
