package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validSource(id string) SourceConfig {
	return SourceConfig{
		ID:         id,
		Name:       "Portal " + id,
		BaseURL:    "https://compras.example.gob/licitaciones",
		Capability: CapStaticMarkup,
		Rules: []ExtractionRule{
			{Field: "title", Locator: "h3.titulo"},
			{Field: "tender_number", Locator: "span.expediente"},
		},
		ItemLocator: "div.licitacion",
		Pagination:  PaginationRule{Kind: PageByNextLocator, NextLocator: "a.siguiente"},
		Egress:      EgressDirect,
		Active:      true,
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, validSource("src-a").Validate())
}

func TestValidateRejectsEmptyFieldName(t *testing.T) {
	cfg := validSource("src-a")
	cfg.Rules[0].Field = "  "
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMalformedPagination(t *testing.T) {
	cfg := validSource("src-a")
	cfg.Pagination = PaginationRule{Kind: PageByOffset} // missing param and size
	require.Error(t, cfg.Validate())

	cfg.Pagination = PaginationRule{Kind: "spiral"}
	require.Error(t, cfg.Validate())
}

func TestValidateAntiBotRequiresRelay(t *testing.T) {
	cfg := validSource("src-a")
	cfg.Capability = CapAntiBot
	cfg.Egress = EgressDirect
	require.Error(t, cfg.Validate())

	cfg.Egress = EgressRelayed
	require.NoError(t, cfg.Validate())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Save(ctx, validSource("src-a")))
	inactive := validSource("src-b")
	inactive.Active = false
	require.NoError(t, store.Save(ctx, inactive))

	active, err := store.ActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "src-a", active[0].ID)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	at := time.Now().UTC()
	require.NoError(t, store.MarkRun(ctx, "src-a", at))
	got, err := store.Get(ctx, "src-a")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.Equal(t, at, *got.LastRunAt)
}

func TestMemoryStoreSaveRejectsInvalid(t *testing.T) {
	store := NewMemoryStore()
	bad := validSource("src-a")
	bad.Rules = nil
	require.Error(t, store.Save(context.Background(), bad), "malformed configs must fail at save time, not crawl time")
}

func TestFlagForReviewLeavesEgressAlone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, validSource("src-a")))

	require.NoError(t, store.FlagForReview(ctx, "src-a", "challenge page on page 3"))
	got, err := store.Get(ctx, "src-a")
	require.NoError(t, err)
	require.True(t, got.ReviewRequested)
	require.Equal(t, "challenge page on page 3", got.ReviewReason)
	require.Equal(t, EgressDirect, got.Egress, "review flagging must not auto-toggle egress policy")
}
