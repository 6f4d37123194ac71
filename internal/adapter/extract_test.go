package adapter

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/martinsantos/licitometro-sub001/internal/registry"
)

const listingHTML = `
<html><body>
  <div class="licitacion">
    <h3 class="titulo">Construcción de escuela rural</h3>
    <span class="expediente">E-2026-004</span>
    <span class="organismo">Ministerio de Educación</span>
    <span class="presupuesto">$ 1.500.000,50</span>
    <span class="fecha">14/03/2026</span>
    <a class="detalle" href="/licitaciones/ver?id=abc">detalle</a>
  </div>
  <div class="licitacion">
    <h3 class="titulo">Provisión de insumos médicos</h3>
    <span class="expediente"></span>
    <span class="organismo">Ministerio de Salud</span>
  </div>
  <div class="licitacion"></div>
  <a class="siguiente" href="/licitaciones?page=2">siguiente</a>
</body></html>`

func markupSource() registry.SourceConfig {
	return registry.SourceConfig{
		ID:          "src-markup",
		BaseURL:     "https://compras.example.gob/licitaciones",
		Capability:  registry.CapStaticMarkup,
		ItemLocator: "div.licitacion",
		Rules: []registry.ExtractionRule{
			{Field: "title", Locator: "h3.titulo"},
			{Field: "tender_number", Locator: "span.expediente"},
			{Field: "organization", Locator: "span.organismo"},
			{Field: "budget", Locator: "span.presupuesto"},
			{Field: "published_at", Locator: "span.fecha"},
			{Field: "detail_url", Locator: "a.detalle", Attr: "href"},
		},
		Pagination: registry.PaginationRule{Kind: registry.PageByNextLocator, NextLocator: "a.siguiente"},
		Egress:     registry.EgressDirect,
		Active:     true,
	}
}

func TestExtractMarkupItems(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(listingHTML))
	require.NoError(t, err)

	now := time.Now().UTC()
	items := extractMarkupItems(markupSource(), doc, now)
	require.Len(t, items, 2, "the empty container must be dropped")

	first := items[0]
	require.Equal(t, "Construcción de escuela rural", first.Title)
	require.Equal(t, "E-2026-004", first.TenderNumber)
	require.Equal(t, "Ministerio de Educación", first.Organization)
	require.NotNil(t, first.Budget)
	require.InDelta(t, 1500000.50, *first.Budget, 0.001)
	require.NotNil(t, first.PublishedAt)
	require.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), *first.PublishedAt)
	require.Equal(t, "/licitaciones/ver?id=abc", first.DetailURL)
	require.Equal(t, now, first.FetchedAt)

	second := items[1]
	require.Equal(t, "Provisión de insumos médicos", second.Title)
	require.Empty(t, second.TenderNumber, "missing locator hit leaves the field null, does not abort")
	require.Nil(t, second.Budget)
}

func TestNextFromLocatorResolvesRelative(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(listingHTML))
	require.NoError(t, err)

	cursor := &Cursor{PageURL: "https://compras.example.gob/licitaciones", PageNum: 1}
	next := nextFromLocator(markupSource(), doc, cursor)
	require.NotNil(t, next)
	require.Equal(t, "https://compras.example.gob/licitaciones?page=2", next.PageURL)
	require.Equal(t, 2, next.PageNum)
}

func TestNextFromLocatorExhausted(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body></body></html>"))
	require.NoError(t, err)
	require.Nil(t, nextFromLocator(markupSource(), doc, &Cursor{PageURL: "https://x.example/", PageNum: 3}))
}

func TestParseBudget(t *testing.T) {
	for raw, want := range map[string]float64{
		"$ 1.500.000,50": 1500000.50,
		"1,500,000.50":   1500000.50,
		"ARS 42000":      42000,
		"150000":         150000,
	} {
		amount, ok := parseBudget(raw)
		require.True(t, ok, raw)
		require.InDelta(t, want, amount, 0.001, raw)
	}
	_, ok := parseBudget("a convenir")
	require.False(t, ok)
}
