// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal    *prometheus.CounterVec
	recordsResolvedTotal *prometheus.CounterVec
	sessionsTotal        *prometheus.CounterVec
	enrichmentTotal      *prometheus.CounterVec
	matchEdgesTotal      *prometheus.CounterVec
	relayWaitSeconds     prometheus.Histogram
	enrichQueueDepth     prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_pages_fetched_total",
				Help: "Total result pages fetched, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		recordsResolvedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_records_resolved_total",
				Help: "Raw records passed through identity resolution, labeled by outcome (created, merged, conflict).",
			},
			[]string{"outcome"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_crawl_sessions_total",
				Help: "Crawl sessions finished, labeled by source and terminal state.",
			},
			[]string{"source", "state"},
		)

		enrichmentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_enrichment_jobs_total",
				Help: "Enrichment job outcomes, labeled by target level and outcome.",
			},
			[]string{"level", "outcome"},
		)

		matchEdgesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_match_edges_total",
				Help: "Match edges written, labeled by trigger (incremental, rematch).",
			},
			[]string{"trigger"},
		)

		relayWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_relay_wait_seconds",
				Help:    "Time spent waiting for a relay egress slot.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		enrichQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_enrich_queue_depth",
				Help: "Enrichment jobs currently queued.",
			},
		)
	})
}

// ObservePageFetch records one page fetch attempt for a source.
func ObservePageFetch(source, outcome string) {
	if pagesFetchedTotal != nil {
		pagesFetchedTotal.WithLabelValues(source, outcome).Inc()
	}
}

// ObserveResolution records an identity resolution outcome.
func ObserveResolution(outcome string) {
	if recordsResolvedTotal != nil {
		recordsResolvedTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveSession records a finished crawl session.
func ObserveSession(source, state string) {
	if sessionsTotal != nil {
		sessionsTotal.WithLabelValues(source, state).Inc()
	}
}

// ObserveEnrichment records an enrichment job outcome for a level.
func ObserveEnrichment(level, outcome string) {
	if enrichmentTotal != nil {
		enrichmentTotal.WithLabelValues(level, outcome).Inc()
	}
}

// ObserveMatchEdge records a written match edge.
func ObserveMatchEdge(trigger string) {
	if matchEdgesTotal != nil {
		matchEdgesTotal.WithLabelValues(trigger).Inc()
	}
}

// ObserveRelayWait records time spent waiting on the relay slot.
func ObserveRelayWait(seconds float64) {
	if relayWaitSeconds != nil {
		relayWaitSeconds.Observe(seconds)
	}
}

// SetEnrichQueueDepth publishes the current queue depth.
func SetEnrichQueueDepth(n int) {
	if enrichQueueDepth != nil {
		enrichQueueDepth.Set(float64(n))
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
