// Package session drives one crawl of one source through its adapter,
// emitting raw records incrementally so partial progress survives a
// mid-crawl failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/martinsantos/licitometro-sub001/internal/adapter"
	"github.com/martinsantos/licitometro-sub001/internal/egress"
	"github.com/martinsantos/licitometro-sub001/internal/metrics"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// State is a crawl session's position in its lifecycle.
type State string

// Session states. A session moves Idle → Fetching → Extracting, looping
// back to Fetching while pages remain, and terminates in Completed or
// Failed.
const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateExtracting State = "extracting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Sink consumes raw records as each page is extracted. A sink error is
// recorded but does not abort the session; the remaining items on the
// page still flow through.
type Sink interface {
	Consume(ctx context.Context, raw tender.RawRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, raw tender.RawRecord) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, raw tender.RawRecord) error {
	return f(ctx, raw)
}

// Limits are engine-wide defaults applied when a source config leaves its
// own ceilings unset.
type Limits struct {
	MaxPages int
	MaxItems int
	QPS      float64
}

// Summary reports what one session did.
type Summary struct {
	SourceID   string
	State      State
	Pages      int
	Items      int
	SinkErrors int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Engine runs crawl sessions. Pages within one session are strictly
// sequential; concurrency lives at the Runner level across sources.
type Engine struct {
	deps     adapter.Deps
	retry    *adapter.RetryPolicy
	defaults Limits
	logger   *zap.Logger

	// forSource is swapped in tests to inject a scripted adapter.
	forSource func(registry.SourceConfig, adapter.Deps) (adapter.Adapter, error)
}

// NewEngine builds an Engine over shared adapter dependencies.
func NewEngine(deps adapter.Deps, retry *adapter.RetryPolicy, defaults Limits, logger *zap.Logger) *Engine {
	if defaults.MaxPages <= 0 {
		defaults.MaxPages = 20
	}
	if defaults.MaxItems <= 0 {
		defaults.MaxItems = 500
	}
	if defaults.QPS <= 0 {
		defaults.QPS = 1.0
	}
	return &Engine{
		deps:      deps,
		retry:     retry,
		defaults:  defaults,
		logger:    logger,
		forSource: adapter.ForSource,
	}
}

// Run crawls one source to exhaustion, ceiling, or failure.
func (e *Engine) Run(ctx context.Context, src registry.SourceConfig, sink Sink) Summary {
	summary := Summary{SourceID: src.ID, State: StateIdle, StartedAt: time.Now().UTC()}

	ad, err := e.forSource(src, e.deps)
	if err != nil {
		return e.fail(summary, fmt.Errorf("build adapter: %w", err))
	}
	if closer, ok := ad.(io.Closer); ok {
		defer closer.Close()
	}

	maxPages := src.MaxPages
	if maxPages <= 0 {
		maxPages = e.defaults.MaxPages
	}
	maxItems := src.MaxItems
	if maxItems <= 0 {
		maxItems = e.defaults.MaxItems
	}
	qps := src.RequestsPerSec
	if qps <= 0 {
		qps = e.defaults.QPS
	}
	limiter := rate.NewLimiter(rate.Limit(qps), 1)

	var cursor *adapter.Cursor
	for page := 0; page < maxPages; page++ {
		summary.State = StateFetching
		if err := limiter.Wait(ctx); err != nil {
			return e.fail(summary, err)
		}

		items, next, err := e.fetchPage(ctx, ad, src, cursor)
		if err != nil {
			metrics.ObservePageFetch(src.ID, "error")
			return e.fail(summary, err)
		}
		metrics.ObservePageFetch(src.ID, "ok")
		summary.Pages++

		summary.State = StateExtracting
		for _, raw := range items {
			if summary.Items >= maxItems {
				break
			}
			summary.Items++
			if err := sink.Consume(ctx, raw); err != nil {
				summary.SinkErrors++
				e.logger.Warn("sink rejected raw record",
					zap.String("source", src.ID),
					zap.Error(err),
				)
			}
		}

		if next == nil || summary.Items >= maxItems {
			break
		}
		cursor = next
	}

	summary.State = StateCompleted
	summary.FinishedAt = time.Now().UTC()
	metrics.ObserveSession(src.ID, string(StateCompleted))
	e.logger.Info("crawl session completed",
		zap.String("source", src.ID),
		zap.Int("pages", summary.Pages),
		zap.Int("items", summary.Items),
	)
	return summary
}

// fetchPage retries transient fetch failures per the retry policy.
// Blocking signatures and context errors are surfaced immediately.
func (e *Engine) fetchPage(
	ctx context.Context,
	ad adapter.Adapter,
	src registry.SourceConfig,
	cursor *adapter.Cursor,
) ([]tender.RawRecord, *adapter.Cursor, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		items, next, err := ad.FetchPage(ctx, src, cursor)
		if err == nil {
			return items, next, nil
		}
		lastErr = err
		if !e.retry.ShouldRetry(err, attempt+1) {
			return nil, nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(e.retry.Backoff(attempt)):
		}
	}
}

func (e *Engine) fail(summary Summary, err error) Summary {
	summary.State = StateFailed
	summary.Err = err
	summary.FinishedAt = time.Now().UTC()
	metrics.ObserveSession(summary.SourceID, string(StateFailed))
	e.logger.Error("crawl session failed",
		zap.String("source", summary.SourceID),
		zap.Int("pages", summary.Pages),
		zap.Int("items", summary.Items),
		zap.Bool("blocked", errors.Is(err, egress.ErrBlocked)),
		zap.Error(err),
	)
	return summary
}
