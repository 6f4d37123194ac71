package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/martinsantos/licitometro-sub001/internal/egress"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
)

// Runner fans crawl sessions out over the active sources, bounded by a
// semaphore so a large registry cannot exhaust the host.
type Runner struct {
	engine   *Engine
	registry registry.Store
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewRunner builds a Runner with the given concurrency bound.
func NewRunner(engine *Engine, store registry.Store, concurrency int, logger *zap.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{
		engine:   engine,
		registry: store,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   logger,
	}
}

// RunAll crawls every active source once and returns the per-source
// summaries. A blocked source is flagged for operator review; the egress
// policy is left alone — switching to relayed is a manual decision.
func (r *Runner) RunAll(ctx context.Context, sink Sink) ([]Summary, error) {
	sources, err := r.registry.ActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}

	summaries := make([]Summary, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return summaries[:i], err
		}
		wg.Add(1)
		go func(i int, src registry.SourceConfig) {
			defer wg.Done()
			defer r.sem.Release(1)
			summaries[i] = r.runOne(ctx, src, sink)
		}(i, src)
	}
	wg.Wait()
	return summaries, nil
}

// RunSource crawls a single source by id.
func (r *Runner) RunSource(ctx context.Context, id string, sink Sink) (Summary, error) {
	src, err := r.registry.Get(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("load source %s: %w", id, err)
	}
	return r.runOne(ctx, src, sink), nil
}

func (r *Runner) runOne(ctx context.Context, src registry.SourceConfig, sink Sink) Summary {
	summary := r.engine.Run(ctx, src, sink)

	if err := r.registry.MarkRun(ctx, src.ID, time.Now().UTC()); err != nil {
		r.logger.Warn("mark run failed", zap.String("source", src.ID), zap.Error(err))
	}
	if summary.Err != nil && errors.Is(summary.Err, egress.ErrBlocked) {
		reason := fmt.Sprintf("blocking signature detected: %v", summary.Err)
		if err := r.registry.FlagForReview(ctx, src.ID, reason); err != nil {
			r.logger.Warn("flag for review failed", zap.String("source", src.ID), zap.Error(err))
		}
	}
	return summary
}
