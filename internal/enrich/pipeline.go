package enrich

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/catalog"
	"github.com/martinsantos/licitometro-sub001/internal/metrics"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// ErrAlreadyComplete is returned when an escalation targets a record that
// has nothing left to enrich.
var ErrAlreadyComplete = errors.New("record already at the highest level")

// Options bound the pipeline's retry and worker behavior.
type Options struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Minute
	}
}

// Pipeline consumes the job queue with a fixed worker pool, separate from
// the crawl pool so slow document downloads never starve discovery.
type Pipeline struct {
	queue   *Queue
	catalog catalog.Store
	sources registry.Store
	fetcher *Fetcher
	opts    Options
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewPipeline builds a Pipeline.
func NewPipeline(queue *Queue, cat catalog.Store, sources registry.Store, fetcher *Fetcher, opts Options, logger *zap.Logger) *Pipeline {
	opts.applyDefaults()
	return &Pipeline{
		queue:   queue,
		catalog: cat,
		sources: sources,
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
	}
}

// Start launches the worker pool. Workers exit when ctx ends.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// RecordWritten schedules the next enrichment level after each canonical
// write. Records carrying a terminal failure note are not rescheduled; a
// manual escalation clears the way instead.
func (p *Pipeline) RecordWritten(_ context.Context, rec tender.CanonicalRecord, created bool) {
	if rec.Level >= tender.LevelComplete || rec.Archived {
		return
	}
	if !created && rec.LevelFailure != "" {
		return
	}
	job := Job{RecordID: rec.ID, TargetLevel: rec.Level + 1}
	if err := p.queue.Enqueue(job); err != nil {
		p.logger.Warn("enrichment backlog full, job dropped",
			zap.String("record", rec.ID),
			zap.Int("target_level", int(job.TargetLevel)),
		)
	}
}

// RequestEscalation jumps a record to the front of the queue. It is wired
// to the operator's favorite signal and also restarts records whose retry
// budget was exhausted.
func (p *Pipeline) RequestEscalation(ctx context.Context, recordID string) error {
	rec, err := p.catalog.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Level >= tender.LevelComplete {
		return ErrAlreadyComplete
	}
	return p.queue.EnqueuePriority(Job{RecordID: rec.ID, TargetLevel: rec.Level + 1})
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if !p.waitUntil(ctx, job.NextAttemptAt) {
			return
		}
		if err := p.process(ctx, job); err != nil {
			p.handleFailure(ctx, job, err)
		}
	}
}

func (p *Pipeline) waitUntil(ctx context.Context, at time.Time) bool {
	delay := time.Until(at)
	if delay <= 0 {
		return true
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) error {
	rec, err := p.catalog.Get(ctx, job.RecordID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if rec.Archived || rec.Level >= job.TargetLevel {
		return nil
	}

	src, err := p.sources.Get(ctx, rec.SourceID)
	if err != nil {
		return fmt.Errorf("load source %s: %w", rec.SourceID, err)
	}

	switch job.TargetLevel {
	case tender.LevelDetailed:
		err = p.enrichDetail(ctx, src, rec)
	case tender.LevelComplete:
		err = p.enrichDocuments(ctx, src, rec)
	default:
		return fmt.Errorf("unsupported target level %d", job.TargetLevel)
	}
	if err != nil {
		metrics.ObserveEnrichment(levelLabel(job.TargetLevel), "error")
		return err
	}
	metrics.ObserveEnrichment(levelLabel(job.TargetLevel), "ok")
	return nil
}

// enrichDetail fetches the detail page, fills fields the listing left
// null, records discovered attachments, and raises the record to level 2.
// The fill runs inside the store's atomic update: a resolver merge landing
// while the detail fetch was in flight is seen, not clobbered with the
// worker's stale snapshot.
func (p *Pipeline) enrichDetail(ctx context.Context, src registry.SourceConfig, rec tender.CanonicalRecord) error {
	raw, docs, err := p.fetcher.FetchDetail(ctx, src, rec.DetailURL)
	if err != nil {
		return err
	}

	var updated tender.CanonicalRecord
	if err := p.catalog.Update(ctx, rec.ID, func(cur *tender.CanonicalRecord) {
		mergeDetail(cur, raw)
		if len(cur.Documents) == 0 {
			cur.Documents = docs
		}
		updated = *cur
	}); err != nil {
		return fmt.Errorf("store detail fields: %w", err)
	}
	if err := p.catalog.SetLevel(ctx, rec.ID, tender.LevelDetailed); err != nil {
		return fmt.Errorf("raise level: %w", err)
	}

	p.logger.Info("record detailed",
		zap.String("record", rec.ID),
		zap.Int("documents", len(updated.Documents)),
	)

	// Documents queue behind everyone else's detail fetches.
	if err := p.queue.Enqueue(Job{RecordID: rec.ID, TargetLevel: tender.LevelComplete}); err != nil {
		p.logger.Warn("enrichment backlog full, document job dropped", zap.String("record", rec.ID))
	}
	return nil
}

// enrichDocuments fetches each pending attachment. Successes are kept even
// when siblings fail; the job errors (and retries) only while unfetched
// documents remain.
func (p *Pipeline) enrichDocuments(ctx context.Context, src registry.SourceConfig, rec tender.CanonicalRecord) error {
	var failed int
	fetched := make(map[string]tender.Document, len(rec.Documents))
	for _, doc := range rec.Documents {
		if doc.Fetched {
			continue
		}
		result := p.fetcher.FetchDocument(ctx, src, rec.ID, doc)
		fetched[doc.SourceURL] = result
		if !result.Fetched {
			failed++
		}
	}

	// Fold the results into the current document set by source URL, so a
	// concurrent write to the record is not clobbered.
	if err := p.catalog.Update(ctx, rec.ID, func(cur *tender.CanonicalRecord) {
		for i, doc := range cur.Documents {
			if result, ok := fetched[doc.SourceURL]; ok {
				cur.Documents[i] = result
			}
		}
	}); err != nil {
		return fmt.Errorf("store documents: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(rec.Documents))
	}
	if err := p.catalog.SetLevel(ctx, rec.ID, tender.LevelComplete); err != nil {
		return fmt.Errorf("raise level: %w", err)
	}
	p.logger.Info("record complete",
		zap.String("record", rec.ID),
		zap.Int("documents", len(rec.Documents)),
	)
	return nil
}

// handleFailure re-enqueues with backoff until the attempt budget is
// spent, then pins a failure note on the record. Exhausted records stay at
// their last level and are only retried through a manual escalation.
func (p *Pipeline) handleFailure(ctx context.Context, job Job, cause error) {
	job.Attempt++
	job.LastErr = cause.Error()

	if job.Attempt >= p.opts.MaxAttempts {
		metrics.ObserveEnrichment(levelLabel(job.TargetLevel), "exhausted")
		note := fmt.Sprintf("level %d enrichment exhausted after %d attempts: %v", job.TargetLevel, job.Attempt, cause)
		if err := p.catalog.RecordLevelFailure(ctx, job.RecordID, note); err != nil {
			p.logger.Error("record failure note failed", zap.String("record", job.RecordID), zap.Error(err))
		}
		p.logger.Warn("enrichment exhausted",
			zap.String("record", job.RecordID),
			zap.Int("target_level", int(job.TargetLevel)),
			zap.Error(cause),
		)
		return
	}

	job.NextAttemptAt = time.Now().UTC().Add(p.backoff(job.Attempt))
	enqueue := p.queue.Enqueue
	if job.Priority {
		// An escalated job keeps its lane across retries.
		enqueue = p.queue.EnqueuePriority
	}
	if err := enqueue(job); err != nil {
		p.logger.Warn("enrichment backlog full, retry dropped", zap.String("record", job.RecordID))
	}
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	delay := p.opts.BaseBackoff << (attempt - 1)
	if delay > p.opts.MaxBackoff || delay <= 0 {
		return p.opts.MaxBackoff
	}
	return delay
}

func levelLabel(level tender.EnrichmentLevel) string {
	return strconv.Itoa(int(level))
}

// mergeDetail folds detail-page fields into the record without disturbing
// values the listing already confirmed.
func mergeDetail(rec *tender.CanonicalRecord, raw tender.RawRecord) {
	if rec.Title == "" {
		rec.Title = raw.Title
	}
	if rec.Organization == "" {
		rec.Organization = raw.Organization
	}
	if rec.TenderNumber == "" {
		rec.TenderNumber = raw.TenderNumber
	}
	if rec.Budget == nil {
		rec.Budget = raw.Budget
	}
	if rec.PublishedAt == nil {
		rec.PublishedAt = raw.PublishedAt
	}
	if rec.ClosesAt == nil {
		rec.ClosesAt = raw.ClosesAt
	}
	for k, v := range raw.Fields {
		if rec.Fields == nil {
			rec.Fields = make(map[string]string)
		}
		if _, ok := rec.Fields[k]; !ok {
			rec.Fields[k] = v
		}
	}
}
