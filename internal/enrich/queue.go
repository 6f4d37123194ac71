// Package enrich raises canonical records through fidelity levels by
// fetching detail pages and attached documents.
package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/martinsantos/licitometro-sub001/internal/metrics"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// Job is one unit of enrichment work. Retry state travels on the job so
// the queue itself stays dumb.
type Job struct {
	RecordID      string
	TargetLevel   tender.EnrichmentLevel
	Attempt       int
	NextAttemptAt time.Time
	LastErr       string

	// Priority marks a job that entered through the escalation lane; its
	// retries re-enter the same lane.
	Priority bool
}

// ErrQueueFull is returned when the bounded queue cannot accept a job.
var ErrQueueFull = errors.New("enrichment queue full")

// Queue is a bounded two-lane job queue. The priority lane is drained
// first; operator escalations land there and jump everything else.
type Queue struct {
	normal   chan Job
	priority chan Job
}

// NewQueue builds a queue holding up to depth jobs per lane.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 256
	}
	return &Queue{
		normal:   make(chan Job, depth),
		priority: make(chan Job, depth),
	}
}

// Enqueue adds a job to the normal lane without blocking.
func (q *Queue) Enqueue(job Job) error {
	select {
	case q.normal <- job:
		metrics.SetEnrichQueueDepth(q.Depth())
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueuePriority adds a job to the priority lane without blocking.
func (q *Queue) EnqueuePriority(job Job) error {
	job.Priority = true
	select {
	case q.priority <- job:
		metrics.SetEnrichQueueDepth(q.Depth())
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue pops the next job, preferring the priority lane. It blocks
// until a job is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.priority:
		metrics.SetEnrichQueueDepth(q.Depth())
		return job, nil
	default:
	}
	select {
	case job := <-q.priority:
		metrics.SetEnrichQueueDepth(q.Depth())
		return job, nil
	case job := <-q.normal:
		metrics.SetEnrichQueueDepth(q.Depth())
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Depth reports the number of queued jobs across both lanes.
func (q *Queue) Depth() int {
	return len(q.normal) + len(q.priority)
}
