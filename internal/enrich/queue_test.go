package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

func TestQueuePriorityLaneDrainsFirst(t *testing.T) {
	q := NewQueue(8)

	require.NoError(t, q.Enqueue(Job{RecordID: "normal-1", TargetLevel: tender.LevelDetailed}))
	require.NoError(t, q.Enqueue(Job{RecordID: "normal-2", TargetLevel: tender.LevelDetailed}))
	require.NoError(t, q.EnqueuePriority(Job{RecordID: "escalated", TargetLevel: tender.LevelDetailed}))

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "escalated", job.RecordID, "escalations jump the queue")

	job, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "normal-1", job.RecordID)
}

func TestQueueBounded(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(Job{RecordID: "a"}))
	require.ErrorIs(t, q.Enqueue(Job{RecordID: "b"}), ErrQueueFull)
	require.Equal(t, 1, q.Depth())
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
