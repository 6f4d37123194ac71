package publisher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

func TestSinkPublishesCreateAndMerge(t *testing.T) {
	ctx := context.Background()
	pub := NewMemoryPublisher()
	sink := NewSink(pub)

	rec := tender.CanonicalRecord{
		ID:          "id-1",
		Fingerprint: "fp-1",
		SourceID:    "src-a",
		Level:       tender.LevelDiscovered,
	}
	sink.RecordWritten(ctx, rec, true)
	sink.RecordWritten(ctx, rec, false)

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, EventRecordCreated, events[0].Type)
	require.Equal(t, EventRecordMerged, events[1].Type)
	require.Equal(t, "id-1", events[0].RecordID)
	require.Equal(t, 1, events[0].Level)
	require.False(t, events[0].At.IsZero())
}

func TestNoOpPublisher(t *testing.T) {
	var pub NoOpPublisher
	require.NoError(t, pub.Publish(context.Background(), Event{Type: EventRecordCreated}))
	require.NoError(t, pub.Close())
}
