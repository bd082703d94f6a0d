package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsEncodedEvents(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id, err := pub.Publish(context.Background(), "crawl-events", map[string]string{"status": "completed"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	_, err = pub.Publish(context.Background(), "audit", "noise")
	require.NoError(t, err)

	events := pub.Messages("crawl-events")
	require.Len(t, events, 1)
	require.JSONEq(t, `{"status":"completed"}`, string(events[0].Data))
	require.Len(t, pub.Messages(""), 2)

	events[0].Topic = "mutated"
	require.Equal(t, "crawl-events", pub.Messages("crawl-events")[0].Topic)
}

func TestPublishDropsOldestPastRetain(t *testing.T) {
	t.Parallel()

	pub := New(2)
	for _, status := range []string{"a", "b", "c"} {
		_, err := pub.Publish(context.Background(), "t", status)
		require.NoError(t, err)
	}
	got := pub.Messages("t")
	require.Len(t, got, 2)
	require.Equal(t, "memory-2", got[0].ID)
	require.Equal(t, "c", got[1].Payload)
}

func TestPublishRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New(0)
	_, err := pub.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "encode event for t")
	require.Empty(t, pub.Messages(""))
}
