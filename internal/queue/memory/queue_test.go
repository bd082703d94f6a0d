package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

func TestQueueDeliversReadyItemsInOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	for _, id := range []string{"crawl-1", "parse-1", "parse-2"} {
		require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{ID: id, Kind: crawler.JobParsePage}))
	}
	require.Equal(t, 3, q.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []string
	for range 3 {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, item.ID)
	}
	require.Equal(t, []string{"crawl-1", "parse-1", "parse-2"}, got)
	require.Zero(t, q.Pending())
}

func TestQueueHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewQueue(1)
	_, err := q.Dequeue(canceled)
	require.ErrorIs(t, err, context.Canceled)

	err = q.Enqueue(canceled, crawler.QueueItem{ID: "late"})
	require.ErrorContains(t, err, "enqueue canceled")
	require.Zero(t, q.Pending())
}

func TestQueueOverflowsPastCapacityInOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ids := []string{"parse-1", "parse-2", "parse-3", "parse-4", "parse-5"}
	for _, id := range ids[:3] {
		require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{ID: id}))
	}
	require.Equal(t, 3, q.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	for _, id := range ids[3:] {
		require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{ID: id}))
	}

	got := []string{first.ID}
	for range 4 {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, item.ID)
	}
	require.Equal(t, ids, got)
	require.Zero(t, q.Pending())
}

func TestQueueHoldsDelayedItems(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	item := crawler.QueueItem{ID: "later", NotBefore: time.Now().Add(50 * time.Millisecond)}
	require.NoError(t, q.Enqueue(context.Background(), item))
	require.Equal(t, 1, q.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	got, err := q.Dequeue(ctx2)
	require.NoError(t, err)
	require.Equal(t, "later", got.ID)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{
		ID:        "dropped",
		NotBefore: time.Now().Add(time.Hour),
	}))
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.QueueItem{}), ErrClosed)
	require.Zero(t, q.Pending())
	// Closing twice should be safe.
	q.Close()
}
