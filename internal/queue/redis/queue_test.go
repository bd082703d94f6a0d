package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := New(client, Options{Prefix: "test", PollInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	return q, mr
}

func parseItem(t *testing.T, id string) crawler.QueueItem {
	t.Helper()
	item, err := crawler.NewQueueItem(id, crawler.QueuePageParse, crawler.JobParsePage,
		crawler.ParseJob{SourceID: "src-1", PageID: "p1", PageURL: "https://example.com/a"},
		crawler.DefaultParseOptions, time.Unix(1700000000, 0))
	require.NoError(t, err)
	return item
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{}, nil)
	require.Error(t, err)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, parseItem(t, "job-1")))
	require.True(t, mr.Exists("test:queue:page-parse"))

	n, err := q.Len(ctx, crawler.QueuePageParse)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", got.ID)
	require.Equal(t, crawler.JobParsePage, got.Kind)

	var job crawler.ParseJob
	require.NoError(t, got.Decode(&job))
	require.Equal(t, "p1", job.PageID)
}

func TestDelayedItemsArePromotedWhenDue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	now := time.Unix(1700000000, 0)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	item := parseItem(t, "retry-1")
	item.Attempt = 2
	item.NotBefore = now.Add(30 * time.Second)
	require.NoError(t, q.Enqueue(ctx, item))

	delayed, err := q.Delayed(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, delayed)

	short, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	require.Error(t, err)

	now = now.Add(31 * time.Second)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "retry-1", got.ID)
	require.Equal(t, 2, got.Attempt)

	delayed, err = q.Delayed(ctx)
	require.NoError(t, err)
	require.Zero(t, delayed)
}

func TestDequeueHonoursCancellation(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPing(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t)
	require.NoError(t, q.Ping(context.Background()))
	mr.Close()
	require.Error(t, q.Ping(context.Background()))
}
