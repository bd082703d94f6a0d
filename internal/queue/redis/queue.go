// Package redis provides a Redis-backed job queue. Ready items live in one
// list per queue name; delayed retries wait in a sorted set scored by their
// NotBefore time until a consumer promotes them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const (
	defaultPrefix       = "ingest"
	defaultPollInterval = time.Second
	promoteBatch        = 100
)

// Options tunes key naming and polling.
type Options struct {
	Prefix       string
	Queues       []string
	PollInterval time.Duration
}

// Queue implements crawler.Queue on Redis.
type Queue struct {
	client   *redis.Client
	prefix   string
	keys     []string
	poll     time.Duration
	logger   *zap.Logger
	now      func() time.Time
	delayKey string
}

// New builds a queue on an existing client. Queues defaults to every job queue of the pipeline.
func New(client *redis.Client, opts Options, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	names := opts.Queues
	if len(names) == 0 {
		names = []string{crawler.QueueWebsiteCrawl, crawler.QueuePageParse, crawler.QueueWebpage}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	q := &Queue{
		client:   client,
		prefix:   prefix,
		poll:     poll,
		logger:   logger,
		now:      time.Now,
		delayKey: prefix + ":delayed",
	}
	for _, name := range names {
		q.keys = append(q.keys, q.listKey(name))
	}
	return q, nil
}

func (q *Queue) listKey(name string) string {
	return q.prefix + ":queue:" + name
}

// Enqueue pushes an item onto its queue list, or onto the delayed set when NotBefore is in the future.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if !item.NotBefore.IsZero() && item.NotBefore.After(q.now()) {
		z := redis.Z{Score: float64(item.NotBefore.UnixMilli()), Member: data}
		if err := q.client.ZAdd(ctx, q.delayKey, z).Err(); err != nil {
			return fmt.Errorf("schedule queue item: %w", err)
		}
		return nil
	}
	if err := q.client.RPush(ctx, q.listKey(item.Queue), data).Err(); err != nil {
		return fmt.Errorf("push queue item: %w", err)
	}
	return nil
}

// Dequeue blocks until an item is ready on any configured queue.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if err := q.promoteDue(ctx); err != nil {
			q.logger.Warn("promote delayed items failed", zap.Error(err))
		}
		res, err := q.client.BLPop(ctx, q.poll, q.keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return crawler.QueueItem{}, fmt.Errorf("pop queue item: %w", err)
		}
		if len(res) != 2 {
			continue
		}
		var item crawler.QueueItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			q.logger.Error("dropping undecodable queue item", zap.String("key", res[0]), zap.Error(err))
			continue
		}
		return item, nil
	}
}

// promoteDue moves delayed items whose time has come onto their lists. ZREM
// guards against two consumers promoting the same member.
func (q *Queue) promoteDue(ctx context.Context) error {
	upper := strconv.FormatInt(q.now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("read delayed items: %w", err)
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayKey, member).Result()
		if err != nil {
			return fmt.Errorf("claim delayed item: %w", err)
		}
		if removed == 0 {
			continue
		}
		var item crawler.QueueItem
		if err := json.Unmarshal([]byte(member), &item); err != nil {
			q.logger.Error("dropping undecodable delayed item", zap.Error(err))
			continue
		}
		if err := q.client.RPush(ctx, q.listKey(item.Queue), member).Err(); err != nil {
			return fmt.Errorf("push delayed item: %w", err)
		}
	}
	return nil
}

// Len reports the ready items of a queue.
func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, q.listKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Delayed reports the number of items waiting for their NotBefore time.
func (q *Queue) Delayed(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.delayKey).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed length: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
