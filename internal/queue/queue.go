// Package queue is a small Redis work queue: a list for ready messages and
// a sorted set for delayed ones, promoted on poll. Producers and consumers
// share nothing but the Redis and the queue name, so the gateway and the
// worker scale independently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is one named work queue. Messages are opaque bytes; callers own the
// envelope format.
type Queue struct {
	rdb  *redis.Client
	name string
	now  func() time.Time
}

func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name, now: time.Now}
}

func (q *Queue) delayedKey() string { return q.name + ":delayed" }

// Enqueue makes a message available to consumers immediately.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.rdb.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return nil
}

// EnqueueIn schedules a message to become available after the delay. The
// message sits in the delayed set until a consumer's poll promotes it.
func (q *Queue) EnqueueIn(ctx context.Context, payload []byte, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, payload)
	}
	due := float64(q.now().Add(delay).UnixMilli())
	err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: payload}).Err()
	if err != nil {
		return fmt.Errorf("enqueue delayed %s: %w", q.name, err)
	}
	return nil
}

// Dequeue promotes due delayed messages and then blocks up to timeout for
// the next ready message. Returns (nil, nil) when the timeout elapses with
// nothing to do.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	res, err := q.rdb.BRPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue %s: %w", q.name, err)
	}
	// BRPop returns [key, value].
	return []byte(res[1]), nil
}

// promoteDue moves messages whose due time has passed from the delayed set
// to the ready list. ZRem gates the push so concurrent consumers promote
// each message exactly once.
func (q *Queue) promoteDue(ctx context.Context) error {
	maxScore := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed %s: %w", q.name, err)
	}
	for _, member := range due {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return fmt.Errorf("promote delayed %s: %w", q.name, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.name, member).Err(); err != nil {
			return fmt.Errorf("promote delayed %s: %w", q.name, err)
		}
	}
	return nil
}

// Consume polls the queue until the context is canceled, invoking handle
// for every message. Transient Redis failures back off for a second instead
// of spinning.
func (q *Queue) Consume(ctx context.Context, poll time.Duration, handle func(context.Context, []byte)) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := q.Dequeue(ctx, poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		handle(ctx, msg)
	}
}

// Len reports ready plus delayed backlog, for readiness and tests.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	ready, err := q.rdb.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len %s: %w", q.name, err)
	}
	delayed, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len %s: %w", q.name, err)
	}
	return ready + delayed, nil
}
