package inflight

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKey = "jobs:inflight"

// Tracker keeps live remote job names in a Redis sorted set scored by the time
// after which an unfinished entry is considered orphaned.
type Tracker struct {
	client redis.Cmdable
	key    string
}

// NewTracker builds a tracker; an empty key uses jobs:inflight.
func NewTracker(client redis.Cmdable, key string) *Tracker {
	if key == "" {
		key = defaultKey
	}
	return &Tracker{client: client, key: key}
}

// Track registers name with its orphan deadline, replacing any previous deadline.
func (t *Tracker) Track(ctx context.Context, name string, deadline time.Time) error {
	err := t.client.ZAdd(ctx, t.key, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: name,
	}).Err()
	if err != nil {
		return fmt.Errorf("track %s: %w", name, err)
	}
	return nil
}

// Forget removes name once its remote job is known to be deleted.
func (t *Tracker) Forget(ctx context.Context, name string) error {
	if err := t.client.ZRem(ctx, t.key, name).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", name, err)
	}
	return nil
}

// Expired returns up to limit names whose deadline is at or before now.
func (t *Tracker) Expired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := t.client.ZRangeByScore(ctx, t.key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return ids, nil
}

// Extend pushes a deadline forward, used when a sweep delete fails and must be retried.
func (t *Tracker) Extend(ctx context.Context, name string, deadline time.Time) error {
	err := t.client.ZAddXX(ctx, t.key, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: name,
	}).Err()
	if err != nil {
		return fmt.Errorf("extend %s: %w", name, err)
	}
	return nil
}

// Count returns the number of tracked jobs.
func (t *Tracker) Count(ctx context.Context) (int64, error) {
	return t.client.ZCard(ctx, t.key).Result()
}
