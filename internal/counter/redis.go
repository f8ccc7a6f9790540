package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dejetem/ddos-protection-service/internal/event"
)

// RedisStore keeps window buckets in a shared Redis so every instance of
// the daemon sees the same counts. Keys are
//
//	rl:{windowSeconds}:{identity}:{bucketIndex}
//
// and carry a 2x window TTL, so stale buckets self-clean without a sweep.
type RedisStore struct {
	client  redis.UniversalClient
	window  time.Duration
	timeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. Every command runs under the
// given timeout; a timeout is reported as ErrUnavailable.
func NewRedisStore(client redis.UniversalClient, window, timeout time.Duration) *RedisStore {
	return &RedisStore{client: client, window: window, timeout: timeout}
}

func (s *RedisStore) key(id event.Identity, idx int64) string {
	return fmt.Sprintf("rl:%d:%s:%d", int64(s.window.Seconds()), id, idx)
}

// Increment atomically bumps the current bucket (INCRBY) and reads the
// previous one in a single pipeline round trip.
func (s *RedisStore) Increment(ctx context.Context, id event.Identity, weight int64, now time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	idx := bucketIndex(now, s.window)
	cur := s.key(id, idx)
	prev := s.key(id, idx-1)

	pipe := s.client.Pipeline()
	incr := pipe.IncrBy(ctx, cur, weight)
	pipe.Expire(ctx, cur, 2*s.window)
	prevGet := pipe.Get(ctx, prev)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	prevCount, err := prevGet.Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return estimate(incr.Val(), prevCount, elapsedFraction(now, s.window)), nil
}

func (s *RedisStore) Peek(ctx context.Context, id event.Identity, now time.Time) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	idx := bucketIndex(now, s.window)
	vals, err := s.client.MGet(ctx, s.key(id, idx), s.key(id, idx-1)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cur := parseCount(vals[0])
	prev := parseCount(vals[1])
	frac := elapsedFraction(now, s.window)
	return Snapshot{
		Rate:     estimate(cur, prev, frac),
		Current:  cur,
		Previous: prev,
		Window:   s.window,
		ResetIn:  time.Duration((1 - frac) * float64(s.window)),
	}, nil
}

func (s *RedisStore) Reset(ctx context.Context, id event.Identity, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	idx := bucketIndex(now, s.window)
	// current, previous and next cover clock skew between instances
	if err := s.client.Del(ctx, s.key(id, idx-1), s.key(id, idx), s.key(id, idx+1)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func parseCount(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscan(s, &n)
	return n
}
