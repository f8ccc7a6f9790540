package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dejetem/ddos-protection-service/internal/config"
	"github.com/dejetem/ddos-protection-service/internal/event"
	"github.com/dejetem/ddos-protection-service/internal/telemetry"
)

const window = 60 * time.Second

// bucketStart returns a time aligned to the start of a window bucket.
func bucketStart() time.Time {
	return time.Unix(0, (time.Unix(1700000000, 0).UnixNano()/int64(window))*int64(window))
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, window, time.Second), m
}

func TestRedisStoreAccumulatesWithinBucket(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	now := bucketStart()

	var rate float64
	var err error
	for i := 0; i < 5; i++ {
		rate, err = s.Increment(ctx, "1.2.3.4", 10, now)
		require.NoError(t, err)
	}
	// previous bucket empty, so the estimate is exactly the current count
	assert.InDelta(t, 50, rate, 0.001)
}

func TestRedisStoreSlidingEstimate(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	prev := bucketStart()

	_, err := s.Increment(ctx, "1.2.3.4", 60, prev)
	require.NoError(t, err)

	// halfway into the next bucket, half of the previous bucket counts
	now := prev.Add(window + window/2)
	rate, err := s.Increment(ctx, "1.2.3.4", 10, now)
	require.NoError(t, err)
	assert.InDelta(t, 10+60*0.5, rate, 0.001)
}

func TestRedisStoreEstimateWithinTolerance(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	start := bucketStart()

	// steady stream: 120 weighted requests spread over two windows
	var rate float64
	var err error
	for i := 0; i < 120; i++ {
		rate, err = s.Increment(ctx, "9.9.9.9", 1, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	// exact sliding count over the last window is 60
	assert.InDelta(t, 60, rate, 6) // 10% tolerance
}

func TestRedisStoreBucketTTL(t *testing.T) {
	s, m := newRedisStore(t)
	now := bucketStart()
	_, err := s.Increment(context.Background(), "1.2.3.4", 1, now)
	require.NoError(t, err)

	idx := now.UnixNano() / int64(window)
	key := s.key("1.2.3.4", idx)
	require.True(t, m.Exists(key))
	assert.Equal(t, 2*window, m.TTL(key))
}

func TestRedisStorePeekAndReset(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	now := bucketStart()

	_, err := s.Increment(ctx, "1.2.3.4", 42, now)
	require.NoError(t, err)

	snap, err := s.Peek(ctx, "1.2.3.4", now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.Current)
	assert.InDelta(t, 42, snap.Rate, 0.001)

	require.NoError(t, s.Reset(ctx, "1.2.3.4", now))
	snap, err = s.Peek(ctx, "1.2.3.4", now)
	require.NoError(t, err)
	assert.Zero(t, snap.Current)
}

func TestRedisStoreUnavailable(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	s := NewRedisStore(client, window, time.Second)
	m.Close()

	_, err := s.Increment(context.Background(), "1.2.3.4", 1, bucketStart())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLocalStoreRotation(t *testing.T) {
	s := NewLocalStore(window, 4)
	ctx := context.Background()
	now := bucketStart()

	rate, err := s.Increment(ctx, "1.2.3.4", 60, now)
	require.NoError(t, err)
	assert.InDelta(t, 60, rate, 0.001)

	// next bucket: old count decays in proportionally
	rate, err = s.Increment(ctx, "1.2.3.4", 10, now.Add(window+window/2))
	require.NoError(t, err)
	assert.InDelta(t, 10+60*0.5, rate, 0.001)

	// two buckets later everything is stale
	rate, err = s.Increment(ctx, "1.2.3.4", 1, now.Add(4*window))
	require.NoError(t, err)
	assert.InDelta(t, 1, rate, 0.001)
}

func TestLocalStorePurgeStale(t *testing.T) {
	s := NewLocalStore(window, 4)
	ctx := context.Background()
	now := bucketStart()

	_, _ = s.Increment(ctx, "1.2.3.4", 1, now)
	s.PurgeStale(now.Add(5 * window))

	snap, err := s.Peek(ctx, "1.2.3.4", now.Add(5*window))
	require.NoError(t, err)
	assert.Zero(t, snap.Current)
}

// failingStore always reports the backing store as unreachable.
type failingStore struct{}

func (failingStore) Increment(context.Context, event.Identity, int64, time.Time) (float64, error) {
	return 0, ErrUnavailable
}
func (failingStore) Peek(context.Context, event.Identity, time.Time) (Snapshot, error) {
	return Snapshot{}, ErrUnavailable
}
func (failingStore) Reset(context.Context, event.Identity, time.Time) error { return ErrUnavailable }

func TestFallbackStoreLocalMode(t *testing.T) {
	metrics := telemetry.NewMetrics()
	local := NewLocalStore(window, 4)
	f := NewFallbackStore(failingStore{}, local, config.DegradedLocal, metrics.Degraded)

	rate, err := f.Increment(context.Background(), "1.2.3.4", 5, bucketStart())
	require.NoError(t, err)
	assert.InDelta(t, 5, rate, 0.001)
}

func TestFallbackStorePropagatesInFailModes(t *testing.T) {
	metrics := telemetry.NewMetrics()
	local := NewLocalStore(window, 4)
	f := NewFallbackStore(failingStore{}, local, config.DegradedFailOpen, metrics.Degraded)

	_, err := f.Increment(context.Background(), "1.2.3.4", 5, bucketStart())
	assert.True(t, errors.Is(err, ErrUnavailable))
}
