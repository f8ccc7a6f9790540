package reputation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dejetem/ddos-protection-service/internal/event"
)

// RedisLedger stores reputation in rep:{identity} hashes (score plus
// last-update unix timestamp) and overrides in ovr:{identity} hashes.
// Override expiry doubles as the key TTL, so lapsed records self-clean.
type RedisLedger struct {
	client   redis.UniversalClient
	perSec   float64 // decay rate
	timeout  time.Duration
	scoreTTL time.Duration // idle eviction for rep keys, refreshed on write
}

var _ Ledger = (*RedisLedger)(nil)

const scoreIdleTTL = 7 * 24 * time.Hour

func NewRedisLedger(client redis.UniversalClient, decayPerSec float64, timeout time.Duration) *RedisLedger {
	return &RedisLedger{client: client, perSec: decayPerSec, timeout: timeout, scoreTTL: scoreIdleTTL}
}

func repKey(id event.Identity) string { return "rep:" + string(id) }
func ovrKey(id event.Identity) string { return "ovr:" + string(id) }

func (l *RedisLedger) Read(ctx context.Context, id event.Identity, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	vals, err := l.client.HMGet(ctx, repKey(id), "score", "updated_at").Result()
	if err != nil {
		return Neutral, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	score, updated, ok := parseScore(vals)
	if !ok {
		return Neutral, nil
	}
	return clamp(decay(score, now.Sub(updated), l.perSec)), nil
}

// Adjust runs a WATCH/MULTI retry loop: decay the stored score to now,
// apply the delta, clamp, write back. Bounded retries; contention on a
// single identity is rare enough that three attempts suffice in practice.
func (l *RedisLedger) Adjust(ctx context.Context, id event.Identity, delta int, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := repKey(id)
	var result int
	txn := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "score", "updated_at").Result()
		if err != nil {
			return err
		}
		score := float64(Neutral)
		if s, updated, ok := parseScore(vals); ok {
			score = decay(s, now.Sub(updated), l.perSec)
		}
		result = clamp(score + float64(delta))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "score", result, "updated_at", now.UnixNano())
			pipe.Expire(ctx, key, l.scoreTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := l.client.Watch(ctx, txn, key)
		if err == nil {
			return result, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return Neutral, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Neutral, fmt.Errorf("%w: adjust contention on %s", ErrUnavailable, id)
}

func (l *RedisLedger) SetOverride(ctx context.Context, id event.Identity, kind OverrideKind, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := ovrKey(id)
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, key, "kind", string(kind), "expires_at", unixOrZero(expiresAt))
	if expiresAt.IsZero() {
		pipe.Persist(ctx, key)
	} else {
		pipe.PExpireAt(ctx, key, expiresAt)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *RedisLedger) ClearOverride(ctx context.Context, id event.Identity) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.client.Del(ctx, ovrKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *RedisLedger) Override(ctx context.Context, id event.Identity, now time.Time) (*Override, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	vals, err := l.client.HGetAll(ctx, ovrKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	o := decodeOverride(id, vals)
	if o.Expired(now) {
		return nil, nil
	}
	return &o, nil
}

func (l *RedisLedger) DenyList(ctx context.Context, now time.Time) ([]Override, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var out []Override
	iter := l.client.Scan(ctx, 0, "ovr:*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := l.client.HGetAll(ctx, key).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		o := decodeOverride(event.Identity(key[len("ovr:"):]), vals)
		if o.Kind == OverrideDeny && !o.Expired(now) {
			out = append(out, o)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func parseScore(vals []any) (score float64, updated time.Time, ok bool) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, time.Time{}, false
	}
	s, _ := vals[0].(string)
	u, _ := vals[1].(string)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	nanos, err := strconv.ParseInt(u, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return f, time.Unix(0, nanos), true
}

func decodeOverride(id event.Identity, vals map[string]string) Override {
	o := Override{Identity: id, Kind: OverrideKind(vals["kind"])}
	if nanos, err := strconv.ParseInt(vals["expires_at"], 10, 64); err == nil && nanos > 0 {
		o.ExpiresAt = time.Unix(0, nanos)
	}
	return o
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
