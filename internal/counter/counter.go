// Package counter maintains per-identity request counts over a rolling
// window and answers effective-rate queries.
//
// The window is approximated with two fixed buckets: the current partial
// bucket plus a weighted fraction of the immediately preceding full one,
//
//	rate = cur + prev * (1 - elapsedFraction)
//
// For a steady event stream this stays within ~10% of the exact sliding
// count, which is acceptable: rate limiting is inherently approximate and
// exactness is not a correctness requirement here.
package counter

import (
	"context"
	"errors"
	"time"

	"github.com/dejetem/ddos-protection-service/internal/event"
)

// ErrUnavailable marks a failed or timed-out store interaction. Callers
// route it through the configured degradation policy, never silently drop.
var ErrUnavailable = errors.New("counter store unavailable")

// Snapshot is a point-in-time view of an identity's window, for the
// status API.
type Snapshot struct {
	Rate      float64       `json:"rate"`
	Current   int64         `json:"current_bucket"`
	Previous  int64         `json:"previous_bucket"`
	Window    time.Duration `json:"window"`
	ResetIn   time.Duration `json:"reset_in"`
}

// Store is the counter contract. Increment must be atomic per bucket key:
// concurrent increments for the same identity never lose updates.
type Store interface {
	// Increment adds weight to the identity's current bucket and returns
	// the effective rate over the rolling window.
	Increment(ctx context.Context, id event.Identity, weight int64, now time.Time) (float64, error)
	// Peek returns the window view without mutating it.
	Peek(ctx context.Context, id event.Identity, now time.Time) (Snapshot, error)
	// Reset drops all window state for the identity.
	Reset(ctx context.Context, id event.Identity, now time.Time) error
}

// bucketIndex is the fixed-granularity window index for a timestamp.
func bucketIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

// elapsedFraction is how far into the current bucket now sits, in [0,1).
func elapsedFraction(now time.Time, window time.Duration) float64 {
	return float64(now.UnixNano()%int64(window)) / float64(window)
}

// estimate combines the partial current bucket with the decaying share of
// the previous one.
func estimate(cur, prev int64, frac float64) float64 {
	return float64(cur) + float64(prev)*(1-frac)
}
