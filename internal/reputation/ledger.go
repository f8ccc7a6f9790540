// Package reputation maintains the decaying trust score per identity and
// the operator-set allow/deny overrides.
//
// Scores live in [MinScore, MaxScore] around a neutral 0 and decay
// linearly toward neutral with elapsed time since the last update. Decay
// is computed lazily at read time from the stored update timestamp, so no
// background sweep is required for correctness.
package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/dejetem/ddos-protection-service/internal/event"
)

const (
	MinScore = -100
	MaxScore = 100
	Neutral  = 0
)

// ErrUnavailable marks a failed or timed-out ledger interaction.
var ErrUnavailable = errors.New("reputation store unavailable")

// OverrideKind is the operator decision an override carries.
type OverrideKind string

const (
	OverrideAllow OverrideKind = "allow"
	OverrideDeny  OverrideKind = "deny"
)

// Override is an explicit record that bypasses all computed state for an
// identity while present and unexpired.
type Override struct {
	Identity  event.Identity `json:"identity"`
	Kind      OverrideKind   `json:"kind"`
	ExpiresAt time.Time      `json:"expires_at"` // zero = never
}

// Expired reports whether the override has lapsed.
func (o Override) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Ledger is the reputation contract. Read applies lazy decay before
// returning; Adjust applies decay, then the delta, then clamps, under a
// compare-and-update retry so concurrent writers never race a score.
type Ledger interface {
	Adjust(ctx context.Context, id event.Identity, delta int, now time.Time) (int, error)
	Read(ctx context.Context, id event.Identity, now time.Time) (int, error)

	SetOverride(ctx context.Context, id event.Identity, kind OverrideKind, expiresAt time.Time) error
	ClearOverride(ctx context.Context, id event.Identity) error
	// Override returns the active override for id, or nil when none is
	// set or the record has expired.
	Override(ctx context.Context, id event.Identity, now time.Time) (*Override, error)
	// DenyList enumerates active deny overrides, for the blocked listing.
	DenyList(ctx context.Context, now time.Time) ([]Override, error)
}

// decay moves score toward neutral by perSec points per elapsed second,
// clamping at neutral so it never overshoots.
func decay(score float64, elapsed time.Duration, perSec float64) float64 {
	if elapsed <= 0 || perSec <= 0 || score == Neutral {
		return score
	}
	step := perSec * elapsed.Seconds()
	if score > Neutral {
		if score-step < Neutral {
			return Neutral
		}
		return score - step
	}
	if score+step > Neutral {
		return Neutral
	}
	return score + step
}

func clamp(score float64) int {
	if score > MaxScore {
		return MaxScore
	}
	if score < MinScore {
		return MinScore
	}
	// round toward zero keeps decay convergence monotone
	return int(score)
}
