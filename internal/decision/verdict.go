// Package decision owns the per-identity enforcement state machine: it
// combines effective rate and reputation into a cached verdict and emits
// mitigation notifications on block transitions.
package decision

import (
	"time"

	"github.com/dejetem/ddos-protection-service/internal/event"
)

// State is a rung on the enforcement ladder. Overrides sit outside the
// ladder and take absolute priority in evaluation.
type State int8

const (
	StateClean State = iota
	StateWatched
	StateThrottled
	StateChallenged
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateWatched:
		return "watched"
	case StateThrottled:
		return "throttled"
	case StateChallenged:
		return "challenged"
	case StateBlocked:
		return "blocked"
	}
	return "unknown"
}

// VerdictKind is the enforcement action downstream callers apply.
type VerdictKind int8

const (
	Allow VerdictKind = iota
	Throttle
	Challenge
	Block
)

func (k VerdictKind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Throttle:
		return "throttle"
	case Challenge:
		return "challenge"
	case Block:
		return "block"
	}
	return "unknown"
}

// Reason codes attached to verdicts.
const (
	ReasonClean            = "clean"
	ReasonWatched          = "watched"
	ReasonLadder           = "ladder"
	ReasonExtremeRate      = "extreme_rate_multiple"
	ReasonOverrideAllow    = "override_allow"
	ReasonOverrideDeny     = "override_deny"
	ReasonStaleGrace       = "stale_grace"
	ReasonStoreUnavailable = "store_unavailable"
)

// Verdict is the engine's decision for an identity at a point in time.
// ExpiresAt bounds cache validity; Duration is the enforcement duration
// for throttle/block kinds.
type Verdict struct {
	Kind       VerdictKind   `json:"kind"`
	State      State         `json:"state"`
	Reason     string        `json:"reason"`
	Duration   time.Duration `json:"duration,omitempty"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Generation uint64        `json:"generation"`
}

// Action is what the mitigation boundary should do with an edge rule.
type Action int8

const (
	ActionUpsert Action = iota
	ActionRemove
)

func (a Action) String() string {
	if a == ActionRemove {
		return "remove"
	}
	return "upsert"
}

// Notification asks the mitigation boundary to reconcile one identity.
// (Identity, Generation) keys idempotence: replaying the same generation
// any number of times yields exactly one edge-rule operation.
type Notification struct {
	Identity   event.Identity `json:"identity"`
	Generation uint64         `json:"generation"`
	Action     Action         `json:"action"`
	TTL        time.Duration  `json:"ttl,omitempty"`
}

// Notifier consumes transition notifications. Enqueue must never block;
// it reports false when the notification was dropped.
type Notifier interface {
	Enqueue(n Notification) bool
}

// GenerationSeed recovers the last reconciled generation for an identity.
// The mitigation journal outlives engine entries (restarts, idle purges),
// so a fresh entry must resume above what the journal has already seen or
// its next block would be skipped as a replay.
type GenerationSeed interface {
	LastApplied(id event.Identity) uint64
}
