package decision

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/dejetem/ddos-protection-service/internal/config"
	"github.com/dejetem/ddos-protection-service/internal/counter"
	"github.com/dejetem/ddos-protection-service/internal/event"
	"github.com/dejetem/ddos-protection-service/internal/reputation"
	"github.com/dejetem/ddos-protection-service/internal/telemetry"
)

// Config pins the ladder behavior. Everything here comes from explicit
// configuration; nothing is inferred at runtime.
type Config struct {
	Window       time.Duration
	PromoteAfter int // consecutive violating windows before promotion
	DemoteAfter  int // consecutive clean windows before full demotion

	// ExtremeRateMultiple is the only rule allowed to jump the ladder: a
	// rate at or above baseThreshold*multiple goes straight to Blocked.
	// <= 0 disables the fast path.
	ExtremeRateMultiple float64

	VerdictTTL time.Duration
	GraceTTL   time.Duration

	ThrottleTTL  time.Duration
	ChallengeTTL time.Duration
	BlockTTL     time.Duration

	Mode config.DegradedMode
}

// Engine is the decision state machine. All mutable state is partitioned
// by identity across lock-striped shards; there is no global lock on the
// evaluation path.
type Engine struct {
	counters counter.Store
	ledger   reputation.Ledger
	rules    *config.RuleSet
	cfg      Config
	notifier Notifier
	metrics  telemetry.Metrics

	sf     singleflight.Group
	shards []engineShard
	mask   uint64
}

type engineShard struct {
	mu sync.Mutex
	m  map[event.Identity]*entry
}

// entry is the per-identity ladder state. Guarded by its own mutex, so a
// burst against one identity serializes there and nowhere else.
type entry struct {
	mu sync.Mutex

	state          State
	generation     uint64
	stateExpiresAt time.Time // zero for Clean/Watched

	verdict     Verdict
	haveVerdict bool

	score int // refreshed from the ledger on each recompute

	window         int64 // current window index
	windowViolated bool
	violStreak     int
	cleanStreak    int
}

// New creates an engine over the given stores. notifier may be nil when
// no mitigation boundary is attached (tests, dry-run deploys).
func New(counters counter.Store, ledger reputation.Ledger, rules *config.RuleSet, cfg Config, notifier Notifier, metrics telemetry.Metrics) *Engine {
	const shardPow = 6
	n := 1 << shardPow
	e := &Engine{
		counters: counters,
		ledger:   ledger,
		rules:    rules,
		cfg:      cfg,
		notifier: notifier,
		metrics:  metrics,
		mask:     uint64(n - 1),
	}
	e.shards = make([]engineShard, n)
	for i := range e.shards {
		e.shards[i].m = make(map[event.Identity]*entry)
	}
	return e
}

func (e *Engine) entryFor(id event.Identity) *entry {
	sh := &e.shards[murmur3.Sum64([]byte(id))&e.mask]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ent, ok := sh.m[id]
	if !ok {
		ent = &entry{}
		if seed, ok := e.notifier.(GenerationSeed); ok {
			ent.generation = seed.LastApplied(id)
		}
		sh.m[id] = ent
	}
	return ent
}

// Process evaluates one traffic event and returns the verdict for its
// identity. Evaluation order: active override, cached verdict, full
// recomputation. The counter increment always happens so the window
// stays truthful even while a cached verdict short-circuits the rest.
func (e *Engine) Process(ctx context.Context, ev event.TrafficEvent) (Verdict, error) {
	if ev.Identity == "" {
		return Verdict{}, event.ErrInvalidIdentity
	}
	start := time.Now()
	defer func() {
		e.metrics.EvalLatency.Record(ctx, time.Since(start).Seconds())
	}()
	now := ev.Timestamp

	ov, ovErr := e.ledger.Override(ctx, ev.Identity, now)
	if ovErr == nil && ov != nil {
		e.metrics.OverrideReads.Add(ctx, 1)
		v := e.overrideVerdict(*ov, now)
		e.countVerdict(ctx, v)
		return v, nil
	}
	// An unreadable override store falls through to the computed path;
	// the recompute below decides whether that degrades the verdict.

	rate, rateErr := e.counters.Increment(ctx, ev.Identity, ev.Weight, now)

	res, _, _ := e.sf.Do(string(ev.Identity), func() (any, error) {
		return e.evaluate(ctx, ev, rate, rateErr, now), nil
	})
	v := res.(Verdict)
	e.countVerdict(ctx, v)
	return v, nil
}

func (e *Engine) countVerdict(ctx context.Context, v Verdict) {
	e.metrics.Verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", v.Kind.String()),
		attribute.String("reason", v.Reason),
	))
}

func (e *Engine) overrideVerdict(ov reputation.Override, now time.Time) Verdict {
	if ov.Kind == reputation.OverrideDeny {
		dur := e.cfg.BlockTTL
		if !ov.ExpiresAt.IsZero() {
			dur = ov.ExpiresAt.Sub(now)
		}
		return Verdict{Kind: Block, State: StateBlocked, Reason: ReasonOverrideDeny, Duration: dur, ExpiresAt: now.Add(e.cfg.VerdictTTL)}
	}
	return Verdict{Kind: Allow, State: StateClean, Reason: ReasonOverrideAllow, ExpiresAt: now.Add(e.cfg.VerdictTTL)}
}

// evaluate runs the full ladder logic for one event under the entry lock.
// The only store call it may issue is the reputation read on a verdict
// cache miss, which is timeout-bounded like every other store command.
func (e *Engine) evaluate(ctx context.Context, ev event.TrafficEvent, rate float64, rateErr error, now time.Time) Verdict {
	ent := e.entryFor(ev.Identity)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	e.expireStateLocked(ctx, ent, ev.Identity, now)
	e.rollWindowLocked(ctx, ent, ev.Identity, now)

	rule := e.rules.Match(ev.Tags)
	if rateErr == nil {
		if e.cfg.ExtremeRateMultiple > 0 && rate >= rule.Threshold*e.cfg.ExtremeRateMultiple && ent.state != StateBlocked {
			ent.windowViolated = true
			e.transitionLocked(ctx, ent, ev.Identity, StateBlocked, ReasonExtremeRate, now)
		} else if rate > rule.Threshold*thresholdScale(ent.score) {
			ent.windowViolated = true
		}
	}

	if ent.haveVerdict && now.Before(ent.verdict.ExpiresAt) {
		e.metrics.CacheHits.Add(ctx, 1)
		return ent.verdict
	}

	score, scoreErr := e.ledger.Read(ctx, ev.Identity, now)
	if scoreErr == nil {
		ent.score = score
	}

	if failed := rateErr != nil || scoreErr != nil; failed && e.cfg.Mode != config.DegradedLocal {
		return e.failureVerdictLocked(ctx, ent, now)
	}
	// In local mode a ledger failure keeps the last known score; the
	// locally counted rate carries the decision.

	v := e.verdictForLocked(ent, ReasonLadder, now)
	ent.verdict = v
	ent.haveVerdict = true
	return v
}

// failureVerdictLocked applies the documented store-failure policy: reuse
// the most recent verdict while within the grace period, else fail open
// or closed per configuration. Never silent: the degraded counter ticks
// on every such verdict.
func (e *Engine) failureVerdictLocked(ctx context.Context, ent *entry, now time.Time) Verdict {
	e.metrics.Degraded.Add(ctx, 1)
	if ent.haveVerdict && now.Sub(ent.verdict.ExpiresAt) < e.cfg.GraceTTL {
		v := ent.verdict
		v.Reason = ReasonStaleGrace
		return v
	}
	if e.cfg.Mode == config.DegradedFailOpen {
		return Verdict{Kind: Allow, State: ent.state, Reason: ReasonStoreUnavailable, ExpiresAt: now.Add(e.cfg.VerdictTTL), Generation: ent.generation}
	}
	return Verdict{Kind: Throttle, State: ent.state, Reason: ReasonStoreUnavailable, Duration: e.cfg.ThrottleTTL, ExpiresAt: now.Add(e.cfg.VerdictTTL), Generation: ent.generation}
}

// expireStateLocked steps one rung down when the current state's
// enforcement duration has lapsed.
func (e *Engine) expireStateLocked(ctx context.Context, ent *entry, id event.Identity, now time.Time) {
	if ent.state > StateClean && !ent.stateExpiresAt.IsZero() && now.After(ent.stateExpiresAt) {
		e.transitionLocked(ctx, ent, id, ent.state-1, ReasonLadder, now)
	}
}

// rollWindowLocked finalizes completed windows into violation/clean
// streaks and applies the hysteresis transitions. Streaks tick once per
// window, never per event, so a burst inside a single window counts as
// one violating window.
func (e *Engine) rollWindowLocked(ctx context.Context, ent *entry, id event.Identity, now time.Time) {
	idx := now.UnixNano() / int64(e.cfg.Window)
	if ent.window == 0 {
		ent.window = idx
		return
	}
	if idx <= ent.window {
		return
	}

	if ent.windowViolated {
		ent.violStreak++
		ent.cleanStreak = 0
	} else {
		ent.cleanStreak++
		ent.violStreak = 0
	}
	if gap := idx - ent.window - 1; gap > 0 {
		// windows with no traffic at all are clean windows
		ent.cleanStreak += int(gap)
		ent.violStreak = 0
	}
	ent.windowViolated = false
	ent.window = idx

	switch {
	case ent.violStreak >= 1 && ent.state == StateClean:
		e.transitionLocked(ctx, ent, id, StateWatched, ReasonWatched, now)
	case ent.violStreak >= e.cfg.PromoteAfter && ent.state >= StateWatched && ent.state < StateBlocked:
		e.transitionLocked(ctx, ent, id, ent.state+1, ReasonLadder, now)
		ent.violStreak = 0
	}
	if ent.cleanStreak >= e.cfg.DemoteAfter && ent.state > StateClean {
		// sustained clean behavior recovers fully rather than rung by rung
		e.transitionLocked(ctx, ent, id, StateClean, ReasonClean, now)
		ent.cleanStreak = 0
	}
}

// transitionLocked moves the ladder, invalidates the cached verdict,
// writes the score delta back to the ledger, and enqueues a mitigation
// notification when the Blocked boundary is crossed in either direction.
func (e *Engine) transitionLocked(ctx context.Context, ent *entry, id event.Identity, to State, reason string, now time.Time) {
	from := ent.state
	if from == to {
		return
	}
	ent.state = to
	ent.generation++
	ent.haveVerdict = false
	ent.stateExpiresAt = e.stateDeadline(to, now)

	e.metrics.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	if to == StateBlocked || from == StateBlocked {
		slog.Info("state transition", "identity", string(id), "from", from.String(), "to", to.String(), "reason", reason, "generation", ent.generation)
	} else {
		slog.Debug("state transition", "identity", string(id), "from", from.String(), "to", to.String(), "reason", reason)
	}

	if delta := scoreDelta(from, to); delta != 0 {
		if _, err := e.ledger.Adjust(ctx, id, delta, now); err != nil {
			slog.Warn("score write-back failed", "identity", string(id), "error", err)
		}
	}

	switch {
	case to == StateBlocked:
		e.enqueue(ctx, Notification{Identity: id, Generation: ent.generation, Action: ActionUpsert, TTL: e.cfg.BlockTTL})
	case from == StateBlocked:
		e.enqueue(ctx, Notification{Identity: id, Generation: ent.generation, Action: ActionRemove})
	}
}

func (e *Engine) enqueue(ctx context.Context, n Notification) {
	if e.notifier == nil {
		return
	}
	if !e.notifier.Enqueue(n) {
		e.metrics.QueueDropped.Add(ctx, 1)
		slog.Warn("mitigation queue full, notification dropped", "identity", string(n.Identity), "action", n.Action.String())
	}
}

func (e *Engine) stateDeadline(s State, now time.Time) time.Time {
	switch s {
	case StateThrottled:
		return now.Add(e.cfg.ThrottleTTL)
	case StateChallenged:
		return now.Add(e.cfg.ChallengeTTL)
	case StateBlocked:
		return now.Add(e.cfg.BlockTTL)
	}
	return time.Time{}
}

func (e *Engine) verdictForLocked(ent *entry, reason string, now time.Time) Verdict {
	v := Verdict{State: ent.state, Reason: reason, ExpiresAt: now.Add(e.cfg.VerdictTTL), Generation: ent.generation}
	switch ent.state {
	case StateClean:
		v.Kind = Allow
		v.Reason = ReasonClean
	case StateWatched:
		v.Kind = Allow
		v.Reason = ReasonWatched
	case StateThrottled:
		v.Kind = Throttle
		v.Duration = remaining(ent.stateExpiresAt, now, e.cfg.ThrottleTTL)
	case StateChallenged:
		v.Kind = Challenge
		v.Duration = remaining(ent.stateExpiresAt, now, e.cfg.ChallengeTTL)
	case StateBlocked:
		v.Kind = Block
		v.Duration = remaining(ent.stateExpiresAt, now, e.cfg.BlockTTL)
	}
	return v
}

// scoreDelta is proportional to transition severity. Promotions dig the
// score down; a full recovery to Clean gives a small credit back.
func scoreDelta(from, to State) int {
	if to > from {
		switch to {
		case StateWatched:
			return -5
		case StateThrottled:
			return -10
		case StateChallenged:
			return -15
		case StateBlocked:
			return -25
		}
	}
	if to == StateClean {
		return 5
	}
	return 0
}

// thresholdScale adjusts the base threshold by reputation: an identity at
// MinScore gets half the threshold, one at MaxScore gets one and a half.
func thresholdScale(score int) float64 {
	return 1 + float64(score)/(2*reputation.MaxScore)
}

func remaining(deadline, now time.Time, def time.Duration) time.Duration {
	if deadline.IsZero() || deadline.Before(now) {
		return def
	}
	return deadline.Sub(now)
}
