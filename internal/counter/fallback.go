package counter

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/dejetem/ddos-protection-service/internal/config"
	"github.com/dejetem/ddos-protection-service/internal/event"
)

// FallbackStore wraps the shared store with the configured degradation
// policy. In "local" mode failures transparently divert to the
// per-instance counter; in the fail_open/fail_closed modes errors
// propagate so the decision engine can apply its failure verdict.
type FallbackStore struct {
	primary  Store
	local    *LocalStore
	mode     config.DegradedMode
	degraded atomic.Bool // for one-shot transition logging
	counter  metric.Int64Counter
}

var _ Store = (*FallbackStore)(nil)

func NewFallbackStore(primary Store, local *LocalStore, mode config.DegradedMode, degradedCounter metric.Int64Counter) *FallbackStore {
	return &FallbackStore{primary: primary, local: local, mode: mode, counter: degradedCounter}
}

func (f *FallbackStore) Increment(ctx context.Context, id event.Identity, weight int64, now time.Time) (float64, error) {
	rate, err := f.primary.Increment(ctx, id, weight, now)
	if err == nil {
		f.recover()
		return rate, nil
	}
	f.degrade(err)
	if f.mode == config.DegradedLocal {
		// the fail modes count degraded verdicts in the decision engine
		f.counter.Add(ctx, 1)
		return f.local.Increment(ctx, id, weight, now)
	}
	return 0, err
}

func (f *FallbackStore) Peek(ctx context.Context, id event.Identity, now time.Time) (Snapshot, error) {
	snap, err := f.primary.Peek(ctx, id, now)
	if err == nil {
		return snap, nil
	}
	if f.mode == config.DegradedLocal {
		return f.local.Peek(ctx, id, now)
	}
	return Snapshot{}, err
}

func (f *FallbackStore) Reset(ctx context.Context, id event.Identity, now time.Time) error {
	_ = f.local.Reset(ctx, id, now)
	return f.primary.Reset(ctx, id, now)
}

func (f *FallbackStore) degrade(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		slog.Warn("counter store unreachable, degraded mode active", "mode", string(f.mode), "error", err)
	}
}

func (f *FallbackStore) recover() {
	if f.degraded.CompareAndSwap(true, false) {
		slog.Info("counter store reachable again, degraded mode cleared")
	}
}
