package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/dejetem/ddos-protection-service/internal/event"
)

// MemoryLedger is a mutex-guarded in-process ledger with the same decay
// semantics as the Redis one. Used by tests and single-instance deploys.
type MemoryLedger struct {
	mu        sync.RWMutex
	perSec    float64
	scores    map[event.Identity]memScore
	overrides map[event.Identity]Override
}

type memScore struct {
	score   float64
	updated time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger(decayPerSec float64) *MemoryLedger {
	return &MemoryLedger{
		perSec:    decayPerSec,
		scores:    make(map[event.Identity]memScore),
		overrides: make(map[event.Identity]Override),
	}
}

func (l *MemoryLedger) Read(_ context.Context, id event.Identity, now time.Time) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.scores[id]
	if !ok {
		return Neutral, nil
	}
	return clamp(decay(s.score, now.Sub(s.updated), l.perSec)), nil
}

func (l *MemoryLedger) Adjust(_ context.Context, id event.Identity, delta int, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	score := float64(Neutral)
	if s, ok := l.scores[id]; ok {
		score = decay(s.score, now.Sub(s.updated), l.perSec)
	}
	result := clamp(score + float64(delta))
	l.scores[id] = memScore{score: float64(result), updated: now}
	return result, nil
}

func (l *MemoryLedger) SetOverride(_ context.Context, id event.Identity, kind OverrideKind, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[id] = Override{Identity: id, Kind: kind, ExpiresAt: expiresAt}
	return nil
}

func (l *MemoryLedger) ClearOverride(_ context.Context, id event.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.overrides, id)
	return nil
}

func (l *MemoryLedger) Override(_ context.Context, id event.Identity, now time.Time) (*Override, error) {
	l.mu.RLock()
	o, ok := l.overrides[id]
	l.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if o.Expired(now) {
		l.mu.Lock()
		delete(l.overrides, id)
		l.mu.Unlock()
		return nil, nil
	}
	return &o, nil
}

func (l *MemoryLedger) DenyList(_ context.Context, now time.Time) ([]Override, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Override
	for _, o := range l.overrides {
		if o.Kind == OverrideDeny && !o.Expired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}
