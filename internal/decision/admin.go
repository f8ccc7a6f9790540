package decision

import (
	"context"
	"time"

	"github.com/dejetem/ddos-protection-service/internal/counter"
	"github.com/dejetem/ddos-protection-service/internal/event"
	"github.com/dejetem/ddos-protection-service/internal/reputation"
)

// Status is the operator view of one identity.
type Status struct {
	Identity event.Identity       `json:"identity"`
	State    string               `json:"state"`
	Score    int                  `json:"score"`
	Verdict  *Verdict             `json:"verdict,omitempty"`
	Rate     counter.Snapshot     `json:"rate"`
	Override *reputation.Override `json:"override,omitempty"`
}

// Status reports the current score, verdict and rate snapshot for an
// identity. Store errors degrade individual fields instead of failing
// the whole view.
func (e *Engine) Status(ctx context.Context, id event.Identity) (Status, error) {
	if id == "" {
		return Status{}, event.ErrInvalidIdentity
	}
	now := time.Now()
	st := Status{Identity: id}

	if snap, err := e.counters.Peek(ctx, id, now); err == nil {
		st.Rate = snap
	}
	if score, err := e.ledger.Read(ctx, id, now); err == nil {
		st.Score = score
	}
	if ov, err := e.ledger.Override(ctx, id, now); err == nil {
		st.Override = ov
	}

	ent := e.entryFor(id)
	ent.mu.Lock()
	st.State = ent.state.String()
	if ent.haveVerdict {
		v := ent.verdict
		st.Verdict = &v
	}
	ent.mu.Unlock()
	return st, nil
}

// Reset clears all window and ladder state for an identity. A blocked
// identity gets its edge rule removed through the usual notification
// path, same generation discipline as an organic demotion.
func (e *Engine) Reset(ctx context.Context, id event.Identity) error {
	if id == "" {
		return event.ErrInvalidIdentity
	}
	ent := e.entryFor(id)
	ent.mu.Lock()
	wasBlocked := ent.state == StateBlocked
	ent.state = StateClean
	ent.generation++
	gen := ent.generation
	ent.haveVerdict = false
	ent.stateExpiresAt = time.Time{}
	ent.window = 0
	ent.windowViolated = false
	ent.violStreak = 0
	ent.cleanStreak = 0
	ent.mu.Unlock()

	if wasBlocked {
		e.enqueue(ctx, Notification{Identity: id, Generation: gen, Action: ActionRemove})
	}
	return e.counters.Reset(ctx, id, time.Now())
}

// SetOverride writes the override record and reconciles the edge: a deny
// override pushes a block rule, an allow override removes any standing
// one. Expiry zero means the override never lapses.
func (e *Engine) SetOverride(ctx context.Context, id event.Identity, kind reputation.OverrideKind, expiresAt time.Time) error {
	if id == "" {
		return event.ErrInvalidIdentity
	}
	if err := e.ledger.SetOverride(ctx, id, kind, expiresAt); err != nil {
		return err
	}
	ent := e.entryFor(id)
	ent.mu.Lock()
	ent.generation++
	gen := ent.generation
	ent.haveVerdict = false
	ent.mu.Unlock()

	if kind == reputation.OverrideDeny {
		ttl := e.cfg.BlockTTL
		if !expiresAt.IsZero() {
			ttl = time.Until(expiresAt)
		}
		e.enqueue(ctx, Notification{Identity: id, Generation: gen, Action: ActionUpsert, TTL: ttl})
	} else {
		e.enqueue(ctx, Notification{Identity: id, Generation: gen, Action: ActionRemove})
	}
	return nil
}

// ClearOverride removes the override record; a cleared deny also drops
// its edge rule.
func (e *Engine) ClearOverride(ctx context.Context, id event.Identity) error {
	if id == "" {
		return event.ErrInvalidIdentity
	}
	ov, err := e.ledger.Override(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if err := e.ledger.ClearOverride(ctx, id); err != nil {
		return err
	}
	ent := e.entryFor(id)
	ent.mu.Lock()
	ent.generation++
	gen := ent.generation
	ent.haveVerdict = false
	ent.mu.Unlock()

	if ov != nil && ov.Kind == reputation.OverrideDeny {
		e.enqueue(ctx, Notification{Identity: id, Generation: gen, Action: ActionRemove})
	}
	return nil
}

// Blocked lists identities currently in the Blocked ladder state on this
// instance. Deny overrides are listed by the ledger, not here.
func (e *Engine) Blocked() []event.Identity {
	var out []event.Identity
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for id, ent := range sh.m {
			ent.mu.Lock()
			if ent.state == StateBlocked {
				out = append(out, id)
			}
			ent.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return out
}

// PurgeIdle drops Clean entries that saw no window activity for a while,
// bounding memory across identity churn. Run from the sweep scheduler.
func (e *Engine) PurgeIdle(now time.Time) int {
	idx := now.UnixNano() / int64(e.cfg.Window)
	purged := 0
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for id, ent := range sh.m {
			ent.mu.Lock()
			idle := ent.state == StateClean && ent.violStreak == 0 && idx-ent.window > 4
			ent.mu.Unlock()
			if idle {
				delete(sh.m, id)
				purged++
			}
		}
		sh.mu.Unlock()
	}
	return purged
}
