package mitigation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	nats "github.com/nats-io/nats.go"

	"github.com/dejetem/ddos-protection-service/internal/decision"
	"github.com/dejetem/ddos-protection-service/internal/event"
	"github.com/dejetem/ddos-protection-service/internal/telemetry"
)

// NATS subjects announcing reconciled block state to fleet observers.
const (
	SubjectBlockApplied = "ddos.v1.block.applied"
	SubjectBlockRemoved = "ddos.v1.block.removed"
)

// Syncer consumes transition notifications and reconciles them with the
// edge gateway. Enqueue never blocks the decision path; reconciliation
// retries transient failures with exponential backoff and gives up
// loudly, never silently.
type Syncer struct {
	queue      chan decision.Notification
	edge       EdgeGateway
	journal    *Journal
	nc         *nats.Conn // optional
	metrics    telemetry.Metrics
	maxElapsed time.Duration
}

var _ decision.Notifier = (*Syncer)(nil)
var _ decision.GenerationSeed = (*Syncer)(nil)

func NewSyncer(edge EdgeGateway, journal *Journal, nc *nats.Conn, metrics telemetry.Metrics, queueSize int) *Syncer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Syncer{
		queue:      make(chan decision.Notification, queueSize),
		edge:       edge,
		journal:    journal,
		nc:         nc,
		metrics:    metrics,
		maxElapsed: time.Minute,
	}
}

// LastApplied implements decision.GenerationSeed over the journal, so
// engine entries created after a restart or idle purge resume their
// generations above anything already reconciled.
func (s *Syncer) LastApplied(id event.Identity) uint64 {
	if s.journal == nil {
		return 0
	}
	return s.journal.LastApplied(string(id))
}

// Enqueue implements decision.Notifier. Reports false when the queue is
// full; the caller counts the drop.
func (s *Syncer) Enqueue(n decision.Notification) bool {
	select {
	case s.queue <- n:
		return true
	default:
		return false
	}
}

// Run drains the queue until ctx is canceled. One item at a time: edge
// APIs rate-limit aggressively and ordering per identity matters.
func (s *Syncer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			s.apply(ctx, n)
		}
	}
}

func (s *Syncer) apply(ctx context.Context, n decision.Notification) {
	if s.journal != nil && s.journal.Applied(string(n.Identity), n.Generation) {
		return
	}

	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if n.Action == decision.ActionUpsert {
			return s.edge.UpsertBlockRule(opCtx, string(n.Identity), n.TTL)
		}
		return s.edge.RemoveBlockRule(opCtx, string(n.Identity))
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.maxElapsed
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		s.metrics.SyncRetries.Add(ctx, 1)
		slog.Warn("edge sync retry", "identity", string(n.Identity), "action", n.Action.String(), "next", next, "error", err)
	})
	if err != nil {
		s.metrics.SyncFailures.Add(ctx, 1)
		slog.Error("edge sync failed", "identity", string(n.Identity), "action", n.Action.String(), "generation", n.Generation, "error", err)
		return
	}

	if s.journal != nil {
		if err := s.journal.MarkApplied(string(n.Identity), n.Generation, time.Now()); err != nil {
			slog.Warn("journal write failed", "identity", string(n.Identity), "error", err)
		}
	}
	s.publish(n)
}

// publish announces the reconciled state over NATS, best effort.
func (s *Syncer) publish(n decision.Notification) {
	if s.nc == nil {
		return
	}
	subject := SubjectBlockApplied
	if n.Action == decision.ActionRemove {
		subject = SubjectBlockRemoved
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.nc.Publish(subject, data); err != nil {
		slog.Debug("nats publish failed", "subject", subject, "error", err)
	}
}
