// Package ingest fans inbound traffic events out to a fixed worker pool
// over a bounded queue. Backpressure is explicit: a full queue rejects
// the event instead of blocking the submitter.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dejetem/ddos-protection-service/internal/decision"
	"github.com/dejetem/ddos-protection-service/internal/event"
)

// ErrQueueFull signals that intake is saturated. Callers treat it like a
// throttle, not a hard failure.
var ErrQueueFull = errors.New("ingest queue full")

// zeroTime lets Normalize stamp events at processing time.
var zeroTime time.Time

// Pool processes events concurrently against the decision engine.
type Pool struct {
	engine  *decision.Engine
	queue   chan event.TrafficEvent
	workers int
	wg      sync.WaitGroup
}

func NewPool(engine *decision.Engine, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Pool{
		engine:  engine,
		queue:   make(chan event.TrafficEvent, queueSize),
		workers: workers,
	}
}

// Submit validates and enqueues a raw request for asynchronous
// processing. Used by fire-and-forget interceptors that enforce the
// verdict on the next request.
func (p *Pool) Submit(identity string, weight int64, tags map[string]string) error {
	ev, err := event.Normalize(identity, zeroTime, weight, tags)
	if err != nil {
		return err
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Process evaluates an event synchronously, for interceptors that need
// the verdict inline.
func (p *Pool) Process(ctx context.Context, identity string, weight int64, tags map[string]string) (decision.Verdict, error) {
	ev, err := event.Normalize(identity, zeroTime, weight, tags)
	if err != nil {
		return decision.Verdict{}, err
	}
	return p.engine.Process(ctx, ev)
}

// Run starts the workers and blocks until ctx is canceled and the queue
// has drained.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// drain what is already queued, then stop
			for {
				select {
				case ev := <-p.queue:
					p.handle(ev)
				default:
					return
				}
			}
		case ev := <-p.queue:
			p.handle(ev)
		}
	}
}

func (p *Pool) handle(ev event.TrafficEvent) {
	if _, err := p.engine.Process(context.Background(), ev); err != nil {
		slog.Debug("event processing failed", "identity", string(ev.Identity), "error", err)
	}
}
