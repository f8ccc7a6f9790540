package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dejetem/ddos-protection-service/internal/config"
	"github.com/dejetem/ddos-protection-service/internal/counter"
	"github.com/dejetem/ddos-protection-service/internal/decision"
	"github.com/dejetem/ddos-protection-service/internal/event"
	"github.com/dejetem/ddos-protection-service/internal/reputation"
	"github.com/dejetem/ddos-protection-service/internal/telemetry"
)

func newTestPool(workers, queueSize int) (*Pool, *decision.Engine) {
	window := 60 * time.Second
	eng := decision.New(
		counter.NewLocalStore(window, 4),
		reputation.NewMemoryLedger(0.01),
		config.NewRuleSet(100),
		decision.Config{
			Window:              window,
			PromoteAfter:        3,
			DemoteAfter:         4,
			ExtremeRateMultiple: 10,
			VerdictTTL:          5 * time.Second,
			GraceTTL:            30 * time.Second,
			ThrottleTTL:         time.Minute,
			ChallengeTTL:        5 * time.Minute,
			BlockTTL:            time.Hour,
			Mode:                config.DegradedLocal,
		},
		nil,
		telemetry.NewMetrics(),
	)
	return NewPool(eng, workers, queueSize), eng
}

func TestProcessReturnsVerdictInline(t *testing.T) {
	p, _ := newTestPool(1, 8)

	v, err := p.Process(context.Background(), "1.2.3.4", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != decision.Allow {
		t.Fatalf("got %s, want allow", v.Kind)
	}
}

func TestProcessRejectsInvalidIdentity(t *testing.T) {
	p, _ := newTestPool(1, 8)

	_, err := p.Process(context.Background(), "", 1, nil)
	if !errors.Is(err, event.ErrInvalidIdentity) {
		t.Fatalf("got %v, want ErrInvalidIdentity", err)
	}
	if err := p.Submit("", 1, nil); !errors.Is(err, event.ErrInvalidIdentity) {
		t.Fatalf("submit: got %v, want ErrInvalidIdentity", err)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	p, _ := newTestPool(1, 2)

	// no workers running: the queue fills and the third submit is rejected
	if err := p.Submit("1.2.3.4", 1, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("1.2.3.4", 1, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("1.2.3.4", 1, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	p, eng := newTestPool(2, 16)
	ctx, cancel := context.WithCancel(context.Background())

	// queue an extreme burst, then run and stop; the drain must still
	// process everything already accepted
	if err := p.Submit("6.6.6.6", 5000, nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(eng.Blocked()) == 0 {
		select {
		case <-deadline:
			t.Fatal("queued event never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
