// Package event defines the canonical traffic event consumed by the
// decision path. Events are transient; nothing here is persisted.
package event

import (
	"errors"
	"time"
)

// Identity is the partition key for all per-client state: a source
// address, an auth token hash, or a composite of both.
type Identity string

// Validation errors are the only failures surfaced to ingestion callers;
// everything else is absorbed by the configured degradation policy.
var (
	// ErrInvalidIdentity rejects an event whose identity is empty.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrInvalidWeight rejects an event whose weight is negative.
	ErrInvalidWeight = errors.New("invalid weight")
)

// TrafficEvent is one observed request, normalized at intake.
type TrafficEvent struct {
	Identity  Identity
	Timestamp time.Time
	Weight    int64             // cost units, >= 1 after normalization
	Tags      map[string]string // opaque metadata, e.g. path class
}

// Normalize validates a raw request into a canonical event. Zero weight
// becomes 1, a zero timestamp becomes now, negative weight is rejected.
func Normalize(identity string, ts time.Time, weight int64, tags map[string]string) (TrafficEvent, error) {
	if identity == "" {
		return TrafficEvent{}, ErrInvalidIdentity
	}
	if weight < 0 {
		return TrafficEvent{}, ErrInvalidWeight
	}
	if weight == 0 {
		weight = 1
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return TrafficEvent{Identity: Identity(identity), Timestamp: ts, Weight: weight, Tags: tags}, nil
}
