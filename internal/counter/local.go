package counter

import (
	"context"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/dejetem/ddos-protection-service/internal/event"
)

// LocalStore is a lock-striped in-process counter. It backs tests and the
// degraded mode where the shared store is unreachable: each instance then
// counts only the traffic it sees, which under-estimates fleet-wide rates
// but keeps per-instance limiting alive.
type LocalStore struct {
	shards []localShard
	mask   uint64
	window time.Duration
}

type localShard struct {
	mu sync.Mutex
	m  map[event.Identity]*localEntry
}

type localEntry struct {
	idx  int64
	cur  int64
	prev int64
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a store with 2^shardPow shards (capped at 1024).
func NewLocalStore(window time.Duration, shardPow uint8) *LocalStore {
	if shardPow > 10 {
		shardPow = 10
	}
	n := 1 << shardPow
	s := &LocalStore{mask: uint64(n - 1), window: window}
	s.shards = make([]localShard, n)
	for i := range s.shards {
		s.shards[i].m = make(map[event.Identity]*localEntry)
	}
	return s
}

func (s *LocalStore) shardFor(id event.Identity) *localShard {
	h := murmur3.Sum64([]byte(id))
	return &s.shards[h&s.mask]
}

// rotate advances the entry to the bucket index for now, shifting or
// dropping older buckets.
func (e *localEntry) rotate(idx int64) {
	switch {
	case idx == e.idx:
	case idx == e.idx+1:
		e.prev, e.cur = e.cur, 0
		e.idx = idx
	default:
		e.prev, e.cur = 0, 0
		e.idx = idx
	}
}

func (s *LocalStore) Increment(_ context.Context, id event.Identity, weight int64, now time.Time) (float64, error) {
	idx := bucketIndex(now, s.window)
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[id]
	if !ok {
		e = &localEntry{idx: idx}
		sh.m[id] = e
	}
	e.rotate(idx)
	e.cur += weight
	return estimate(e.cur, e.prev, elapsedFraction(now, s.window)), nil
}

func (s *LocalStore) Peek(_ context.Context, id event.Identity, now time.Time) (Snapshot, error) {
	idx := bucketIndex(now, s.window)
	frac := elapsedFraction(now, s.window)
	snap := Snapshot{Window: s.window, ResetIn: time.Duration((1 - frac) * float64(s.window))}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[id]
	if !ok {
		return snap, nil
	}
	e.rotate(idx)
	snap.Current, snap.Previous = e.cur, e.prev
	snap.Rate = estimate(e.cur, e.prev, frac)
	return snap, nil
}

func (s *LocalStore) Reset(_ context.Context, id event.Identity, _ time.Time) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, id)
	return nil
}

// PurgeStale drops entries whose buckets fell out of the window, run
// periodically from the sweep scheduler.
func (s *LocalStore) PurgeStale(now time.Time) {
	idx := bucketIndex(now, s.window)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, e := range sh.m {
			if idx-e.idx > 1 {
				delete(sh.m, id)
			}
		}
		sh.mu.Unlock()
	}
}
