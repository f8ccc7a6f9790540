package mitigation

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketGenerations = []byte("generations")

// Journal records the last applied notification generation per identity
// in a local bbolt file, so replayed or duplicate transitions never
// produce duplicate edge-rule operations, including across restarts.
type Journal struct {
	db *bbolt.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGenerations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// LastApplied returns the newest reconciled generation for the identity,
// zero when none is recorded.
func (j *Journal) LastApplied(identity string) uint64 {
	var gen uint64
	_ = j.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketGenerations).Get([]byte(identity)); len(v) >= 8 {
			gen = binary.BigEndian.Uint64(v[:8])
		}
		return nil
	})
	return gen
}

// Applied reports whether a generation at least as new as gen has already
// been reconciled for the identity.
func (j *Journal) Applied(identity string, gen uint64) bool {
	return j.LastApplied(identity) >= gen
}

// MarkApplied records gen as reconciled for the identity. Older
// generations never overwrite newer ones.
func (j *Journal) MarkApplied(identity string, gen uint64, now time.Time) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketGenerations)
		if v := b.Get([]byte(identity)); len(v) >= 8 && binary.BigEndian.Uint64(v[:8]) >= gen {
			return nil
		}
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[:8], gen)
		binary.BigEndian.PutUint64(buf[8:], uint64(now.Unix()))
		return b.Put([]byte(identity), buf)
	})
}

// Prune drops entries last touched before the cutoff. Generations only
// matter while an identity can still replay, so old entries are dead
// weight.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	pruned := 0
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketGenerations)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 16 {
				continue
			}
			at := time.Unix(int64(binary.BigEndian.Uint64(v[8:])), 0)
			if at.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}
