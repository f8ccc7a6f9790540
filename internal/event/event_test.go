package event

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeRejectsEmptyIdentity(t *testing.T) {
	_, err := Normalize("", time.Now(), 1, nil)
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestNormalizeRejectsNegativeWeight(t *testing.T) {
	_, err := Normalize("1.2.3.4", time.Now(), -1, nil)
	if !errors.Is(err, ErrInvalidWeight) {
		t.Fatalf("expected ErrInvalidWeight, got %v", err)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	ev, err := Normalize("1.2.3.4", time.Time{}, 0, map[string]string{"path": "api"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Weight != 1 {
		t.Fatalf("expected default weight 1, got %d", ev.Weight)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("expected timestamp to default to now")
	}
	if ev.Tags["path"] != "api" {
		t.Fatal("tags not carried through")
	}
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	ev, err := Normalize("token:abc", ts, 7, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Identity != "token:abc" || ev.Weight != 7 || !ev.Timestamp.Equal(ts) {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
