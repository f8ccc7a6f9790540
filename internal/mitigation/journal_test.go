package mitigation

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalAppliedTracksGenerations(t *testing.T) {
	j := openTestJournal(t)
	now := time.Unix(1700000000, 0)

	if j.Applied("1.2.3.4", 1) {
		t.Fatal("fresh journal claims applied")
	}
	if err := j.MarkApplied("1.2.3.4", 3, now); err != nil {
		t.Fatal(err)
	}
	// anything at or below the recorded generation counts as applied
	if !j.Applied("1.2.3.4", 3) || !j.Applied("1.2.3.4", 2) {
		t.Fatal("recorded generation not reported applied")
	}
	if j.Applied("1.2.3.4", 4) {
		t.Fatal("future generation reported applied")
	}
	if j.Applied("5.6.7.8", 1) {
		t.Fatal("unrelated identity reported applied")
	}
}

func TestJournalOlderGenerationNeverOverwrites(t *testing.T) {
	j := openTestJournal(t)
	now := time.Unix(1700000000, 0)

	if err := j.MarkApplied("1.2.3.4", 5, now); err != nil {
		t.Fatal(err)
	}
	if err := j.MarkApplied("1.2.3.4", 2, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if !j.Applied("1.2.3.4", 5) {
		t.Fatal("newer generation lost to an older write")
	}
}

func TestJournalPrune(t *testing.T) {
	j := openTestJournal(t)
	old := time.Unix(1700000000, 0)

	if err := j.MarkApplied("1.2.3.4", 1, old); err != nil {
		t.Fatal(err)
	}
	if err := j.MarkApplied("5.6.7.8", 1, old.Add(48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	pruned, err := j.Prune(old.Add(24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d, want 1", pruned)
	}
	if j.Applied("1.2.3.4", 1) {
		t.Fatal("pruned entry still reported applied")
	}
	if !j.Applied("5.6.7.8", 1) {
		t.Fatal("recent entry pruned")
	}
}
