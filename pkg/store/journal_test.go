package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalSettlementRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	recs := []*SettlementRecord{
		{EntityKind: "order", EntityID: "o1", PlanID: "p1", Outcome: "executed",
			Signer: "0xaa", Sequences: []uint64{5, 6, 7}, Handles: []string{"h5", "h6", "h7"}, CompletedAt: at},
		{EntityKind: "order", EntityID: "o1", PlanID: "p2", Outcome: "executed",
			Signer: "0xaa", Sequences: []uint64{8}, Handles: []string{"h8"}, CompletedAt: at.Add(time.Minute)},
		{EntityKind: "bet", EntityID: "b1", PlanID: "p3", Outcome: "won",
			Signer: "0xaa", Sequences: []uint64{9}, Handles: []string{"h9"}, CompletedAt: at},
	}
	for _, r := range recs {
		if err := j.RecordSettlement(r); err != nil {
			t.Fatalf("record %s/%s: %v", r.EntityID, r.PlanID, err)
		}
	}

	got, err := j.Settlements("o1")
	if err != nil {
		t.Fatalf("settlements: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("settlements for o1 = %d, want 2", len(got))
	}
	// Lexicographic key order within the entity prefix.
	if got[0].PlanID != "p1" || got[1].PlanID != "p2" {
		t.Errorf("plans = %s, %s", got[0].PlanID, got[1].PlanID)
	}
	if len(got[0].Sequences) != 3 || got[0].Sequences[2] != 7 {
		t.Errorf("sequences = %v", got[0].Sequences)
	}
	if !got[0].CompletedAt.Equal(at) {
		t.Errorf("completedAt = %s, want %s", got[0].CompletedAt, at)
	}

	// Entity prefixes must not bleed into each other.
	other, err := j.Settlements("b1")
	if err != nil {
		t.Fatalf("settlements b1: %v", err)
	}
	if len(other) != 1 || other[0].Outcome != "won" {
		t.Errorf("b1 records = %+v", other)
	}
	if none, _ := j.Settlements("o"); len(none) != 0 {
		t.Errorf("prefix 'o' matched %d records, want 0", len(none))
	}
}

func TestJournalPartialFailures(t *testing.T) {
	j := newTestJournal(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rec := &PartialFailureRecord{
		EntityKind: "order",
		EntityID:   "o9",
		PlanID:     "p1",
		Signer:     "0xaa",
		TotalCalls: 3,
		Finalized:  1,
		Handles:    []string{"h5"},
		FailedCall: 1,
		Reason:     "call reverted",
		At:         at,
	}
	if err := j.RecordPartialFailure(rec); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := j.PartialFailures()
	if err != nil {
		t.Fatalf("partial failures: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	if got[0].EntityID != "o9" || got[0].Finalized != 1 || got[0].FailedCall != 1 {
		t.Errorf("record = %+v", got[0])
	}
}
