package events

import (
	"context"
	"testing"
	"time"

	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/store/storetest"
)

func TestAppendIsDeduplicatedByID(t *testing.T) {
	st := storetest.Open(t)
	rec := NewRecorder()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	spec := Spec{Type: TypeIntentReserved, CycleID: "c1", CommitID: "commit_c1", IntentID: "i1", OccurredAt: at}

	for i := 0; i < 2; i++ {
		err := st.Update(context.Background(), func(tx *store.Tx) error {
			return rec.Append(tx, spec)
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	err := st.Update(context.Background(), func(tx *store.Tx) error {
		return rec.StateChanged(tx, "c1", "commit_c1", CycleProposed, CycleAccepted, "", at)
	})
	if err != nil {
		t.Fatalf("state changed: %v", err)
	}

	feed := NewFeed(st)
	got, err := feed.After(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeIntentReserved || got[1].Type != TypeCycleStateChanged {
		t.Fatalf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].ID != spec.ID() {
		t.Fatalf("expected deterministic id %s, got %s", spec.ID(), got[0].ID)
	}

	rest, err := feed.After(context.Background(), got[0].Sequence, 10)
	if err != nil {
		t.Fatalf("feed after cursor: %v", err)
	}
	if len(rest) != 1 || rest[0].ToState != CycleAccepted {
		t.Fatalf("unexpected page after cursor: %+v", rest)
	}
}

func TestSpecIDChangesWithTransition(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := Spec{Type: TypeCycleStateChanged, CycleID: "c", FromState: "proposed", ToState: "accepted", OccurredAt: at}
	b := a
	b.ToState = "failed"
	if a.ID() == b.ID() {
		t.Fatalf("expected different ids for different transitions")
	}
}
