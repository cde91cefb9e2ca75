package collab

import (
	"testing"
	"time"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
)

func TestPresenceTrackerLifecycle(t *testing.T) {
	t.Parallel()

	tr := NewPresenceTracker()
	now := time.Now().UTC()

	tr.applyPresence(v1.PresencePayload{UserID: "bob", Status: v1.PresenceOnline, LastSeen: now})
	tr.applyPresence(v1.PresencePayload{UserID: "carol", Status: v1.PresenceAway, Typing: true, LastSeen: now})

	rec, ok := tr.Get("bob")
	if !ok || rec.Status != v1.PresenceOnline {
		t.Fatalf("bob = %+v, %v", rec, ok)
	}
	if snap := tr.Snapshot(); len(snap) != 2 {
		t.Fatalf("snapshot = %d, want 2", len(snap))
	}

	// Offline removes the participant.
	tr.applyPresence(v1.PresencePayload{UserID: "bob", Status: v1.PresenceOffline, LastSeen: now})
	if _, ok := tr.Get("bob"); ok {
		t.Fatal("bob still tracked after going offline")
	}
	if snap := tr.Snapshot(); len(snap) != 1 || snap[0].UserID != "carol" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPresenceTrackerCursor(t *testing.T) {
	t.Parallel()

	tr := NewPresenceTracker()
	start, end := 3, 9

	rec := tr.applyCursor(v1.CursorPayload{UserID: "bob", Position: 7, SelectionStart: &start, SelectionEnd: &end})
	if rec.CursorPosition != 7 || rec.SelectionStart == nil || *rec.SelectionStart != 3 {
		t.Fatalf("cursor record = %+v", rec)
	}
	// A cursor update for an unseen user implies they are online.
	if rec.Status == "" {
		t.Fatal("cursor update left status unset")
	}

	rec = tr.applyCursor(v1.CursorPayload{UserID: "bob", Position: 1})
	if rec.CursorPosition != 1 || rec.SelectionStart != nil {
		t.Fatalf("cursor record after move = %+v", rec)
	}
}

func TestPresenceSnapshotSorted(t *testing.T) {
	t.Parallel()

	tr := NewPresenceTracker()
	now := time.Now().UTC()
	for _, id := range []string{"zed", "alice", "mallory"} {
		tr.applyPresence(v1.PresencePayload{UserID: id, Status: v1.PresenceOnline, LastSeen: now})
	}

	snap := tr.Snapshot()
	want := []string{"alice", "mallory", "zed"}
	for i, id := range want {
		if snap[i].UserID != id {
			t.Fatalf("snapshot order = %v, want %v", snap, want)
		}
	}
}
