package relay

import (
	"context"
	"testing"
)

func TestHubHydratesRoomFromStore(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	if err := store.SaveDocument(ctx, DocumentState{SessionID: "s1", Text: "persisted", Revision: 7}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	hub := NewHub(testLog(), store, NopMetrics())
	room, err := hub.GetOrCreateRoom(ctx, "s1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}

	doc, rev := room.Snapshot()
	if doc != "persisted" || rev != 7 {
		t.Fatalf("expected (persisted, 7), got (%q, %d)", doc, rev)
	}
}

func TestHubReturnsStableHandle(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLog(), NewInMemoryStore(), NopMetrics())
	ctx := context.Background()

	a, err := hub.GetOrCreateRoom(ctx, "s1")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	b, err := hub.GetOrCreateRoom(ctx, "s1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same room handle for one id")
	}
}

func TestHubReapsOnlyEmptyRooms(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLog(), NewInMemoryStore(), NopMetrics())
	ctx := context.Background()

	empty, err := hub.GetOrCreateRoom(ctx, "empty")
	if err != nil {
		t.Fatalf("get empty: %v", err)
	}
	busy, err := hub.GetOrCreateRoom(ctx, "busy")
	if err != nil {
		t.Fatalf("get busy: %v", err)
	}
	busy.Join(NewClient("c1", "alice", 8))

	if reaped := hub.ReapEmpty(); reaped != 1 {
		t.Fatalf("expected 1 room reaped, got %d", reaped)
	}

	again, err := hub.GetOrCreateRoom(ctx, "busy")
	if err != nil {
		t.Fatalf("get busy again: %v", err)
	}
	if again != busy {
		t.Fatalf("busy room must survive the reap")
	}

	recreated, err := hub.GetOrCreateRoom(ctx, "empty")
	if err != nil {
		t.Fatalf("recreate empty: %v", err)
	}
	if recreated == empty {
		t.Fatalf("reaped room handle must not be reused")
	}
}
