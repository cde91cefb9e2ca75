package collab

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/server-elo/collab/ot"
)

func entry(id string, rev int64, op *ot.Operation) QueueEntry {
	return QueueEntry{ID: id, Revision: rev, Op: op, EnqueuedAt: time.Now().UTC()}
}

// storeUnderTest exercises the OfflineStore contract against any
// implementation.
func storeUnderTest(t *testing.T, s OfflineStore) {
	t.Helper()

	if n, err := s.Len(); err != nil || n != 0 {
		t.Fatalf("fresh store Len = %d, %v", n, err)
	}

	a := entry("a", 1, ot.New().Insert("a"))
	b := entry("b", 1, ot.New().Retain(1).Insert("b"))
	c := entry("c", 1, ot.New().Retain(2).Insert("c"))
	for _, e := range []QueueEntry{a, b, c} {
		if err := s.Append(e); err != nil {
			t.Fatalf("Append(%s): %v", e.ID, err)
		}
	}

	got, err := s.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("entries out of order: %+v", got)
	}

	// Update must preserve position.
	b.Op = ot.New().Retain(1).Insert("B")
	b.Revision = 7
	if err := s.Update(b); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = s.Entries()
	if got[1].Revision != 7 || !got[1].Op.Equal(ot.New().Retain(1).Insert("B")) {
		t.Fatalf("updated entry = %+v", got[1])
	}

	// RemoveFront is strictly FIFO.
	if err := s.RemoveFront("b"); err == nil {
		t.Fatal("RemoveFront accepted a non-head ID")
	}
	if err := s.RemoveFront("a"); err != nil {
		t.Fatalf("RemoveFront(a): %v", err)
	}
	got, _ = s.Entries()
	if len(got) != 2 || got[0].ID != "b" {
		t.Fatalf("entries after pop: %+v", got)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Len(); n != 0 {
		t.Fatalf("Len after clear = %d", n)
	}
	if err := s.RemoveFront("b"); err == nil {
		t.Fatal("RemoveFront on empty queue succeeded")
	}
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()
	storeUnderTest(t, NewMemoryStore(0))
}

func TestMemoryStoreBound(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(2)
	if err := s.Append(entry("a", 0, ot.New().Insert("a"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(entry("b", 0, ot.New().Insert("b"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(entry("c", 0, ot.New().Insert("c"))); err == nil {
		t.Fatal("Append beyond bound succeeded")
	}
}

func TestBoltStoreContract(t *testing.T) {
	t.Parallel()

	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	defer s.Close()
	storeUnderTest(t, s)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	if err := s.Append(entry("a", 4, ot.New().Insert("héllo"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(entry("b", 4, ot.New().Retain(5).Insert("!"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[0].Revision != 4 || !got[0].Op.Equal(ot.New().Insert("héllo")) {
		t.Fatalf("head after reopen = %+v", got[0])
	}
	if got[1].ID != "b" {
		t.Fatalf("tail after reopen = %+v", got[1])
	}
}

// A manager handed a store with queued entries resumes from their base
// revision.
func TestManagerResumesFromPersistedQueue(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	if err := s.Append(entry("a", 9, ot.New().Retain(2).Insert("x"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	m, err := NewManager(ManagerConfig{
		URL:    "ws://relay.test/session",
		UserID: "alice",
		Store:  s,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, rev := m.Document(); rev != 9 {
		t.Fatalf("resumed revision = %d, want 9", rev)
	}
	if got := m.Stats().QueueSize; got != 1 {
		t.Fatalf("resumed queue = %d, want 1", got)
	}
}
