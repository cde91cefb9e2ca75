package collab

import (
	"fmt"
	"sync"
)

// MemoryStore is the default in-process OfflineStore. Queued operations do
// not survive a process restart; use BoltStore when they must.
type MemoryStore struct {
	mu      sync.Mutex
	entries []QueueEntry
	max     int
}

// NewMemoryStore constructs a MemoryStore bounded to max entries
// (defaulted when max <= 0).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = defaultMaxQueuedOps
	}
	return &MemoryStore{max: max}
}

// Append adds an entry at the tail.
func (s *MemoryStore) Append(e QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.max {
		return fmt.Errorf("collab: offline queue full (%d entries)", s.max)
	}
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a snapshot in enqueue order.
func (s *MemoryStore) Entries() ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueEntry(nil), s.entries...), nil
}

// Update replaces the entry with the same ID, preserving its position.
func (s *MemoryStore) Update(e QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == e.ID {
			s.entries[i] = e
			return nil
		}
	}
	return fmt.Errorf("collab: queue entry %s not found", e.ID)
}

// RemoveFront pops the head entry if its ID matches.
func (s *MemoryStore) RemoveFront(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return fmt.Errorf("collab: queue empty, cannot remove %s", id)
	}
	if s.entries[0].ID != id {
		return fmt.Errorf("collab: queue head is %s, not %s", s.entries[0].ID, id)
	}
	s.entries = s.entries[1:]
	return nil
}

// Len returns the number of queued entries.
func (s *MemoryStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// Clear removes all entries.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
