package collab

import (
	"sort"
	"sync"
	"time"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
)

// PresenceRecord is per-user ephemeral state shared among collaborators.
type PresenceRecord struct {
	UserID         string
	Status         string
	Typing         bool
	CursorPosition int
	SelectionStart *int
	SelectionEnd   *int
	LastSeen       time.Time
}

// PresenceTracker holds the presence map. It is owned by the Manager and
// mutated only by incoming transport events; callers read snapshots.
type PresenceTracker struct {
	mu    sync.RWMutex
	users map[string]PresenceRecord
}

// NewPresenceTracker constructs an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{users: make(map[string]PresenceRecord)}
}

func (t *PresenceTracker) applyPresence(p v1.PresencePayload) PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.users[p.UserID]
	rec.UserID = p.UserID
	rec.Status = p.Status
	rec.Typing = p.Typing
	rec.LastSeen = p.LastSeen
	if p.Status == v1.PresenceOffline {
		delete(t.users, p.UserID)
		return rec
	}
	t.users[p.UserID] = rec
	return rec
}

func (t *PresenceTracker) applyCursor(p v1.CursorPayload) PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.users[p.UserID]
	rec.UserID = p.UserID
	if rec.Status == "" {
		rec.Status = v1.PresenceOnline
	}
	rec.CursorPosition = p.Position
	rec.SelectionStart = p.SelectionStart
	rec.SelectionEnd = p.SelectionEnd
	rec.LastSeen = time.Now().UTC()
	t.users[p.UserID] = rec
	return rec
}

// Get returns the record for userID, if present.
func (t *PresenceTracker) Get(userID string) (PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.users[userID]
	return rec, ok
}

// Snapshot returns all records ordered by user ID.
func (t *PresenceTracker) Snapshot() []PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PresenceRecord, 0, len(t.users))
	for _, rec := range t.users {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *PresenceTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users = make(map[string]PresenceRecord)
}
