package collab

import (
	"time"

	"github.com/server-elo/collab/ot"
)

// QueueEntry is a pending operation held while disconnected (or awaiting
// acknowledgment). Entries are owned exclusively by the Manager; callers
// never mutate them directly.
type QueueEntry struct {
	// ID is the client operation ID echoed back in the server's ack.
	ID string

	// Revision is the document revision the operation was generated
	// against. Replay transforms the operation forward from here.
	Revision int64

	// Op is the pending operation.
	Op *ot.Operation

	// EnqueuedAt records when the entry was queued.
	EnqueuedAt time.Time
}

// OfflineStore is an ordered buffer of not-yet-acknowledged operations.
//
// Requirements:
//   - FIFO: Entries returns elements in enqueue order and RemoveFront pops
//     from the head.
//   - Update must preserve position (used when replay transforms pending
//     operations against remote ones).
//
// A store instance must not be shared between managers.
type OfflineStore interface {
	Append(e QueueEntry) error
	Entries() ([]QueueEntry, error)
	// Update replaces the entry with the same ID in place.
	Update(e QueueEntry) error
	// RemoveFront removes the head entry if its ID matches.
	RemoveFront(id string) error
	Len() (int, error)
	Clear() error
	Close() error
}
