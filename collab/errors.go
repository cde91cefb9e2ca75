package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by sends attempted on a client whose
	// transport is not established.
	ErrNotConnected = errors.New("collab: not connected")

	// ErrAlreadyConnected is returned by Connect on an established client.
	ErrAlreadyConnected = errors.New("collab: already connected")

	// ErrClosed is returned once a manager or client has been disposed.
	ErrClosed = errors.New("collab: closed")

	// ErrMaxRetriesExceeded is terminal: the reconnect attempt budget is
	// exhausted and no further automatic retry will happen.
	ErrMaxRetriesExceeded = errors.New("collab: max reconnect attempts exceeded")

	// ErrHandshakeFailed is returned when the server does not acknowledge
	// the hello within the handshake timeout.
	ErrHandshakeFailed = errors.New("collab: handshake failed")
)

// DataLossError reports offline-queue operations that could not be
// reconciled against server state. It is surfaced via the event bus and
// never swallowed.
type DataLossError struct {
	Reason string
	Lost   []QueueEntry
}

func (e *DataLossError) Error() string {
	return fmt.Sprintf("collab: data loss: %s (%d operations lost)", e.Reason, len(e.Lost))
}
