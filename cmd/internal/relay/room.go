package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
	"github.com/server-elo/collab/internal/checksum"
	"github.com/server-elo/collab/ot"
)

// ErrRevisionTooOld is returned when a submitted operation's base revision
// fell out of the retained history window. The client must resync.
var ErrRevisionTooOld = errors.New("base revision below retained history")

// ApplyResult describes an operation accepted by the room.
type ApplyResult struct {
	ServerOpID string
	Revision   int64
	Spans      []v1.Span
}

// Room is the authoritative document state for one collaboration session.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
// - Apply serializes operations into a single total order per room.
type Room struct {
	log     *slog.Logger
	ID      string
	store   SessionStore
	metrics *Metrics

	mu       sync.RWMutex
	members  map[string]*Client // keyed by connection id
	presence map[string]v1.PresencePayload

	doc      string
	revision int64
	// history holds the most recent accepted operations, oldest first.
	// history[i].Revision is the revision the operation produced, so an entry
	// at revision r was generated against document state r-1.
	history []v1.SyncOp
}

// NewRoom constructs a room seeded with a document snapshot.
func NewRoom(log *slog.Logger, id string, store SessionStore, metrics *Metrics, doc string, revision int64) *Room {
	return &Room{
		log:      log,
		ID:       id,
		store:    store,
		metrics:  metrics,
		members:  make(map[string]*Client),
		presence: make(map[string]v1.PresencePayload),
		doc:      doc,
		revision: revision,
	}
}

// Snapshot returns the current document text and revision.
func (r *Room) Snapshot() (string, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc, r.revision
}

// MemberCount returns the number of attached connections.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Join adds a connection to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.ConnID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.ConnID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "conn_id", client.ConnID, "user_id", client.UserID)
}

// Leave removes a connection from membership and signals shutdown for that
// client. When this was the user's last connection, an offline presence
// update is broadcast to the remaining members.
func (r *Room) Leave(connID string) {
	if r == nil || connID == "" {
		return
	}

	var (
		cl          *Client
		wentOffline string
	)

	r.mu.Lock()
	cl = r.members[connID]
	delete(r.members, connID)
	if cl != nil && cl.UserID != "" {
		still := false
		for _, m := range r.members {
			if m != nil && m.UserID == cl.UserID {
				still = true
				break
			}
		}
		if !still {
			delete(r.presence, cl.UserID)
			wentOffline = cl.UserID
		}
	}
	r.mu.Unlock()

	// Signal client shutdown after removing from membership so a broadcaster
	// never holds a pointer to a client mid-teardown.
	if cl != nil {
		cl.Close()
	}

	r.log.Info("room.member.leave", "room_id", r.ID, "conn_id", connID)

	if wentOffline != "" {
		env, err := newEnvelope(v1.TypePresence, v1.PresencePayload{
			UserID:   wentOffline,
			Status:   v1.PresenceOffline,
			LastSeen: time.Now().UTC(),
		})
		if err == nil {
			r.Broadcast(env)
		}
	}
}

// SetPresence records a presence update and returns the stored payload.
func (r *Room) SetPresence(p v1.PresencePayload) v1.PresencePayload {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	r.mu.Lock()
	if p.Status == v1.PresenceOffline {
		delete(r.presence, p.UserID)
	} else {
		r.presence[p.UserID] = p
	}
	r.mu.Unlock()
	return p
}

// Presence returns a copy of the current presence roster.
func (r *Room) Presence() []v1.PresencePayload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.PresencePayload, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	return out
}

// Apply accepts one submitted operation: it transforms the operation over
// every accepted operation the submitter had not seen, applies it, assigns
// the next revision, and persists the resulting snapshot.
//
// Tie-break: transform arguments are ordered by ascending user ID, so the
// user with the lexicographically smaller ID keeps the earlier position when
// two inserts land at the same offset. Clients order their transforms the
// same way, which is what makes reconciliation deterministic.
func (r *Room) Apply(ctx context.Context, in v1.OpSubmitPayload) (ApplyResult, error) {
	op, err := v1.OperationFromSpans(in.Spans)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("decode spans: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if in.Revision > r.revision {
		return ApplyResult{}, fmt.Errorf("base revision %d ahead of document revision %d", in.Revision, r.revision)
	}
	if in.Revision < r.revision-int64(len(r.history)) {
		return ApplyResult{}, ErrRevisionTooOld
	}

	// Transform over every operation accepted after the submitter's base.
	for _, h := range r.history {
		if h.Revision <= in.Revision {
			continue
		}
		hop, herr := v1.OperationFromSpans(h.Spans)
		if herr != nil {
			return ApplyResult{}, fmt.Errorf("corrupt history at revision %d: %w", h.Revision, herr)
		}
		if in.UserID < h.UserID {
			op, _, err = ot.Transform(op, hop)
		} else {
			_, op, err = ot.Transform(hop, op)
		}
		if err != nil {
			return ApplyResult{}, fmt.Errorf("transform against revision %d: %w", h.Revision, err)
		}
	}

	next, err := op.Apply(r.doc)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply: %w", err)
	}
	if len([]rune(next)) > maxDocumentChars {
		return ApplyResult{}, fmt.Errorf("document exceeds %d characters", maxDocumentChars)
	}

	r.doc = next
	r.revision++

	spans := v1.SpansFromOperation(op)
	entry := v1.SyncOp{
		ServerOpID: newServerOpID(time.Now().UTC()),
		ClientOpID: in.ClientOpID,
		UserID:     in.UserID,
		Revision:   r.revision,
		Spans:      spans,
	}
	r.history = append(r.history, entry)
	if len(r.history) > historyWindowOps {
		r.history = r.history[len(r.history)-historyWindowOps:]
	}

	if r.store != nil {
		if err := r.store.SaveDocument(ctx, DocumentState{
			SessionID: r.ID,
			Text:      r.doc,
			Revision:  r.revision,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			// Persistence failure must not reject an already-applied operation.
			r.log.Error("room.save.fail", "room_id", r.ID, "revision", r.revision, "err", err)
		}
	}

	return ApplyResult{ServerOpID: entry.ServerOpID, Revision: entry.Revision, Spans: spans}, nil
}

// Sync answers a sync request from a client at revision "from".
func (r *Room) Sync(from int64, full bool) v1.SyncStatePayload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := v1.SyncStatePayload{
		Revision: r.revision,
		Document: r.doc,
		Checksum: checksum.Document(r.doc),
	}

	if full || from < r.revision-int64(len(r.history)) || from > r.revision {
		return out
	}

	out.HistoryOK = true
	for _, h := range r.history {
		if h.Revision > from {
			out.Ops = append(out.Ops, h)
		}
	}
	return out
}

// Broadcast fans an envelope out to all members.
// Non-blocking: if a member queue is full or the client is shutting down,
// the envelope is dropped for that member.
func (r *Room) Broadcast(env v1.Envelope) {
	r.BroadcastExcept(env, "")
}

// BroadcastExcept fans an envelope out to all members except one connection.
func (r *Room) BroadcastExcept(env v1.Envelope, exceptConnID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptConnID {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			if r.metrics != nil {
				r.metrics.BroadcastDrops.Inc()
			}
		}
	}
}
