package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Hub owns in-memory rooms and provides stable room handles. A room is
// hydrated from the SessionStore the first time it is requested; afterwards
// the in-memory state is authoritative and the store only receives
// snapshots.
type Hub struct {
	log     *slog.Logger
	store   SessionStore
	metrics *Metrics

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, store SessionStore, metrics *Metrics) *Hub {
	return &Hub{
		log:     log,
		store:   store,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable room handle, loading the persisted
// document snapshot on first access.
func (h *Hub) GetOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r, nil
	}

	var (
		doc string
		rev int64
	)
	if h.store != nil {
		st, ok, err := h.store.LoadDocument(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
		if ok {
			doc, rev = st.Text, st.Revision
		}
	}

	r := NewRoom(h.log, roomID, h.store, h.metrics, doc, rev)
	h.rooms[roomID] = r
	if h.metrics != nil {
		h.metrics.ActiveRooms.Set(float64(len(h.rooms)))
	}
	h.log.Info("hub.room.create", "room_id", roomID, "revision", rev)
	return r, nil
}

// ReapEmpty drops rooms without members. Persisted state survives; a later
// join re-hydrates the room from the store.
func (h *Hub) ReapEmpty() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	reaped := 0
	for id, r := range h.rooms {
		if r.MemberCount() == 0 {
			delete(h.rooms, id)
			reaped++
		}
	}
	if reaped > 0 && h.metrics != nil {
		h.metrics.ActiveRooms.Set(float64(len(h.rooms)))
	}
	return reaped
}
