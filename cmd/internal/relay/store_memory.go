package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

const memMaxChatPerSession = 10_000

// InMemoryStore is a dev-only fallback when DB is not configured. Documents
// and chat vanish with the process.
type InMemoryStore struct {
	mu   sync.Mutex
	docs map[string]DocumentState
	chat map[string]*memChat
}

type memChat struct {
	seq    int64
	dedupe map[string]StoredChatMessage // client_msg_id -> stored message
	msgs   []StoredChatMessage          // ordered by seq
}

// NewInMemoryStore constructs an in-memory SessionStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs: make(map[string]DocumentState),
		chat: make(map[string]*memChat),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// LoadDocument returns the stored snapshot for a session, if any.
func (s *InMemoryStore) LoadDocument(ctx context.Context, sessionID string) (DocumentState, bool, error) {
	if sessionID == "" {
		return DocumentState{}, false, errors.New("missing session_id")
	}
	if err := ctx.Err(); err != nil {
		return DocumentState{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.docs[sessionID]
	return st, ok, nil
}

// SaveDocument stores a snapshot, ignoring saves at stale revisions.
func (s *InMemoryStore) SaveDocument(ctx context.Context, state DocumentState) error {
	if state.SessionID == "" {
		return errors.New("missing session_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[state.SessionID]; ok && cur.Revision >= state.Revision {
		return nil
	}
	s.docs[state.SessionID] = state
	return nil
}

// AppendChat persists a chat message with idempotency and monotonic
// sequence allocation.
func (s *InMemoryStore) AppendChat(ctx context.Context, in AppendChatInput) (AppendChatResult, error) {
	if in.SessionID == "" || in.ClientMsgID == "" || in.UserID == "" {
		return AppendChatResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendChatResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat[in.SessionID]
	if c == nil {
		c = &memChat{
			dedupe: make(map[string]StoredChatMessage),
			msgs:   make([]StoredChatMessage, 0, 256),
		}
		s.chat[in.SessionID] = c
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return AppendChatResult{Stored: existing, Duplicated: true}, nil
	}

	c.seq++
	msg := StoredChatMessage{
		SessionID:   in.SessionID,
		ID:          NewRandomHex(16),
		ClientMsgID: in.ClientMsgID,
		UserID:      in.UserID,
		Content:     in.Content,
		MsgType:     in.MsgType,
		Seq:         c.seq,
		TS:          now,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxChatPerSession {
		c.msgs = c.msgs[len(c.msgs)-memMaxChatPerSession:]
	}

	return AppendChatResult{Stored: msg, Duplicated: false}, nil
}
