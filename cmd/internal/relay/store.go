package relay

import (
	"context"
	"time"
)

// DocumentState is the persisted snapshot of a collaboration session's
// document.
type DocumentState struct {
	SessionID string
	Text      string
	Revision  int64
	UpdatedAt time.Time
}

// StoredChatMessage is the canonical persisted chat message representation.
type StoredChatMessage struct {
	SessionID   string
	ID          string
	ClientMsgID string
	UserID      string
	Content     string
	MsgType     string
	Seq         int64
	TS          time.Time
}

// AppendChatInput describes a chat append request.
type AppendChatInput struct {
	SessionID   string
	ClientMsgID string
	UserID      string
	Content     string
	MsgType     string
	Now         time.Time
}

// AppendChatResult is the append operation result.
type AppendChatResult struct {
	Stored     StoredChatMessage
	Duplicated bool
}

// SessionStore persists session documents and chat.
//
// Requirements:
//   - SaveDocument must never regress a revision: a save at a lower
//     revision than the stored one is dropped, not an error.
//   - AppendChat is idempotent per (session_id, client_msg_id) with
//     monotonic seq per session (no gaps for duplicates).
type SessionStore interface {
	LoadDocument(ctx context.Context, sessionID string) (DocumentState, bool, error)
	SaveDocument(ctx context.Context, state DocumentState) error
	AppendChat(ctx context.Context, in AppendChatInput) (AppendChatResult, error)
	Close() error
}
