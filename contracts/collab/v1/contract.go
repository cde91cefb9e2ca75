// Package v1 defines the collaboration wire protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay server and clients to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for this contract.
const Subprotocol = "collab.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and carries the current
	// document snapshot (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeOpSubmit submits a text operation (client -> server).
	TypeOpSubmit = "op_submit"
	// TypeOpAck acknowledges an accepted operation with its assigned
	// revision (server -> submitting client).
	TypeOpAck = "op_ack"
	// TypeOpApply broadcasts an accepted operation (server -> other members).
	TypeOpApply = "op_apply"

	// TypeCursor carries a cursor/selection update (both directions).
	TypeCursor = "cursor"
	// TypePresence carries a presence update (both directions).
	TypePresence = "presence"

	// TypeChatSend requests sending a chat message (client -> server).
	TypeChatSend = "chat_send"
	// TypeChatNew broadcasts an accepted chat message (server -> members).
	TypeChatNew = "chat_new"

	// TypeCompileRequest asks the relay to compile the current source
	// (client -> server).
	TypeCompileRequest = "compile_request"
	// TypeCompileResult returns the compile outcome (server -> client).
	TypeCompileResult = "compile_result"

	// TypeSyncRequest asks for operations since a known revision
	// (client -> server).
	TypeSyncRequest = "sync_request"
	// TypeSyncState returns document state and/or the requested operation
	// window (server -> client).
	TypeSyncState = "sync_state"

	// TypePing and TypePong implement application-level latency probes.
	TypePing = "ping"
	TypePong = "pong"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:          {},
	TypeHelloAck:       {},
	TypeOpSubmit:       {},
	TypeOpAck:          {},
	TypeOpApply:        {},
	TypeCursor:         {},
	TypePresence:       {},
	TypeChatSend:       {},
	TypeChatNew:        {},
	TypeCompileRequest: {},
	TypeCompileResult:  {},
	TypeSyncRequest:    {},
	TypeSyncState:      {},
	TypePing:           {},
	TypePong:           {},
	TypeError:          {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks envelope-level invariants. Payload-level validation is
// the responsibility of the payload structs.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%q want=%q", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// Span is one component of a text operation: exactly one of Retain, Insert,
// Delete is set. Retain and Delete counts are runes, not bytes.
type Span struct {
	Retain int    `json:"retain,omitempty"`
	Insert string `json:"insert,omitempty"`
	Delete int    `json:"delete,omitempty"`
}

// HelloPayload opens a session (client -> server).
type HelloPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Validate checks required handshake fields.
func (p HelloPayload) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" {
		return errors.New("missing session_id")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing user_id")
	}
	return nil
}

// HelloAckPayload completes the handshake with a document snapshot.
// Checksum is the lowercase hex BLAKE2b-128 digest of Document.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Revision  int64  `json:"revision"`
	Document  string `json:"document"`
	Checksum  string `json:"checksum"`
}

// OpSubmitPayload submits one operation generated against Revision.
type OpSubmitPayload struct {
	ClientOpID string `json:"client_op_id"`
	UserID     string `json:"user_id"`
	Revision   int64  `json:"revision"`
	Spans      []Span `json:"spans"`
}

// Validate checks required submit fields.
func (p OpSubmitPayload) Validate() error {
	if strings.TrimSpace(p.ClientOpID) == "" {
		return errors.New("missing client_op_id")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing user_id")
	}
	if p.Revision < 0 {
		return errors.New("negative revision")
	}
	if len(p.Spans) == 0 {
		return errors.New("empty spans")
	}
	return nil
}

// OpAckPayload acknowledges an accepted submit.
type OpAckPayload struct {
	ClientOpID string `json:"client_op_id"`
	ServerOpID string `json:"server_op_id"`
	Revision   int64  `json:"revision"`
}

// OpApplyPayload broadcasts an operation accepted at Revision.
// Spans are the server-transformed spans, valid against Revision-1.
type OpApplyPayload struct {
	ServerOpID string `json:"server_op_id"`
	ClientOpID string `json:"client_op_id"`
	UserID     string `json:"user_id"`
	Revision   int64  `json:"revision"`
	Spans      []Span `json:"spans"`
}

// CursorPayload carries a cursor position and optional selection
// (rune offsets).
type CursorPayload struct {
	UserID         string `json:"user_id"`
	Position       int    `json:"position"`
	SelectionStart *int   `json:"selection_start,omitempty"`
	SelectionEnd   *int   `json:"selection_end,omitempty"`
}

// Presence status constants (wire-stable).
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// PresencePayload carries ephemeral per-user state.
type PresencePayload struct {
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	Typing   bool      `json:"typing"`
	LastSeen time.Time `json:"last_seen"`
}

// Validate checks the presence status is one of the known constants.
func (p PresencePayload) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing user_id")
	}
	switch p.Status {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return nil
	default:
		return fmt.Errorf("unknown presence status: %s", p.Status)
	}
}

// ChatSendPayload requests a chat message send.
type ChatSendPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	UserID      string `json:"user_id"`
	Content     string `json:"content"`
	MsgType     string `json:"msg_type"`
}

// Validate checks required chat fields.
func (p ChatSendPayload) Validate() error {
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return errors.New("missing client_msg_id")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing user_id")
	}
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("empty content")
	}
	return nil
}

// ChatNewPayload broadcasts an accepted chat message.
type ChatNewPayload struct {
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Content string    `json:"content"`
	TS      time.Time `json:"timestamp"`
	MsgType string    `json:"type"`
}

// CompileRequestPayload asks for a compilation of Source.
type CompileRequestPayload struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Source    string `json:"source"`
	Optimize  bool   `json:"optimize"`
}

// Validate checks required compile fields.
func (p CompileRequestPayload) Validate() error {
	if strings.TrimSpace(p.RequestID) == "" {
		return errors.New("missing request_id")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing user_id")
	}
	return nil
}

// CompileResultPayload returns the compile outcome.
type CompileResultPayload struct {
	RequestID   string   `json:"request_id"`
	Success     bool     `json:"success"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Bytecode    string   `json:"bytecode,omitempty"`
	GasEstimate int64    `json:"gas_estimate,omitempty"`
}

// SyncRequestPayload asks for operations after FromRevision. When Full is
// set the server responds with the document snapshot regardless of history
// availability.
type SyncRequestPayload struct {
	FromRevision int64 `json:"from_revision"`
	Full         bool  `json:"full"`
}

// SyncOp is one historical operation inside a SyncStatePayload.
// ClientOpID lets a reconnecting client recognize its own operations whose
// acks were lost in the disconnect.
type SyncOp struct {
	ServerOpID string `json:"server_op_id"`
	ClientOpID string `json:"client_op_id"`
	UserID     string `json:"user_id"`
	Revision   int64  `json:"revision"`
	Spans      []Span `json:"spans"`
}

// SyncStatePayload answers a sync request.
//
// HistoryOK reports whether Ops covers (FromRevision, Revision]. When the
// requested window is no longer available server-side, HistoryOK is false
// and the client must fall back to Document/Checksum.
type SyncStatePayload struct {
	Revision  int64    `json:"revision"`
	Document  string   `json:"document"`
	Checksum  string   `json:"checksum"`
	HistoryOK bool     `json:"history_ok"`
	Ops       []SyncOp `json:"ops,omitempty"`
}

// PingPayload carries a latency probe nonce.
type PingPayload struct {
	Nonce string `json:"nonce"`
}

// PongPayload echoes a latency probe nonce.
type PongPayload struct {
	Nonce string `json:"nonce"`
}

// ErrorPayload is a generic error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
