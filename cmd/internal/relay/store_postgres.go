package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a SessionStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Per-session transactional advisory locks serialize all writes for one
//   session, which guarantees no chat sequence gaps for duplicates, strict
//   monotonic ordering, and no document revision regressions under
//   concurrency.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "collab").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed SessionStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "collab",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// LoadDocument reads the persisted snapshot for a session.
func (s *PostgresStore) LoadDocument(ctx context.Context, sessionID string) (DocumentState, bool, error) {
	if s == nil || s.pool == nil {
		return DocumentState{}, false, errors.New("relay: nil store")
	}
	if sessionID == "" {
		return DocumentState{}, false, errors.New("missing session_id")
	}

	documents := pgIdent(s.schema, "documents")

	var st DocumentState
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, text, revision, updated_at
		   FROM `+documents+`
		  WHERE session_id = $1`,
		sessionID,
	).Scan(&st.SessionID, &st.Text, &st.Revision, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DocumentState{}, false, nil
	}
	if err != nil {
		return DocumentState{}, false, err
	}
	return st, true, nil
}

// SaveDocument upserts a snapshot. Saves at or below the stored revision are
// silently dropped so a racing stale writer can never roll the document back.
func (s *PostgresStore) SaveDocument(ctx context.Context, state DocumentState) error {
	if s == nil || s.pool == nil {
		return errors.New("relay: nil store")
	}
	if state.SessionID == "" {
		return errors.New("missing session_id")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	documents := pgIdent(s.schema, "documents")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+documents+` (session_id, text, revision, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE
		    SET text = EXCLUDED.text,
		        revision = EXCLUDED.revision,
		        updated_at = EXCLUDED.updated_at
		  WHERE `+documents+`.revision < EXCLUDED.revision`,
		state.SessionID, state.Text, state.Revision, state.UpdatedAt,
	)
	return err
}

// AppendChat appends a chat message with idempotency and monotonic sequence
// allocation.
func (s *PostgresStore) AppendChat(ctx context.Context, in AppendChatInput) (AppendChatResult, error) {
	if s == nil || s.pool == nil {
		return AppendChatResult{}, errors.New("relay: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendChatResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "chat_cursors")
	messages := pgIdent(s.schema, "chat_messages")

	// Serialize all chat writes per session.
	// hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.SessionID); err != nil {
		return AppendChatResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readChatByClientMsgID(ctx, tx, messages, in.SessionID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendChatResult{}, err
		}
		return AppendChatResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendChatResult{}, err
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (session_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (session_id) DO NOTHING`,
		in.SessionID,
	); err != nil {
		return AppendChatResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE session_id = $1
		RETURNING (next_seq - 1)`,
		in.SessionID,
	).Scan(&seq); err != nil {
		return AppendChatResult{}, err
	}

	id := NewRandomHex(16)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     session_id, seq, id, client_msg_id, user_id, content, msg_type, ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.SessionID, seq, id, in.ClientMsgID, in.UserID, in.Content, in.MsgType, now,
	); err != nil {
		return AppendChatResult{}, fmt.Errorf("insert chat message: %w", err)
	}

	out := StoredChatMessage{
		SessionID:   in.SessionID,
		ID:          id,
		ClientMsgID: in.ClientMsgID,
		UserID:      in.UserID,
		Content:     in.Content,
		MsgType:     in.MsgType,
		Seq:         seq,
		TS:          now,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendChatResult{}, err
	}
	return AppendChatResult{Stored: out, Duplicated: false}, nil
}

func readChatByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, sessionID, clientMsgID string) (StoredChatMessage, error) {
	var m StoredChatMessage
	err := tx.QueryRow(ctx,
		`SELECT session_id, id, client_msg_id, user_id, content, msg_type, seq, ts
		   FROM `+messagesTable+`
		  WHERE session_id = $1 AND client_msg_id = $2`,
		sessionID, clientMsgID,
	).Scan(&m.SessionID, &m.ID, &m.ClientMsgID, &m.UserID, &m.Content, &m.MsgType, &m.Seq, &m.TS)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
