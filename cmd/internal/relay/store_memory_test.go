package relay

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreDocumentRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	_, ok, err := store.LoadDocument(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected no document before save")
	}

	if err := store.SaveDocument(ctx, DocumentState{SessionID: "s1", Text: "hello", Revision: 3}); err != nil {
		t.Fatalf("save: %v", err)
	}

	st, ok, err := store.LoadDocument(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("load after save: ok=%v err=%v", ok, err)
	}
	if st.Text != "hello" || st.Revision != 3 {
		t.Fatalf("expected (hello, 3), got (%q, %d)", st.Text, st.Revision)
	}
}

func TestInMemoryStoreRejectsRevisionRegression(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.SaveDocument(ctx, DocumentState{SessionID: "s1", Text: "newer", Revision: 5}); err != nil {
		t.Fatalf("save newer: %v", err)
	}
	// A racing stale writer must not roll the document back, and must not
	// surface an error either.
	if err := store.SaveDocument(ctx, DocumentState{SessionID: "s1", Text: "stale", Revision: 4}); err != nil {
		t.Fatalf("save stale: %v", err)
	}

	st, _, err := store.LoadDocument(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Text != "newer" || st.Revision != 5 {
		t.Fatalf("expected (newer, 5), got (%q, %d)", st.Text, st.Revision)
	}
}

func TestInMemoryStoreChatDedupeAndSeq(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := store.AppendChat(ctx, AppendChatInput{
		SessionID:   "s1",
		ClientMsgID: "m1",
		UserID:      "alice",
		Content:     "hello",
		MsgType:     "text",
		Now:         now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated || first.Stored.Seq != 1 {
		t.Fatalf("append first: duplicated=%v seq=%d", first.Duplicated, first.Stored.Seq)
	}
	if first.Stored.ID == "" {
		t.Fatalf("expected non-empty server id")
	}

	dup, err := store.AppendChat(ctx, AppendChatInput{
		SessionID:   "s1",
		ClientMsgID: "m1", // duplicate on purpose
		UserID:      "alice",
		Content:     "hello",
		Now:         now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !dup.Duplicated {
		t.Fatalf("expected Duplicated=true")
	}
	if dup.Stored.ID != first.Stored.ID || dup.Stored.Seq != first.Stored.Seq {
		t.Fatalf("duplicate must return the originally stored message")
	}

	second, err := store.AppendChat(ctx, AppendChatInput{
		SessionID:   "s1",
		ClientMsgID: "m2",
		UserID:      "bob",
		Content:     "hi",
		Now:         now,
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Stored.Seq != 2 {
		t.Fatalf("expected seq 2 after dedupe, got %d", second.Stored.Seq)
	}
}

func TestInMemoryStoreChatSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	a, err := store.AppendChat(ctx, AppendChatInput{SessionID: "s1", ClientMsgID: "m1", UserID: "alice", Content: "a"})
	if err != nil {
		t.Fatalf("append s1: %v", err)
	}
	b, err := store.AppendChat(ctx, AppendChatInput{SessionID: "s2", ClientMsgID: "m1", UserID: "alice", Content: "b"})
	if err != nil {
		t.Fatalf("append s2: %v", err)
	}
	if b.Duplicated {
		t.Fatalf("client_msg_id must dedupe per session, not globally")
	}
	if a.Stored.Seq != 1 || b.Stored.Seq != 1 {
		t.Fatalf("expected independent sequences, got %d and %d", a.Stored.Seq, b.Stored.Seq)
	}
}

func TestInMemoryStoreValidatesInput(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if _, _, err := store.LoadDocument(ctx, ""); err == nil {
		t.Fatalf("expected error for empty session id")
	}
	if err := store.SaveDocument(ctx, DocumentState{}); err == nil {
		t.Fatalf("expected error for empty session id")
	}
	if _, err := store.AppendChat(ctx, AppendChatInput{SessionID: "s1"}); err == nil {
		t.Fatalf("expected error for missing chat fields")
	}
}
