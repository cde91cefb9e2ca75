package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/server-elo/collab/ot"
)

// Session is the editor-facing facade over a Manager. It maintains the
// local document view (server state plus queued local edits), converts
// positional edits into operations, and keeps the view current as remote
// operations and snapshot replacements arrive on the bus.
//
// All positions are rune offsets into the current view. Session methods
// are safe for concurrent use, but a single editor goroutine is the
// expected caller.
type Session struct {
	mgr *Manager

	mu  sync.Mutex
	doc []rune
	rev int64 // server revision the view is built on
}

// NewSession wraps a Manager in an editing session. The session subscribes
// to the manager's bus; construct it before calling Connect so the initial
// snapshot is captured.
func NewSession(mgr *Manager) *Session {
	s := &Session{mgr: mgr}
	mgr.Bus().OnOperation(s.applyRemote)
	mgr.Bus().OnDocument(s.replaceDocument)
	return s
}

// Manager returns the underlying connection manager.
func (s *Session) Manager() *Manager { return s.mgr }

// Connect establishes the collaboration session and aligns the local view
// with the reconciled server state plus any still-queued local edits.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.mgr.Connect(ctx); err != nil {
		return err
	}
	return s.rebuildView()
}

// Disconnect tears the transport down; the local view and queued edits are
// kept for later reconnection.
func (s *Session) Disconnect() { s.mgr.Disconnect() }

// Reconnect dials again and realigns the view.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.mgr.Reconnect(ctx); err != nil {
		return err
	}
	return s.rebuildView()
}

// ForceSync runs a full resync against the server.
func (s *Session) ForceSync(ctx context.Context) error {
	return s.mgr.ForceSync(ctx)
}

// Close disposes the session and its manager.
func (s *Session) Close() error { return s.mgr.Close() }

// Text returns the current local view.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.doc)
}

// Len returns the rune length of the current view.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc)
}

// Stats reports connection state.
func (s *Session) Stats() ConnectionStats { return s.mgr.Stats() }

// InsertText inserts text at the given rune position in the local view and
// queues the corresponding operation for delivery.
func (s *Session) InsertText(pos int, text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	if pos < 0 || pos > len(s.doc) {
		n := len(s.doc)
		s.mu.Unlock()
		return fmt.Errorf("collab: insert position %d outside document of %d runes", pos, n)
	}
	op := ot.New().Retain(pos).Insert(text).Retain(len(s.doc) - pos)
	s.doc = append(s.doc[:pos:pos], append([]rune(text), s.doc[pos:]...)...)
	s.mu.Unlock()
	return s.mgr.SendOperation(op)
}

// DeleteText removes n runes starting at pos from the local view and
// queues the corresponding operation.
func (s *Session) DeleteText(pos, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	if pos < 0 || pos+n > len(s.doc) {
		l := len(s.doc)
		s.mu.Unlock()
		return fmt.Errorf("collab: delete range [%d,%d) outside document of %d runes", pos, pos+n, l)
	}
	op := ot.New().Retain(pos).Delete(n).Retain(len(s.doc) - pos - n)
	s.doc = append(s.doc[:pos:pos], s.doc[pos+n:]...)
	s.mu.Unlock()
	return s.mgr.SendOperation(op)
}

// ReplaceText substitutes n runes at pos with text in a single operation.
func (s *Session) ReplaceText(pos, n int, text string) error {
	if n <= 0 && text == "" {
		return nil
	}
	s.mu.Lock()
	if pos < 0 || n < 0 || pos+n > len(s.doc) {
		l := len(s.doc)
		s.mu.Unlock()
		return fmt.Errorf("collab: replace range [%d,%d) outside document of %d runes", pos, pos+n, l)
	}
	op := ot.New().Retain(pos).Insert(text).Delete(n).Retain(len(s.doc) - pos - n)
	s.doc = append(s.doc[:pos:pos], append([]rune(text), s.doc[pos+n:]...)...)
	s.mu.Unlock()
	return s.mgr.SendOperation(op)
}

// SetText replaces the whole view with text in a single operation. Editors
// use this to push an externally loaded document into the session.
func (s *Session) SetText(text string) error {
	s.mu.Lock()
	if string(s.doc) == text {
		s.mu.Unlock()
		return nil
	}
	op := ot.New().Insert(text).Delete(len(s.doc))
	s.doc = []rune(text)
	s.mu.Unlock()
	return s.mgr.SendOperation(op)
}

// SendCursorUpdate forwards the local cursor position.
func (s *Session) SendCursorUpdate(position int, selStart, selEnd *int) error {
	return s.mgr.SendCursorUpdate(position, selStart, selEnd)
}

// SendPresenceUpdate forwards the local presence status.
func (s *Session) SendPresenceUpdate(status string, typing bool) error {
	return s.mgr.SendPresenceUpdate(status, typing)
}

// SendChatMessage sends a chat message and returns its client message ID.
func (s *Session) SendChatMessage(content, msgType string) (string, error) {
	return s.mgr.SendChatMessage(content, msgType)
}

// SendCompilationRequest submits the current or given source for
// compilation; pass "" to compile the current view.
func (s *Session) SendCompilationRequest(source string, optimize bool) (string, error) {
	if source == "" {
		source = s.Text()
	}
	return s.mgr.SendCompilationRequest(source, optimize)
}

// ClearOfflineData drops queued local edits and resets the view to the
// last server-integrated document.
func (s *Session) ClearOfflineData() error {
	if err := s.mgr.ClearOfflineData(); err != nil {
		return err
	}
	text, rev := s.mgr.Document()
	s.mu.Lock()
	s.doc = []rune(text)
	s.rev = rev
	s.mu.Unlock()
	return nil
}

// applyRemote folds a remote operation (already transformed against the
// local queue) into the view. Operations at or below the view's revision
// were already absorbed by a rebuild and are skipped; bus delivery is
// asynchronous, so a rebuild can overtake an in-flight event.
func (s *Session) applyRemote(e RemoteOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Revision <= s.rev {
		return
	}
	next, err := e.Op.Apply(string(s.doc))
	if err != nil {
		// View drift: the next sync replaces the document wholesale.
		s.mgr.log.Error("session.remote.apply", "op", e.ServerOpID, "err", err)
		return
	}
	s.doc = []rune(next)
	s.rev = e.Revision
}

// replaceDocument adopts a snapshot replacement unless the view has already
// moved past it.
func (s *Session) replaceDocument(u DocumentUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Revision < s.rev {
		return
	}
	s.doc = []rune(u.Text)
	s.rev = u.Revision
}

// rebuildView recomputes the view as the server document with all queued
// local edits applied on top.
func (s *Session) rebuildView() error {
	// Read document and queue under the manager lock so an ack cannot move
	// an operation from the queue into the document between the two reads.
	s.mgr.mu.Lock()
	text := s.mgr.serverDoc
	rev := s.mgr.revision
	entries, err := s.mgr.store.Entries()
	s.mgr.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range entries {
		next, aerr := e.Op.Apply(text)
		if aerr != nil {
			return fmt.Errorf("collab: rebuild view at %s: %w", e.ID, aerr)
		}
		text = next
	}
	s.mu.Lock()
	s.doc = []rune(text)
	s.rev = rev
	s.mu.Unlock()
	return nil
}
