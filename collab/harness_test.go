package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
	"github.com/server-elo/collab/internal/checksum"
	"github.com/server-elo/collab/ot"
)

// pipeConn is an in-process Conn backed by channels. The relay holds the
// other end.
type pipeConn struct {
	recv chan []byte // relay -> client
	send chan []byte // client -> relay
	done chan struct{}
	once sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		recv: make(chan []byte, 64),
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.recv:
		return b, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close(code int, reason string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// fakeRelay is a scripted in-process collaboration server. It implements
// Dialer; every accepted dial is served by a goroutine speaking the v1
// envelope protocol against an authoritative document.
type fakeRelay struct {
	mu        sync.Mutex
	doc       string
	revision  int64
	history   []v1.SyncOp
	historyOK bool
	refuse    bool
	mute      bool
	dials     int
	pings     int
	submits   []v1.OpSubmitPayload
	conn      *pipeConn
	serverOps int64
}

func newFakeRelay(doc string) *fakeRelay {
	return &fakeRelay{doc: doc, historyOK: true}
}

func (r *fakeRelay) Dial(ctx context.Context, url string) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	if r.refuse {
		return nil, errors.New("dial refused")
	}
	c := newPipeConn()
	r.conn = c
	go r.serve(c)
	return c, nil
}

// refuseDials makes every subsequent dial fail.
func (r *fakeRelay) refuseDials(refuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse = refuse
}

// mutePings makes the relay swallow latency probes.
func (r *fakeRelay) mutePings(mute bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mute = mute
}

// dropConn severs the current connection from the server side.
func (r *fakeRelay) dropConn() {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c != nil {
		_ = c.Close(0, "dropped")
	}
}

func (r *fakeRelay) dialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

func (r *fakeRelay) pingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pings
}

func (r *fakeRelay) document() (string, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc, r.revision
}

func (r *fakeRelay) submitted() []v1.OpSubmitPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]v1.OpSubmitPayload(nil), r.submits...)
}

// advance applies an operation from another participant to the
// authoritative document. When a connection is live the operation is
// broadcast as op_apply; otherwise it only extends the history, simulating
// edits made while the client was offline.
func (r *fakeRelay) advance(t *testing.T, userID string, op *ot.Operation, broadcast bool) {
	t.Helper()
	r.mu.Lock()
	next, err := op.Apply(r.doc)
	if err != nil {
		r.mu.Unlock()
		t.Fatalf("relay advance: %v", err)
	}
	r.doc = next
	r.revision++
	r.serverOps++
	h := v1.SyncOp{
		ServerOpID: serverOpID(r.serverOps),
		UserID:     userID,
		Revision:   r.revision,
		Spans:      v1.SpansFromOperation(op),
	}
	r.history = append(r.history, h)
	c := r.conn
	rev := r.revision
	r.mu.Unlock()

	if broadcast && c != nil {
		r.writeTo(c, v1.TypeOpApply, v1.OpApplyPayload{
			ServerOpID: h.ServerOpID,
			UserID:     userID,
			Revision:   rev,
			Spans:      h.Spans,
		})
	}
}

// pruneHistory makes the relay answer sync requests with history_ok false.
func (r *fakeRelay) pruneHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historyOK = false
	r.history = nil
}

func (r *fakeRelay) serve(c *pipeConn) {
	env, ok := r.readFrom(c)
	if !ok || env.Type != v1.TypeHello {
		_ = c.Close(0, "bad handshake")
		return
	}
	var hello v1.HelloPayload
	_ = json.Unmarshal(env.Payload, &hello)

	r.mu.Lock()
	ack := v1.HelloAckPayload{
		SessionID: hello.SessionID,
		UserID:    hello.UserID,
		Revision:  r.revision,
		Document:  r.doc,
		Checksum:  checksum.Document(r.doc),
	}
	r.mu.Unlock()
	r.writeTo(c, v1.TypeHelloAck, ack)

	for {
		env, ok := r.readFrom(c)
		if !ok {
			return
		}
		switch env.Type {
		case v1.TypeOpSubmit:
			var p v1.OpSubmitPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			r.handleSubmit(c, p)
		case v1.TypeSyncRequest:
			var p v1.SyncRequestPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			r.handleSync(c, p)
		case v1.TypePing:
			r.mu.Lock()
			r.pings++
			mute := r.mute
			r.mu.Unlock()
			if mute {
				continue
			}
			var p v1.PingPayload
			_ = json.Unmarshal(env.Payload, &p)
			r.writeTo(c, v1.TypePong, v1.PongPayload{Nonce: p.Nonce})
		}
	}
}

// handleSubmit integrates a client operation, transforming it against any
// history the client had not seen. Transform arguments are ordered by
// ascending user ID, matching the client side.
func (r *fakeRelay) handleSubmit(c *pipeConn, p v1.OpSubmitPayload) {
	op, err := v1.OperationFromSpans(p.Spans)
	if err != nil {
		r.writeTo(c, v1.TypeError, v1.ErrorPayload{Code: "bad_op", Message: err.Error()})
		return
	}

	r.mu.Lock()
	r.submits = append(r.submits, p)
	for _, h := range r.history {
		if h.Revision <= p.Revision {
			continue
		}
		hop, herr := v1.OperationFromSpans(h.Spans)
		if herr != nil {
			r.mu.Unlock()
			return
		}
		if p.UserID < h.UserID {
			op, _, err = ot.Transform(op, hop)
		} else {
			_, op, err = ot.Transform(hop, op)
		}
		if err != nil {
			r.mu.Unlock()
			r.writeTo(c, v1.TypeError, v1.ErrorPayload{Code: "transform_failed", Message: err.Error()})
			return
		}
	}

	next, err := op.Apply(r.doc)
	if err != nil {
		r.mu.Unlock()
		r.writeTo(c, v1.TypeError, v1.ErrorPayload{Code: "apply_failed", Message: err.Error()})
		return
	}
	r.doc = next
	r.revision++
	r.serverOps++
	sid := serverOpID(r.serverOps)
	r.history = append(r.history, v1.SyncOp{
		ServerOpID: sid,
		ClientOpID: p.ClientOpID,
		UserID:     p.UserID,
		Revision:   r.revision,
		Spans:      v1.SpansFromOperation(op),
	})
	rev := r.revision
	r.mu.Unlock()

	r.writeTo(c, v1.TypeOpAck, v1.OpAckPayload{
		ClientOpID: p.ClientOpID,
		ServerOpID: sid,
		Revision:   rev,
	})
}

func (r *fakeRelay) handleSync(c *pipeConn, p v1.SyncRequestPayload) {
	r.mu.Lock()
	sp := v1.SyncStatePayload{
		Revision:  r.revision,
		Document:  r.doc,
		Checksum:  checksum.Document(r.doc),
		HistoryOK: r.historyOK,
	}
	if r.historyOK {
		for _, h := range r.history {
			if h.Revision > p.FromRevision {
				sp.Ops = append(sp.Ops, h)
			}
		}
	}
	r.mu.Unlock()
	r.writeTo(c, v1.TypeSyncState, sp)
}

func (r *fakeRelay) readFrom(c *pipeConn) (v1.Envelope, bool) {
	select {
	case b := <-c.send:
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return v1.Envelope{}, false
		}
		return env, true
	case <-c.done:
		return v1.Envelope{}, false
	}
}

func (r *fakeRelay) writeTo(c *pipeConn, typ string, payload any) {
	env, err := newEnvelope(typ, payload)
	if err != nil {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.recv <- b:
	case <-c.done:
	}
}

func serverOpID(n int64) string {
	const digits = "0123456789"
	if n == 0 {
		return "srv-0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return "srv-" + string(buf[i:])
}

// waitFor polls cond until it holds or the test deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}
