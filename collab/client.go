package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
	"github.com/server-elo/collab/ot"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL of the collaboration session endpoint.
	URL string

	// UserID and SessionID identify this participant; both are supplied by
	// the hosting application.
	UserID    string
	SessionID string

	// Dialer supplies the transport. Defaults to WebSocketDialer.
	Dialer Dialer

	Logger *slog.Logger

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.Dialer == nil {
		out.Dialer = &WebSocketDialer{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	return out
}

// Client owns exactly one transport connection to a collaboration session
// and presents a typed event interface.
//
// Concurrency guarantees:
//   - Events of the same type are delivered in arrival order (all dispatch
//     happens on a single read goroutine).
//   - Handler registration is safe concurrently with dispatch.
//   - Send methods are safe from multiple goroutines.
type Client struct {
	log *slog.Logger
	cfg ClientConfig

	mu         sync.Mutex
	conn       Conn
	connected  bool
	cancelRead context.CancelFunc
	readDone   chan struct{}

	wmu sync.Mutex // serializes transport writes

	hmu        sync.RWMutex
	onOp       []func(v1.OpApplyPayload)
	onAck      []func(v1.OpAckPayload)
	onCursor   []func(v1.CursorPayload)
	onPresence []func(v1.PresencePayload)
	onChat     []func(v1.ChatNewPayload)
	onCompile  []func(v1.CompileResultPayload)
	onSync     []func(v1.SyncStatePayload)
	onPong     []func(v1.PongPayload)
	onErr      []func(v1.ErrorPayload)
	onClosed   []func(error)
}

// NewClient constructs a Client. It does not dial; call Connect.
func NewClient(cfg ClientConfig) *Client {
	full := cfg.withDefaults()
	return &Client{
		log: full.Logger,
		cfg: full,
	}
}

// Connect establishes the transport and performs the hello handshake.
// It resolves with the server's document snapshot on hello_ack and fails
// with ErrHandshakeFailed (wrapped) when the server rejects or times out.
// After Disconnect, Connect may be called again.
func (c *Client) Connect(ctx context.Context) (v1.HelloAckPayload, error) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return v1.HelloAckPayload{}, ErrAlreadyConnected
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.cfg.Dialer.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("collab: dial: %w", err)
	}

	ack, err := c.handshake(dialCtx, conn)
	if err != nil {
		_ = conn.Close(int(websocket.StatusPolicyViolation), "handshake failed")
		return v1.HelloAckPayload{}, err
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.cancelRead = cancelRead
	c.readDone = done
	c.mu.Unlock()

	go c.readLoop(readCtx, conn, done)

	c.log.Debug("client.connected", "session_id", c.cfg.SessionID, "user_id", c.cfg.UserID, "revision", ack.Revision)
	return ack, nil
}

func (c *Client) handshake(ctx context.Context, conn Conn) (v1.HelloAckPayload, error) {
	hello := v1.HelloPayload{SessionID: c.cfg.SessionID, UserID: c.cfg.UserID}
	if err := hello.Validate(); err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	env, err := newEnvelope(v1.TypeHello, hello)
	if err != nil {
		return v1.HelloAckPayload{}, err
	}
	if err := writeEnvelope(ctx, conn, env, c.cfg.WriteTimeout); err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("%w: write hello: %v", ErrHandshakeFailed, err)
	}

	// The ack is the first envelope the server sends on a fresh session.
	for {
		in, err := readEnvelope(ctx, conn)
		if err != nil {
			return v1.HelloAckPayload{}, fmt.Errorf("%w: read ack: %v", ErrHandshakeFailed, err)
		}
		if err := in.Validate(); err != nil {
			return v1.HelloAckPayload{}, fmt.Errorf("%w: bad ack envelope: %v", ErrHandshakeFailed, err)
		}

		switch in.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := json.Unmarshal(in.Payload, &ack); err != nil {
				return v1.HelloAckPayload{}, fmt.Errorf("%w: bad ack payload: %v", ErrHandshakeFailed, err)
			}
			return ack, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(in.Payload, &p)
			return v1.HelloAckPayload{}, fmt.Errorf("%w: server error %s: %s", ErrHandshakeFailed, p.Code, p.Message)
		default:
			// Presence or similar may race ahead of the ack; skip it.
			continue
		}
	}
}

// Disconnect releases the transport. Subsequent sends fail with
// ErrNotConnected. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	cancel := c.cancelRead
	done := c.readDone
	c.connected = false
	c.conn = nil
	c.cancelRead = nil
	c.readDone = nil
	c.mu.Unlock()

	cancel()
	_ = conn.Close(int(websocket.StatusNormalClosure), "bye")
	<-done

	c.log.Debug("client.disconnected", "session_id", c.cfg.SessionID)
}

// Connected reports whether the transport is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ---- outbound ----

func (c *Client) send(typ string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.connected
	c.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}

	env, err := newEnvelope(typ, payload)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeEnvelope(context.Background(), conn, env, c.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("collab: write %s: %w", typ, err)
	}
	return nil
}

// SendOperation transmits an operation generated against revision.
// Delivery assurance is the Manager's job, not the client's.
func (c *Client) SendOperation(clientOpID string, revision int64, op *ot.Operation) error {
	p := v1.OpSubmitPayload{
		ClientOpID: clientOpID,
		UserID:     c.cfg.UserID,
		Revision:   revision,
		Spans:      v1.SpansFromOperation(op),
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("collab: invalid operation: %w", err)
	}
	return c.send(v1.TypeOpSubmit, p)
}

// SendCursor transmits a cursor/selection update.
func (c *Client) SendCursor(position int, selStart, selEnd *int) error {
	return c.send(v1.TypeCursor, v1.CursorPayload{
		UserID:         c.cfg.UserID,
		Position:       position,
		SelectionStart: selStart,
		SelectionEnd:   selEnd,
	})
}

// SendPresence transmits a presence update.
func (c *Client) SendPresence(status string, typing bool) error {
	p := v1.PresencePayload{
		UserID:   c.cfg.UserID,
		Status:   status,
		Typing:   typing,
		LastSeen: time.Now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return c.send(v1.TypePresence, p)
}

// SendChat transmits a chat message and returns its client message ID.
func (c *Client) SendChat(content, msgType string) (string, error) {
	id := uuid.NewString()
	p := v1.ChatSendPayload{
		ClientMsgID: id,
		UserID:      c.cfg.UserID,
		Content:     content,
		MsgType:     msgType,
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := c.send(v1.TypeChatSend, p); err != nil {
		return "", err
	}
	return id, nil
}

// SendCompileRequest asks the session peer to compile source and returns
// the request ID the result will carry.
func (c *Client) SendCompileRequest(source string, optimize bool) (string, error) {
	id := uuid.NewString()
	p := v1.CompileRequestPayload{
		RequestID: id,
		UserID:    c.cfg.UserID,
		Source:    source,
		Optimize:  optimize,
	}
	if err := c.send(v1.TypeCompileRequest, p); err != nil {
		return "", err
	}
	return id, nil
}

// SendSyncRequest asks for operations after fromRevision.
func (c *Client) SendSyncRequest(fromRevision int64, full bool) error {
	return c.send(v1.TypeSyncRequest, v1.SyncRequestPayload{FromRevision: fromRevision, Full: full})
}

// SendPing transmits a latency probe.
func (c *Client) SendPing(nonce string) error {
	return c.send(v1.TypePing, v1.PingPayload{Nonce: nonce})
}

// ---- subscriptions ----

// OnOperation registers a callback for remote operations.
func (c *Client) OnOperation(fn func(v1.OpApplyPayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onOp = append(c.onOp, fn)
}

// OnAck registers a callback for acks of own submissions.
func (c *Client) OnAck(fn func(v1.OpAckPayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onAck = append(c.onAck, fn)
}

// OnCursor registers a callback for remote cursor updates.
func (c *Client) OnCursor(fn func(v1.CursorPayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onCursor = append(c.onCursor, fn)
}

// OnPresence registers a callback for remote presence updates.
func (c *Client) OnPresence(fn func(v1.PresencePayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onPresence = append(c.onPresence, fn)
}

// OnChat registers a callback for chat messages.
func (c *Client) OnChat(fn func(v1.ChatNewPayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onChat = append(c.onChat, fn)
}

// OnCompilation registers a callback for compile results.
func (c *Client) OnCompilation(fn func(v1.CompileResultPayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onCompile = append(c.onCompile, fn)
}

// OnSyncState registers a callback for sync responses.
func (c *Client) OnSyncState(fn func(v1.SyncStatePayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onSync = append(c.onSync, fn)
}

// OnPong registers a callback for latency probe responses.
func (c *Client) OnPong(fn func(v1.PongPayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onPong = append(c.onPong, fn)
}

// OnErrorEvent registers a callback for server error envelopes.
func (c *Client) OnErrorEvent(fn func(v1.ErrorPayload)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onErr = append(c.onErr, fn)
}

// OnDisconnect registers a callback invoked once when the transport drops.
// The error is nil for a deliberate Disconnect.
func (c *Client) OnDisconnect(fn func(error)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onClosed = append(c.onClosed, fn)
}

// ---- inbound ----

func (c *Client) readLoop(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrCtxDone:
				// Deliberate disconnect.
				c.notifyClosed(nil)
			case readErrBadJSON:
				c.log.Warn("client.read.bad_json", "err", err)
				continue
			default:
				c.markDisconnected()
				c.notifyClosed(err)
			}
			return
		}

		if err := env.Validate(); err != nil {
			c.log.Warn("client.read.bad_envelope", "err", err)
			continue
		}

		c.dispatch(env)
	}
}

// markDisconnected flips state after an unexpected transport drop so that
// subsequent sends fail fast with ErrNotConnected.
func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	c.conn = nil
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.readDone = nil
}

func (c *Client) notifyClosed(err error) {
	c.hmu.RLock()
	handlers := append([]func(error){}, c.onClosed...)
	c.hmu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (c *Client) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeOpApply:
		decodeAndFanOut(c, env.Payload, func() []func(v1.OpApplyPayload) { return c.onOp })
	case v1.TypeOpAck:
		decodeAndFanOut(c, env.Payload, func() []func(v1.OpAckPayload) { return c.onAck })
	case v1.TypeCursor:
		decodeAndFanOut(c, env.Payload, func() []func(v1.CursorPayload) { return c.onCursor })
	case v1.TypePresence:
		decodeAndFanOut(c, env.Payload, func() []func(v1.PresencePayload) { return c.onPresence })
	case v1.TypeChatNew:
		decodeAndFanOut(c, env.Payload, func() []func(v1.ChatNewPayload) { return c.onChat })
	case v1.TypeCompileResult:
		decodeAndFanOut(c, env.Payload, func() []func(v1.CompileResultPayload) { return c.onCompile })
	case v1.TypeSyncState:
		decodeAndFanOut(c, env.Payload, func() []func(v1.SyncStatePayload) { return c.onSync })
	case v1.TypePong:
		decodeAndFanOut(c, env.Payload, func() []func(v1.PongPayload) { return c.onPong })
	case v1.TypeError:
		decodeAndFanOut(c, env.Payload, func() []func(v1.ErrorPayload) { return c.onErr })
	default:
		c.log.Debug("client.read.ignored", "type", env.Type)
	}
}

// decodeAndFanOut unmarshals a payload and invokes every registered handler
// sequentially, preserving arrival order per event type.
func decodeAndFanOut[T any](c *Client, raw json.RawMessage, get func() []func(T)) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn("client.read.bad_payload", "err", err)
		return
	}
	c.hmu.RLock()
	handlers := append([]func(T){}, get()...)
	c.hmu.RUnlock()
	for _, fn := range handlers {
		fn(p)
	}
}
