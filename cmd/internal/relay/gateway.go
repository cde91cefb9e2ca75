package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
	"github.com/server-elo/collab/internal/checksum"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for the collaboration relay.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Hub and SessionStore.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	store   SessionStore
	metrics *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks. Accept() authorizes
	// same-host origins by default; cross-origin requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When hub/store are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, hub *Hub, store SessionStore, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if hub == nil {
		hub = NewHub(log, store, metrics)
	}

	g := &WSGateway{log: log, hub: hub, store: store, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("COLLAB_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("COLLAB_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("COLLAB_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns (host patterns). We derive the
	// patterns from the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("COLLAB_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("COLLAB_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("COLLAB_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("COLLAB_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("COLLAB_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("COLLAB_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("COLLAB_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the relay loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := NewRandomHex(10)
	client := NewClient(connID, "", g.sendQueueSize)

	g.metrics.ActiveConnections.Inc()
	defer g.metrics.ActiveConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    *Room
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal
	// happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				joined.Leave(connID)
				joined = nil
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.metrics.RateLimited.Inc()
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			// One handshake per connection: Leave tears the client down, so
			// switching rooms requires a fresh connection.
			if joined != nil {
				g.trySendError(ctx, client, "already_joined", "hello already completed")
				continue readLoop
			}
			room, err := g.onHello(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			joined = room

		case v1.TypePing:
			g.onPing(ctx, client, env)

		case v1.TypeOpSubmit:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "hello first")
				continue readLoop
			}
			g.onOpSubmit(ctx, client, joined, env)

		case v1.TypeCursor:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "hello first")
				continue readLoop
			}
			g.onCursor(client, joined, env)

		case v1.TypePresence:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "hello first")
				continue readLoop
			}
			g.onPresence(ctx, client, joined, env)

		case v1.TypeChatSend:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "hello first")
				continue readLoop
			}
			if err := g.onChatSend(ctx, client, joined, env, now); err != nil {
				g.trySendError(ctx, client, "chat_failed", err.Error())
				continue readLoop
			}

		case v1.TypeCompileRequest:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "hello first")
				continue readLoop
			}
			g.onCompileRequest(ctx, client, joined, env)

		case v1.TypeSyncRequest:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "hello first")
				continue readLoop
			}
			g.onSyncRequest(ctx, client, joined, env)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) (*Room, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	room, err := g.hub.GetOrCreateRoom(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}

	// UserID must be set before Join so Leave can compute presence.
	client.UserID = p.UserID
	room.Join(client)

	doc, rev := room.Snapshot()
	ack := mustEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Revision:  rev,
		Document:  doc,
		Checksum:  checksum.Document(doc),
	})
	if !g.enqueue(ctx, client, ack) {
		room.Leave(client.ConnID)
		return nil, errors.New("backpressure: hello ack")
	}

	// Replay the current roster to the joiner, then announce the joiner.
	for _, pr := range room.Presence() {
		g.enqueue(ctx, client, mustEnvelope(v1.TypePresence, pr))
	}
	online := room.SetPresence(v1.PresencePayload{UserID: p.UserID, Status: v1.PresenceOnline})
	room.BroadcastExcept(mustEnvelope(v1.TypePresence, online), client.ConnID)

	return room, nil
}

func (g *WSGateway) onPing(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.PingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid ping")
		return
	}
	g.enqueue(ctx, client, mustEnvelope(v1.TypePong, v1.PongPayload{Nonce: p.Nonce}))
}

func (g *WSGateway) onOpSubmit(ctx context.Context, client *Client, room *Room, env v1.Envelope) {
	var p v1.OpSubmitPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.metrics.OpsRejected.WithLabelValues("bad_payload").Inc()
		g.trySendError(ctx, client, "bad_payload", "invalid op_submit")
		return
	}
	if err := p.Validate(); err != nil {
		g.metrics.OpsRejected.WithLabelValues("invalid").Inc()
		g.trySendError(ctx, client, "bad_op", err.Error())
		return
	}
	if p.UserID != client.UserID {
		g.metrics.OpsRejected.WithLabelValues("identity").Inc()
		g.trySendError(ctx, client, "identity_mismatch", "op user does not match session user")
		return
	}

	start := time.Now()
	res, err := room.Apply(ctx, p)
	if err != nil {
		if errors.Is(err, ErrRevisionTooOld) {
			g.metrics.OpsRejected.WithLabelValues("too_old").Inc()
			g.trySendError(ctx, client, "revision_too_old", "resync required")
			return
		}
		g.metrics.OpsRejected.WithLabelValues("apply").Inc()
		g.log.Info("ws.op.reject", "conn_id", client.ConnID, "room_id", room.ID, "err", err)
		g.trySendError(ctx, client, "op_rejected", err.Error())
		return
	}
	g.metrics.OpsApplied.Inc()
	g.metrics.ApplyDuration.Observe(time.Since(start).Seconds())

	ack := mustEnvelope(v1.TypeOpAck, v1.OpAckPayload{
		ClientOpID: p.ClientOpID,
		ServerOpID: res.ServerOpID,
		Revision:   res.Revision,
	})
	if !g.enqueue(ctx, client, ack) {
		g.log.Info("ws.op.ack.drop", "conn_id", client.ConnID, "room_id", room.ID)
	}

	room.BroadcastExcept(mustEnvelope(v1.TypeOpApply, v1.OpApplyPayload{
		ServerOpID: res.ServerOpID,
		ClientOpID: p.ClientOpID,
		UserID:     p.UserID,
		Revision:   res.Revision,
		Spans:      res.Spans,
	}), client.ConnID)
}

func (g *WSGateway) onCursor(client *Client, room *Room, env v1.Envelope) {
	var p v1.CursorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	p.UserID = client.UserID
	room.BroadcastExcept(mustEnvelope(v1.TypeCursor, p), client.ConnID)
}

func (g *WSGateway) onPresence(ctx context.Context, client *Client, room *Room, env v1.Envelope) {
	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid presence")
		return
	}
	p.UserID = client.UserID
	if err := p.Validate(); err != nil {
		g.trySendError(ctx, client, "bad_presence", err.Error())
		return
	}
	stored := room.SetPresence(p)
	room.BroadcastExcept(mustEnvelope(v1.TypePresence, stored), client.ConnID)
}

func (g *WSGateway) onChatSend(ctx context.Context, client *Client, room *Room, env v1.Envelope, now time.Time) error {
	var p v1.ChatSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.UserID != client.UserID {
		return errors.New("chat user does not match session user")
	}
	if len([]rune(p.Content)) > maxChatChars {
		return fmt.Errorf("message too long: max=%d chars", maxChatChars)
	}

	res, err := g.store.AppendChat(ctx, AppendChatInput{
		SessionID:   room.ID,
		ClientMsgID: p.ClientMsgID,
		UserID:      p.UserID,
		Content:     p.Content,
		MsgType:     p.MsgType,
		Now:         now,
	})
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}
	if res.Duplicated {
		return nil
	}
	g.metrics.ChatStored.Inc()

	// The sender gets the broadcast too: chat has no dedicated ack.
	room.Broadcast(mustEnvelope(v1.TypeChatNew, v1.ChatNewPayload{
		ID:      res.Stored.ID,
		UserID:  res.Stored.UserID,
		Content: res.Stored.Content,
		TS:      res.Stored.TS,
		MsgType: res.Stored.MsgType,
	}))
	return nil
}

func (g *WSGateway) onCompileRequest(ctx context.Context, client *Client, room *Room, env v1.Envelope) {
	var p v1.CompileRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid compile_request")
		return
	}
	if err := p.Validate(); err != nil {
		g.trySendError(ctx, client, "bad_compile", err.Error())
		return
	}

	// An empty source means "compile what the room sees now".
	if strings.TrimSpace(p.Source) == "" {
		p.Source, _ = room.Snapshot()
	}

	g.metrics.CompileRequests.Inc()
	g.enqueue(ctx, client, mustEnvelope(v1.TypeCompileResult, Compile(p)))
}

func (g *WSGateway) onSyncRequest(ctx context.Context, client *Client, room *Room, env v1.Envelope) {
	var p v1.SyncRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid sync_request")
		return
	}
	g.enqueue(ctx, client, mustEnvelope(v1.TypeSyncState, room.Sync(p.FromRevision, p.Full)))
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.enqueue(ctx, client, mustEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep this strict: only hosts extracted from
	// the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
