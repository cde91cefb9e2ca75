package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
	"github.com/server-elo/collab/internal/checksum"
	"github.com/server-elo/collab/ot"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	URL       string
	UserID    string
	SessionID string

	// Dialer supplies the transport. Defaults to WebSocketDialer.
	Dialer Dialer

	// Store holds the offline queue. Defaults to an in-memory store; use
	// OpenBoltStore for a queue that survives restarts. A store must not
	// be shared between managers.
	Store OfflineStore

	// Bus receives all UI-facing events. Defaults to a fresh Bus.
	Bus *Bus

	Logger *slog.Logger

	// DisableAutoReconnect turns off automatic reconnection; transport
	// drops then surface as StatusDisconnected and stay there.
	DisableAutoReconnect bool

	// ReconnectBase is the first reconnect delay; attempt n waits
	// base * 2^n. Deterministic: no jitter.
	ReconnectBase time.Duration

	// MaxReconnectAttempts bounds automatic reconnection; exceeding it is
	// terminal (ErrMaxRetriesExceeded).
	MaxReconnectAttempts int

	// CoalesceOffline composes edits queued while offline into the queue
	// tail instead of appending, trading replay granularity for fewer
	// round trips.
	CoalesceOffline bool

	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SyncTimeout      time.Duration
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	out := *c
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Store == nil {
		out.Store = NewMemoryStore(0)
	}
	if out.Bus == nil {
		out.Bus = NewBus()
	}
	if out.ReconnectBase <= 0 {
		out.ReconnectBase = defaultReconnectBase
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaultPingInterval
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = defaultPingTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	if out.SyncTimeout <= 0 {
		out.SyncTimeout = defaultHandshakeTimeout
	}
	return out
}

// maxConsecutivePingLoss is the probe failure budget before the link is
// treated as dropped.
const maxConsecutivePingLoss = 3

// Manager makes a Client resilient to disconnects without losing edits.
//
// It owns the offline queue and the presence map exclusively; callers
// interact only through the defined methods. It converts transport and
// reconciliation errors into state transitions plus bus events; nothing is
// thrown across the async boundary.
type Manager struct {
	cfg      ManagerConfig
	log      *slog.Logger
	bus      *Bus
	client   *Client
	store    OfflineStore
	presence *PresenceTracker
	health   *healthMonitor

	mu          sync.Mutex
	status      Status
	serverDoc   string
	haveBaseDoc bool
	revision    int64
	lastSync    time.Time
	recovery    *RecoveryProgress
	attempts    int
	inflightOp  string
	closed      bool

	// lifecycle of the current connect/reconnect/ping goroutines; a new
	// context is minted per Connect so the manager can be reused after a
	// deliberate Disconnect.
	lifeCtx      context.Context
	lifeCancel   context.CancelFunc
	pingCancel   context.CancelFunc
	reconnecting bool
	pingLoss     int

	syncWaiter chan v1.SyncStatePayload
}

// NewManager constructs a Manager. If the configured store already holds
// queued operations from a previous run, the manager resumes from their
// base revision and replays them on the first Connect.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	full := cfg.withDefaults()

	m := &Manager{
		cfg:      full,
		log:      full.Logger,
		bus:      full.Bus,
		store:    full.Store,
		presence: NewPresenceTracker(),
		health:   newHealthMonitor(),
		status:   StatusIdle,
	}

	m.client = NewClient(ClientConfig{
		URL:              full.URL,
		UserID:           full.UserID,
		SessionID:        full.SessionID,
		Dialer:           full.Dialer,
		Logger:           full.Logger,
		HandshakeTimeout: full.HandshakeTimeout,
		WriteTimeout:     full.WriteTimeout,
	})

	entries, err := m.store.Entries()
	if err != nil {
		return nil, fmt.Errorf("collab: read offline store: %w", err)
	}
	if len(entries) > 0 {
		m.revision = entries[0].Revision
		m.log.Info("manager.resume_queue", "entries", len(entries), "revision", m.revision)
	}

	m.client.OnAck(m.handleAck)
	m.client.OnOperation(m.handleRemoteOp)
	m.client.OnCursor(m.handleCursor)
	m.client.OnPresence(m.handlePresence)
	m.client.OnChat(m.handleChat)
	m.client.OnCompilation(m.bus.emitCompile)
	m.client.OnSyncState(m.handleSyncState)
	m.client.OnPong(m.handlePong)
	m.client.OnErrorEvent(m.handleServerError)
	m.client.OnDisconnect(m.handleTransportDrop)

	return m, nil
}

// Bus returns the event bus UI code subscribes on.
func (m *Manager) Bus() *Bus { return m.bus }

// Presence returns the presence tracker for snapshot reads.
func (m *Manager) Presence() *PresenceTracker { return m.presence }

// ---- lifecycle ----

// Connect establishes the session, reconciles any queued offline
// operations, and starts health monitoring.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.status {
	case StatusConnecting, StatusConnected, StatusDegraded, StatusReconnecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	lifeCtx, cancel := context.WithCancel(context.Background())
	m.lifeCtx = lifeCtx
	m.lifeCancel = cancel
	m.attempts = 0
	m.setStatusLocked(StatusConnecting, nil)
	m.mu.Unlock()

	if err := m.connectOnce(ctx); err != nil {
		m.mu.Lock()
		m.setStatusLocked(StatusDisconnected, err)
		m.mu.Unlock()
		return err
	}
	return nil
}

// connectOnce performs one dial + handshake + reconcile + replay cycle.
func (m *Manager) connectOnce(ctx context.Context) error {
	ack, err := m.client.Connect(ctx)
	if err != nil {
		return err
	}

	if err := m.settle(ctx, ack); err != nil {
		m.client.Disconnect()
		return err
	}

	m.mu.Lock()
	if m.lifeCtx == nil || m.lifeCtx.Err() != nil {
		// A deliberate Disconnect won the race against this attempt.
		m.mu.Unlock()
		m.client.Disconnect()
		return context.Canceled
	}
	m.pingLoss = 0
	m.attempts = 0
	m.lastSync = time.Now().UTC()
	m.setStatusLocked(StatusConnected, nil)
	if m.pingCancel != nil {
		m.pingCancel()
	}
	pingCtx, pingCancel := context.WithCancel(m.lifeCtx)
	m.pingCancel = pingCancel
	m.mu.Unlock()

	m.health.reset()
	go m.pingLoop(pingCtx)
	return nil
}

// settle brings local state in line with the server snapshot delivered in
// the handshake ack, fetching and reconciling missed history when the
// offline queue is non-empty.
func (m *Manager) settle(ctx context.Context, ack v1.HelloAckPayload) error {
	m.mu.Lock()
	entries, err := m.store.Entries()
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if len(entries) == 0 {
		m.adoptSnapshotLocked(ack.Revision, ack.Document)
		m.mu.Unlock()
		return nil
	}

	if ack.Revision == m.revision {
		// Nothing happened remotely during the offline window.
		if m.haveBaseDoc && checksum.Document(m.serverDoc) != ack.Checksum {
			m.dataLossLocked("document diverged at unchanged revision", entries)
			m.adoptSnapshotLocked(ack.Revision, ack.Document)
			m.mu.Unlock()
			return nil
		}
		if !m.haveBaseDoc {
			m.serverDoc = ack.Document
			m.haveBaseDoc = true
		}
		m.startReplayLocked(entries)
		m.mu.Unlock()
		return nil
	}
	from := m.revision
	m.mu.Unlock()

	// Remote operations happened while we were away: fetch the window and
	// transform the queue through it.
	sp, err := m.requestSync(ctx, from, false)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reconcileLocked(sp); err != nil {
		return err
	}
	entries, err = m.store.Entries()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		m.startReplayLocked(entries)
	}
	return nil
}

// Disconnect deliberately tears the session down. Pending reconnect timers
// are cancelled before the transport closes, so no reconnect can race a
// deliberate disconnect. Queued operations are kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.lifeCancel != nil {
		m.lifeCancel()
		m.lifeCancel = nil
	}
	// Clear the context too: a transport-drop notification landing mid
	// disconnect must not find a lifecycle to reconnect under.
	m.lifeCtx = nil
	m.pingCancel = nil
	m.recovery = nil
	m.inflightOp = ""
	m.mu.Unlock()

	m.client.Disconnect()

	m.mu.Lock()
	if m.status != StatusIdle && m.status != StatusFailed {
		m.setStatusLocked(StatusDisconnected, nil)
	}
	m.mu.Unlock()
}

// Reconnect tears down the current transport (if any) and dials again.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	return m.Connect(ctx)
}

// Close disposes the manager: disconnects, stops all timers, closes the
// offline store. The manager cannot be reused afterwards.
func (m *Manager) Close() error {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.store.Close()
}

// ---- outbound ----

// SendOperation hands an operation to the manager for guaranteed eventual
// delivery. op must be generated against the caller's current local view
// (server state plus previously queued operations). The call never blocks
// on the network state: when offline the operation is queued and the call
// returns immediately.
func (m *Manager) SendOperation(op *ot.Operation) error {
	if op == nil || op.IsNoop() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	connected := m.status == StatusConnected || m.status == StatusDegraded

	if !connected && m.cfg.CoalesceOffline {
		if tail, ok := m.tailUnsentLocked(); ok {
			composed, err := ot.Compose(tail.Op, op)
			if err == nil {
				tail.Op = composed
				return m.store.Update(tail)
			}
			// Fall through to a plain append when composition is not
			// possible (should not happen for sequential local edits).
			m.log.Warn("manager.coalesce.failed", "err", err)
		}
	}

	entry := QueueEntry{
		ID:         uuid.NewString(),
		Revision:   m.revision,
		Op:         op,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := m.store.Append(entry); err != nil {
		return err
	}

	if connected && m.inflightOp == "" {
		m.sendHeadLocked()
	}
	return nil
}

// tailUnsentLocked returns the queue tail when it exists and is not the
// in-flight head.
func (m *Manager) tailUnsentLocked() (QueueEntry, bool) {
	entries, err := m.store.Entries()
	if err != nil || len(entries) == 0 {
		return QueueEntry{}, false
	}
	tail := entries[len(entries)-1]
	if tail.ID == m.inflightOp {
		return QueueEntry{}, false
	}
	return tail, true
}

// sendHeadLocked transmits the queue head tagged with the current server
// revision. Errors degrade to the offline path: the entry stays queued and
// the transport drop handler takes over.
func (m *Manager) sendHeadLocked() {
	entries, err := m.store.Entries()
	if err != nil || len(entries) == 0 {
		return
	}
	head := entries[0]
	head.Revision = m.revision
	if err := m.store.Update(head); err != nil {
		m.log.Error("manager.queue.update", "err", err)
		return
	}
	m.inflightOp = head.ID
	if err := m.client.SendOperation(head.ID, m.revision, head.Op); err != nil {
		m.log.Warn("manager.send.fail", "op", head.ID, "err", err)
		m.inflightOp = ""
	}
}

// SendCursorUpdate forwards a cursor update; drops silently when offline
// (cursor state is ephemeral and resent on the next move).
func (m *Manager) SendCursorUpdate(position int, selStart, selEnd *int) error {
	err := m.client.SendCursor(position, selStart, selEnd)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendPresenceUpdate forwards a presence update; offline updates are
// dropped (the server synthesizes an offline status on disconnect).
func (m *Manager) SendPresenceUpdate(status string, typing bool) error {
	err := m.client.SendPresence(status, typing)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendChatMessage sends a chat message and returns its client message ID.
// Chat requires a live connection.
func (m *Manager) SendChatMessage(content, msgType string) (string, error) {
	return m.client.SendChat(content, msgType)
}

// SendCompilationRequest asks the session to compile source; the result
// arrives on the bus.
func (m *Manager) SendCompilationRequest(source string, optimize bool) (string, error) {
	return m.client.SendCompileRequest(source, optimize)
}

// ClearOfflineData drops all queued offline operations.
func (m *Manager) ClearOfflineData() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflightOp = ""
	return m.store.Clear()
}

// Stats returns a point-in-time snapshot of connection state.
func (m *Manager) Stats() ConnectionStats {
	latency, quality, loss := m.health.sample()

	m.mu.Lock()
	defer m.mu.Unlock()

	n, _ := m.store.Len()
	var rec *RecoveryProgress
	if m.recovery != nil {
		cp := *m.recovery
		rec = &cp
	}
	return ConnectionStats{
		Status:            m.status,
		Quality:           quality,
		Latency:           latency,
		PacketLoss:        loss,
		Offline:           m.status != StatusConnected && m.status != StatusDegraded,
		QueueSize:         n,
		LastSyncAt:        m.lastSync,
		Revision:          m.revision,
		ReconnectAttempts: m.attempts,
		Recovery:          rec,
	}
}

// Document returns the last server-integrated document text and revision.
func (m *Manager) Document() (string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverDoc, m.revision
}

// ---- forced resync ----

// ForceSync runs a full resync cycle outside the normal reconnection
// trigger: fetches the authoritative document, reconciles the queue and
// replays it, reporting granular progress on the bus.
func (m *Manager) ForceSync(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status == StatusConnecting || m.status == StatusReconnecting {
		// An attempt is already in flight; it reconciles on success.
		m.mu.Unlock()
		return ErrNotConnected
	}
	connected := m.status == StatusConnected || m.status == StatusDegraded
	from := m.revision
	m.mu.Unlock()

	m.emitRecovery(RecoveryProgress{Stage: RecoveryStageConnect, Message: "checking connection"})
	if !connected {
		if err := m.Connect(ctx); err != nil {
			return err
		}
		// Connect already reconciled; if it scheduled a replay, acks will
		// report the remaining progress.
		if n, err := m.store.Len(); err == nil && n == 0 {
			m.emitRecoveryDone()
		}
		return nil
	}

	m.emitRecovery(RecoveryProgress{Stage: RecoveryStageFetch, Message: "fetching server state"})
	sp, err := m.requestSync(ctx, from, true)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.reconcileLocked(sp); err != nil {
		m.mu.Unlock()
		return err
	}
	entries, err := m.store.Entries()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if len(entries) > 0 {
		m.startReplayLocked(entries)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.emitRecoveryDone()
	return nil
}

// requestSync sends a sync request and waits for the matching response.
func (m *Manager) requestSync(ctx context.Context, from int64, full bool) (v1.SyncStatePayload, error) {
	w := make(chan v1.SyncStatePayload, 1)
	m.mu.Lock()
	m.syncWaiter = w
	m.mu.Unlock()

	clearWaiter := func() {
		m.mu.Lock()
		if m.syncWaiter == w {
			m.syncWaiter = nil
		}
		m.mu.Unlock()
	}

	if err := m.client.SendSyncRequest(from, full); err != nil {
		clearWaiter()
		return v1.SyncStatePayload{}, err
	}

	select {
	case sp := <-w:
		return sp, nil
	case <-ctx.Done():
		clearWaiter()
		return v1.SyncStatePayload{}, ctx.Err()
	case <-time.After(m.cfg.SyncTimeout):
		clearWaiter()
		return v1.SyncStatePayload{}, fmt.Errorf("collab: sync request timed out after %s", m.cfg.SyncTimeout)
	}
}

// ---- reconciliation ----

// reconcileLocked folds a sync window into local state: applies each
// missed remote operation to the shadow document, transforms the offline
// queue through it, and emits the transformed operation for the UI. Our
// own operations found in the window (ack lost in the disconnect) are
// removed from the queue instead of transformed.
func (m *Manager) reconcileLocked(sp v1.SyncStatePayload) error {
	entries, err := m.store.Entries()
	if err != nil {
		return err
	}

	if !sp.HistoryOK {
		// The server no longer holds the window our queue was based on.
		if len(entries) > 0 {
			m.dataLossLocked("server history no longer covers offline window", entries)
		}
		m.adoptSnapshotLocked(sp.Revision, sp.Document)
		return nil
	}

	for _, h := range sp.Ops {
		if h.Revision <= m.revision {
			continue
		}
		hop, err := v1.OperationFromSpans(h.Spans)
		if err != nil {
			return fmt.Errorf("collab: bad history op %s: %w", h.ServerOpID, err)
		}

		if h.UserID == m.cfg.UserID {
			if idx := findEntry(entries, h.ClientOpID); idx == 0 {
				// Our head was accepted before the link dropped.
				if err := m.store.RemoveFront(h.ClientOpID); err != nil {
					return err
				}
				entries = entries[1:]
				m.applyToShadowLocked(hop, h.Revision)
				continue
			}
			// An operation of ours we no longer track: treat as remote.
		}

		transformed := hop
		for i := range entries {
			local, remote, terr := m.transformPair(entries[i].Op, transformed, h.UserID)
			if terr != nil {
				m.dataLossLocked("queued operation could not be transformed", entries[i:])
				m.adoptSnapshotLocked(sp.Revision, sp.Document)
				return nil
			}
			entries[i].Op = local
			if err := m.store.Update(entries[i]); err != nil {
				return err
			}
			transformed = remote
		}
		m.applyToShadowLocked(hop, h.Revision)
		m.bus.emitOperation(RemoteOperation{
			ServerOpID: h.ServerOpID,
			UserID:     h.UserID,
			Revision:   h.Revision,
			Op:         transformed,
		})
	}

	if m.haveBaseDoc {
		if checksum.Document(m.serverDoc) != sp.Checksum {
			m.dataLossLocked("document checksum mismatch after reconciliation", entries)
			m.adoptSnapshotLocked(sp.Revision, sp.Document)
			return nil
		}
	} else {
		m.serverDoc = sp.Document
		m.haveBaseDoc = true
		m.revision = sp.Revision
	}
	return nil
}

// transformPair orders the transform arguments by ascending user ID so the
// same-position insert tie-break is globally deterministic, and returns
// (local', remote').
func (m *Manager) transformPair(local, remote *ot.Operation, remoteUser string) (*ot.Operation, *ot.Operation, error) {
	if m.cfg.UserID < remoteUser {
		lp, rp, err := ot.Transform(local, remote)
		return lp, rp, err
	}
	rp, lp, err := ot.Transform(remote, local)
	return lp, rp, err
}

func (m *Manager) applyToShadowLocked(op *ot.Operation, revision int64) {
	if m.haveBaseDoc {
		next, err := op.Apply(m.serverDoc)
		if err != nil {
			// A shadow apply failure is a logic bug; fall back to
			// snapshot adoption on the next sync.
			m.log.Error("manager.shadow.apply", "err", err)
			m.haveBaseDoc = false
		} else {
			m.serverDoc = next
		}
	}
	m.revision = revision
}

func (m *Manager) adoptSnapshotLocked(revision int64, document string) {
	m.serverDoc = document
	m.haveBaseDoc = true
	m.revision = revision
	m.lastSync = time.Now().UTC()
	m.bus.emitDocument(DocumentUpdate{Text: document, Revision: revision})
}

func (m *Manager) dataLossLocked(reason string, lost []QueueEntry) {
	cp := append([]QueueEntry(nil), lost...)
	err := &DataLossError{Reason: reason, Lost: cp}
	m.log.Error("manager.data_loss", "reason", reason, "lost", len(cp))
	if cerr := m.store.Clear(); cerr != nil {
		m.log.Error("manager.queue.clear", "err", cerr)
	}
	m.inflightOp = ""
	m.bus.emitDataLoss(err)
}

func findEntry(entries []QueueEntry, id string) int {
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}

// startReplayLocked kicks off FIFO replay of the queue; acks drive the
// remaining entries out one by one.
func (m *Manager) startReplayLocked(entries []QueueEntry) {
	m.recovery = &RecoveryProgress{
		Current: 0,
		Total:   len(entries),
		Stage:   RecoveryStageReplay,
		Message: fmt.Sprintf("replaying %d queued operations", len(entries)),
	}
	m.bus.emitRecovery(*m.recovery)
	m.sendHeadLocked()
}

// ---- inbound handlers (single read goroutine) ----

func (m *Manager) handleAck(p v1.OpAckPayload) {
	m.mu.Lock()

	entries, err := m.store.Entries()
	if err != nil || len(entries) == 0 || entries[0].ID != p.ClientOpID {
		m.mu.Unlock()
		m.log.Debug("manager.ack.stale", "op", p.ClientOpID)
		return
	}

	m.applyToShadowLocked(entries[0].Op, p.Revision)
	if err := m.store.RemoveFront(p.ClientOpID); err != nil {
		m.mu.Unlock()
		m.bus.emitError(fmt.Errorf("collab: dequeue acked op: %w", err))
		return
	}
	m.inflightOp = ""
	m.lastSync = time.Now().UTC()

	if m.recovery != nil {
		m.recovery.Current++
		m.bus.emitRecovery(*m.recovery)
		if m.recovery.Current >= m.recovery.Total {
			m.recovery = nil
			m.mu.Unlock()
			m.emitRecoveryDone()
			m.mu.Lock()
		}
	}

	m.sendHeadLocked()
	m.mu.Unlock()
}

func (m *Manager) handleRemoteOp(p v1.OpApplyPayload) {
	m.mu.Lock()

	if p.Revision <= m.revision {
		m.mu.Unlock()
		return
	}
	if p.Revision != m.revision+1 {
		// Missed operations: fall back to a sync fetch.
		from := m.revision
		m.mu.Unlock()
		m.log.Warn("manager.op.gap", "got", p.Revision, "want", m.revision+1)
		if err := m.client.SendSyncRequest(from, false); err != nil {
			m.bus.emitError(err)
		}
		return
	}

	op, err := v1.OperationFromSpans(p.Spans)
	if err != nil {
		m.mu.Unlock()
		m.bus.emitError(fmt.Errorf("collab: bad remote op %s: %w", p.ServerOpID, err))
		return
	}

	entries, serr := m.store.Entries()
	if serr != nil {
		m.mu.Unlock()
		m.bus.emitError(serr)
		return
	}

	transformed := op
	for i := range entries {
		local, remote, terr := m.transformPair(entries[i].Op, transformed, p.UserID)
		if terr != nil {
			m.dataLossLocked("pending operation incompatible with remote edit", entries[i:])
			m.mu.Unlock()
			m.bus.emitError(terr)
			return
		}
		entries[i].Op = local
		if err := m.store.Update(entries[i]); err != nil {
			m.mu.Unlock()
			m.bus.emitError(err)
			return
		}
		transformed = remote
	}

	m.applyToShadowLocked(op, p.Revision)
	m.lastSync = time.Now().UTC()
	m.mu.Unlock()

	m.bus.emitOperation(RemoteOperation{
		ServerOpID: p.ServerOpID,
		UserID:     p.UserID,
		Revision:   p.Revision,
		Op:         transformed,
	})
}

func (m *Manager) handleSyncState(p v1.SyncStatePayload) {
	m.mu.Lock()
	if w := m.syncWaiter; w != nil {
		m.syncWaiter = nil
		m.mu.Unlock()
		w <- p
		return
	}

	// Unsolicited sync (gap recovery): reconcile inline.
	if err := m.reconcileLocked(p); err != nil {
		m.mu.Unlock()
		m.bus.emitError(err)
		return
	}
	entries, err := m.store.Entries()
	if err == nil && len(entries) > 0 && m.inflightOp == "" {
		m.sendHeadLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) handleCursor(p v1.CursorPayload) {
	if p.UserID == m.cfg.UserID {
		return
	}
	m.presence.applyCursor(p)
	m.bus.emitCursor(p)
}

func (m *Manager) handlePresence(p v1.PresencePayload) {
	if p.UserID == m.cfg.UserID {
		return
	}
	rec := m.presence.applyPresence(p)
	m.bus.emitPresence(rec)
}

func (m *Manager) handleChat(p v1.ChatNewPayload) {
	m.bus.emitChat(ChatMessage{
		ID:        p.ID,
		UserID:    p.UserID,
		Content:   p.Content,
		Timestamp: p.TS.UnixMilli(),
		Type:      p.MsgType,
	})
}

func (m *Manager) handleServerError(p v1.ErrorPayload) {
	m.bus.emitError(fmt.Errorf("collab: server error %s: %s", p.Code, p.Message))
}

func (m *Manager) handlePong(p v1.PongPayload) {
	rtt, ok := m.health.probeAcked(p.Nonce, time.Now())
	if !ok {
		return
	}

	m.mu.Lock()
	m.pingLoss = 0
	quality := ClassifyLatency(rtt)
	switch {
	case m.status == StatusConnected && quality == QualityCritical:
		m.setStatusLocked(StatusDegraded, nil)
	case m.status == StatusDegraded && quality != QualityCritical:
		m.setStatusLocked(StatusConnected, nil)
	}
	m.mu.Unlock()
}

// handleTransportDrop reacts to unexpected transport loss. err is nil for
// deliberate disconnects, which need no reaction here.
func (m *Manager) handleTransportDrop(err error) {
	if err == nil {
		return
	}

	m.mu.Lock()
	if m.closed || m.status == StatusDisconnected || m.status == StatusFailed {
		m.mu.Unlock()
		return
	}
	m.inflightOp = ""
	if m.pingCancel != nil {
		m.pingCancel()
		m.pingCancel = nil
	}
	m.setStatusLocked(StatusDisconnected, err)

	if m.cfg.DisableAutoReconnect || m.lifeCtx == nil || m.lifeCtx.Err() != nil || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	life := m.lifeCtx
	m.mu.Unlock()

	go m.reconnectLoop(life)
}

// ---- reconnection ----

// newReconnectPolicy builds the deterministic reconnect schedule: attempt n
// waits base * 2^n, no jitter. The attempt cap bounds the schedule, not the
// per-attempt delay.
func newReconnectPolicy(base time.Duration) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 24 * time.Hour
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// reconnectLoop retries with deterministic exponential backoff
// (base * 2^attempt) until success, cancellation, or attempt exhaustion.
func (m *Manager) reconnectLoop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	policy := newReconnectPolicy(m.cfg.ReconnectBase)

	for attempt := 0; attempt < m.cfg.MaxReconnectAttempts; attempt++ {
		delay := policy.NextBackOff()

		m.mu.Lock()
		if ctx.Err() != nil {
			// Checked under the lock: Disconnect cancels while holding it,
			// so a cancelled loop never flips the status to reconnecting
			// behind a deliberate disconnect.
			m.mu.Unlock()
			return
		}
		m.attempts = attempt + 1
		m.setStatusLocked(StatusReconnecting, nil)
		m.mu.Unlock()

		m.log.Info("manager.reconnect.wait", "attempt", attempt+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.connectOnce(ctx)
		if err == nil {
			m.log.Info("manager.reconnect.ok", "attempt", attempt+1)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("manager.reconnect.fail", "attempt", attempt+1, "err", err)
	}

	m.mu.Lock()
	m.setStatusLocked(StatusFailed, ErrMaxRetriesExceeded)
	m.mu.Unlock()
	m.bus.emitError(ErrMaxRetriesExceeded)
}

// ---- health probing ----

func (m *Manager) pingLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.PingInterval)
	defer t.Stop()

	// Outstanding probe deadline timers, stopped on exit so a probe sent
	// just before a disconnect cannot count as lost afterwards.
	var (
		pmu     sync.Mutex
		pending = make(map[string]*time.Timer)
	)
	defer func() {
		pmu.Lock()
		for _, pt := range pending {
			pt.Stop()
		}
		pmu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			nonce := uuid.NewString()
			m.health.probeSent(nonce, time.Now())
			if err := m.client.SendPing(nonce); err != nil {
				if ctx.Err() != nil {
					// Teardown closed the transport under us; the probe
					// was never really in flight.
					return
				}
				m.probeTimeout(nonce)
				continue
			}
			pmu.Lock()
			pending[nonce] = time.AfterFunc(m.cfg.PingTimeout, func() {
				pmu.Lock()
				delete(pending, nonce)
				pmu.Unlock()
				m.probeTimeout(nonce)
			})
			pmu.Unlock()
		}
	}
}

// probeTimeout marks a probe lost if it is still unanswered, and drops the
// link after the consecutive-loss budget is spent.
func (m *Manager) probeTimeout(nonce string) {
	if !m.health.probeLost(nonce) {
		// A pong already consumed the probe.
		return
	}

	m.mu.Lock()
	m.pingLoss++
	budgetSpent := m.pingLoss >= maxConsecutivePingLoss
	m.mu.Unlock()

	if budgetSpent {
		_, _, loss := m.health.sample()
		m.log.Warn("manager.ping.budget", "consecutive", maxConsecutivePingLoss, "loss", loss)
		m.client.Disconnect()
		m.handleTransportDrop(fmt.Errorf("collab: heartbeat failed %d times", maxConsecutivePingLoss))
	}
}

// ---- status helpers ----

func (m *Manager) setStatusLocked(to Status, err error) {
	if m.status == to {
		return
	}
	from := m.status
	m.status = to
	m.log.Info("manager.state", "from", from.String(), "to", to.String(), "err", err)
	m.bus.emitState(StateChange{From: from, To: to, Err: err})
}

func (m *Manager) emitRecovery(p RecoveryProgress) {
	m.mu.Lock()
	cp := p
	m.recovery = &cp
	m.mu.Unlock()
	m.bus.emitRecovery(p)
}

func (m *Manager) emitRecoveryDone() {
	m.mu.Lock()
	m.recovery = nil
	m.mu.Unlock()
	m.bus.emitRecovery(RecoveryProgress{Stage: RecoveryStageDone, Message: "sync complete"})
}
