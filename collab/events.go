package collab

import (
	"sync"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
	"github.com/server-elo/collab/ot"
)

// RemoteOperation is a transformed remote edit ready to apply to the local
// editor view.
type RemoteOperation struct {
	ServerOpID string
	UserID     string
	Revision   int64
	Op         *ot.Operation
}

// DocumentUpdate announces a full document replacement, emitted when the
// manager adopts a server snapshot instead of replaying incremental
// operations. Consumers should discard their local view and render Text.
type DocumentUpdate struct {
	Text     string
	Revision int64
}

// ChatMessage is the UI-facing chat event shape.
type ChatMessage struct {
	ID        string
	UserID    string
	Content   string
	Timestamp int64
	Type      string
}

// Bus is an explicit event fan-out object. It replaces global callback
// registries: construct one, pass it to the Manager, subscribe from UI
// code.
//
// Delivery is serialized on a single dispatch goroutine in emit order;
// handlers of the same event type run sequentially in registration order.
// Emitting never runs handlers on the caller's goroutine, so handlers are
// free to call back into the emitter (Stats, SendOperation, even further
// emits) without deadlocking.
type Bus struct {
	mu         sync.Mutex
	opHandlers []func(RemoteOperation)
	document   []func(DocumentUpdate)
	presence   []func(PresenceRecord)
	cursor     []func(v1.CursorPayload)
	chat       []func(ChatMessage)
	compile    []func(v1.CompileResultPayload)
	state      []func(StateChange)
	recovery   []func(RecoveryProgress)
	dataLoss   []func(*DataLossError)
	errs       []func(error)

	queue   []func()
	pumping bool
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// OnOperation subscribes to remote operations.
func (b *Bus) OnOperation(fn func(RemoteOperation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opHandlers = append(b.opHandlers, fn)
}

// OnDocument subscribes to full document replacements.
func (b *Bus) OnDocument(fn func(DocumentUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.document = append(b.document, fn)
}

// OnPresence subscribes to presence changes.
func (b *Bus) OnPresence(fn func(PresenceRecord)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence = append(b.presence, fn)
}

// OnCursor subscribes to remote cursor updates.
func (b *Bus) OnCursor(fn func(v1.CursorPayload)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = append(b.cursor, fn)
}

// OnChat subscribes to chat messages.
func (b *Bus) OnChat(fn func(ChatMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chat = append(b.chat, fn)
}

// OnCompilation subscribes to compile results.
func (b *Bus) OnCompilation(fn func(v1.CompileResultPayload)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compile = append(b.compile, fn)
}

// OnStateChange subscribes to connection state transitions.
func (b *Bus) OnStateChange(fn func(StateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = append(b.state, fn)
}

// OnRecovery subscribes to resync progress.
func (b *Bus) OnRecovery(fn func(RecoveryProgress)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recovery = append(b.recovery, fn)
}

// OnDataLoss subscribes to unreconcilable-operation reports.
func (b *Bus) OnDataLoss(fn func(*DataLossError)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dataLoss = append(b.dataLoss, fn)
}

// OnError subscribes to asynchronous errors that cannot be returned to a
// caller (transport drops, replay failures).
func (b *Bus) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, fn)
}

// enqueueLocked appends a delivery and starts the pump if idle. The caller
// holds b.mu; enqueueLocked releases it.
func (b *Bus) enqueueLocked(run func()) {
	b.queue = append(b.queue, run)
	if b.pumping {
		b.mu.Unlock()
		return
	}
	b.pumping = true
	b.mu.Unlock()
	go b.pump()
}

// pump drains the queue one delivery at a time and parks when empty.
// Handlers run without b.mu held, so they may emit or subscribe freely.
func (b *Bus) pump() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.pumping = false
			b.mu.Unlock()
			return
		}
		run := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		run()
	}
}

func (b *Bus) emitOperation(e RemoteOperation) {
	b.mu.Lock()
	handlers := append([]func(RemoteOperation){}, b.opHandlers...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(e)
		}
	})
}

func (b *Bus) emitDocument(u DocumentUpdate) {
	b.mu.Lock()
	handlers := append([]func(DocumentUpdate){}, b.document...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(u)
		}
	})
}

func (b *Bus) emitPresence(p PresenceRecord) {
	b.mu.Lock()
	handlers := append([]func(PresenceRecord){}, b.presence...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(p)
		}
	})
}

func (b *Bus) emitCursor(p v1.CursorPayload) {
	b.mu.Lock()
	handlers := append([]func(v1.CursorPayload){}, b.cursor...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(p)
		}
	})
}

func (b *Bus) emitChat(m ChatMessage) {
	b.mu.Lock()
	handlers := append([]func(ChatMessage){}, b.chat...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(m)
		}
	})
}

func (b *Bus) emitCompile(r v1.CompileResultPayload) {
	b.mu.Lock()
	handlers := append([]func(v1.CompileResultPayload){}, b.compile...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(r)
		}
	})
}

func (b *Bus) emitState(ch StateChange) {
	b.mu.Lock()
	handlers := append([]func(StateChange){}, b.state...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(ch)
		}
	})
}

func (b *Bus) emitRecovery(p RecoveryProgress) {
	b.mu.Lock()
	handlers := append([]func(RecoveryProgress){}, b.recovery...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(p)
		}
	})
}

func (b *Bus) emitDataLoss(e *DataLossError) {
	b.mu.Lock()
	handlers := append([]func(*DataLossError){}, b.dataLoss...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(e)
		}
	})
}

func (b *Bus) emitError(err error) {
	b.mu.Lock()
	handlers := append([]func(error){}, b.errs...)
	b.enqueueLocked(func() {
		for _, fn := range handlers {
			fn(err)
		}
	})
}
