package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
)

type dialerFunc func(ctx context.Context, url string) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

func newTestClient(relay *fakeRelay, userID string) *Client {
	return NewClient(ClientConfig{
		URL:       "ws://relay.test/session",
		UserID:    userID,
		SessionID: "sess-1",
		Dialer:    relay,
		Logger:    testLogger(),
	})
}

func TestClientHandshake(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("contract Counter {}")
	c := newTestClient(relay, "alice")

	ack, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ack.Document != "contract Counter {}" || ack.Revision != 0 {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.SessionID != "sess-1" || ack.UserID != "alice" {
		t.Fatalf("ack identity = %+v", ack)
	}
	if !c.Connected() {
		t.Fatal("not connected after handshake")
	}

	if _, err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}

	c.Disconnect()
	if c.Connected() {
		t.Fatal("still connected after Disconnect")
	}
	if err := c.SendPing("n1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendPing after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestClientHandshakeRejected(t *testing.T) {
	t.Parallel()

	dialer := dialerFunc(func(ctx context.Context, url string) (Conn, error) {
		c := newPipeConn()
		go func() {
			<-c.send // hello
			env, _ := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: "session_full", Message: "no seats"})
			b, _ := json.Marshal(env)
			c.recv <- b
		}()
		return c, nil
	})

	c := NewClient(ClientConfig{
		URL:       "ws://relay.test/session",
		UserID:    "alice",
		SessionID: "sess-1",
		Dialer:    dialer,
		Logger:    testLogger(),
	})
	if _, err := c.Connect(context.Background()); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Connect = %v, want ErrHandshakeFailed", err)
	}
	if c.Connected() {
		t.Fatal("connected after rejected handshake")
	}
}

func TestClientConnectRequiresIdentity(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("")
	c := NewClient(ClientConfig{
		URL:       "ws://relay.test/session",
		UserID:    "",
		SessionID: "sess-1",
		Dialer:    relay,
		Logger:    testLogger(),
	})
	if _, err := c.Connect(context.Background()); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Connect without user id = %v, want ErrHandshakeFailed", err)
	}
}

func TestClientDisconnectCallbackOnDrop(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("doc")
	c := newTestClient(relay, "alice")

	dropped := make(chan error, 1)
	c.OnDisconnect(func(err error) {
		select {
		case dropped <- err:
		default:
		}
	})

	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	relay.dropConn()

	select {
	case err := <-dropped:
		if err == nil {
			t.Fatal("drop reported as deliberate disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect callback")
	}
	waitFor(t, "disconnected state", func() bool { return !c.Connected() })
}

func TestClientPingPong(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("doc")
	c := newTestClient(relay, "alice")

	pongs := make(chan v1.PongPayload, 1)
	c.OnPong(func(p v1.PongPayload) {
		select {
		case pongs <- p:
		default:
		}
	})

	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.SendPing("nonce-1"); err != nil {
		t.Fatalf("SendPing: %v", err)
	}
	select {
	case p := <-pongs:
		if p.Nonce != "nonce-1" {
			t.Fatalf("pong nonce = %q", p.Nonce)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
}
