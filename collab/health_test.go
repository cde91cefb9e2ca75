package collab

import (
	"testing"
	"time"
)

func TestHealthMonitorMeasuresRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHealthMonitor()
	base := time.Now()

	h.probeSent("n1", base)
	rtt, ok := h.probeAcked("n1", base.Add(40*time.Millisecond))
	if !ok || rtt != 40*time.Millisecond {
		t.Fatalf("probeAcked = %v, %v", rtt, ok)
	}

	latency, quality, loss := h.sample()
	if latency != 40*time.Millisecond || quality != QualityExcellent || loss != 0 {
		t.Fatalf("sample = %v %v %v", latency, quality, loss)
	}
}

func TestHealthMonitorUnknownNonce(t *testing.T) {
	t.Parallel()

	h := newHealthMonitor()
	if _, ok := h.probeAcked("ghost", time.Now()); ok {
		t.Fatal("acked a probe that was never sent")
	}
	if h.probeLost("ghost") {
		t.Fatal("lost a probe that was never sent")
	}
}

func TestHealthMonitorLossRatio(t *testing.T) {
	t.Parallel()

	h := newHealthMonitor()
	base := time.Now()

	// Three answered, one lost.
	for i, answered := range []bool{true, true, false, true} {
		nonce := string(rune('a' + i))
		h.probeSent(nonce, base)
		if answered {
			h.probeAcked(nonce, base.Add(10*time.Millisecond))
		} else {
			if !h.probeLost(nonce) {
				t.Fatalf("probe %s not counted as lost", nonce)
			}
		}
	}

	_, _, loss := h.sample()
	if loss != 0.25 {
		t.Fatalf("loss = %v, want 0.25", loss)
	}
}

func TestHealthMonitorLostThenAcked(t *testing.T) {
	t.Parallel()

	h := newHealthMonitor()
	h.probeSent("n1", time.Now())
	if !h.probeLost("n1") {
		t.Fatal("first probeLost = false")
	}
	// The late pong must not be counted.
	if _, ok := h.probeAcked("n1", time.Now()); ok {
		t.Fatal("late pong accepted after loss")
	}
	if h.probeLost("n1") {
		t.Fatal("second probeLost = true")
	}
}

func TestHealthMonitorReset(t *testing.T) {
	t.Parallel()

	h := newHealthMonitor()
	base := time.Now()
	h.probeSent("n1", base)
	h.probeAcked("n1", base.Add(time.Second))
	h.probeSent("n2", base)
	h.probeLost("n2")

	h.reset()
	latency, quality, loss := h.sample()
	if latency != 0 || quality != QualityExcellent || loss != 0 {
		t.Fatalf("sample after reset = %v %v %v", latency, quality, loss)
	}
}
