package collab

import (
	"sync"
	"time"
)

// healthMonitor tracks latency samples and probe outcomes over a sliding
// window and derives quality and packet-loss figures from them.
type healthMonitor struct {
	mu sync.Mutex

	latency  time.Duration
	outcomes []bool // true = pong received, false = probe timed out
	inflight map[string]time.Time
}

func newHealthMonitor() *healthMonitor {
	return &healthMonitor{
		inflight: make(map[string]time.Time),
	}
}

// probeSent records an outgoing ping nonce.
func (h *healthMonitor) probeSent(nonce string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight[nonce] = at
}

// probeAcked records a pong and returns the measured round trip.
func (h *healthMonitor) probeAcked(nonce string, at time.Time) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent, ok := h.inflight[nonce]
	if !ok {
		return 0, false
	}
	delete(h.inflight, nonce)

	rtt := at.Sub(sent)
	h.latency = rtt
	h.record(true)
	return rtt, true
}

// probeLost records a probe that never came back. It reports whether the
// probe was still outstanding (false when a pong already consumed it).
func (h *healthMonitor) probeLost(nonce string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inflight[nonce]; !ok {
		return false
	}
	delete(h.inflight, nonce)
	h.record(false)
	return true
}

func (h *healthMonitor) record(ok bool) {
	h.outcomes = append(h.outcomes, ok)
	if len(h.outcomes) > pingLossWindow {
		h.outcomes = h.outcomes[len(h.outcomes)-pingLossWindow:]
	}
}

// sample returns the last latency, its quality bucket, and the loss ratio
// over the window.
func (h *healthMonitor) sample() (time.Duration, Quality, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	loss := 0.0
	if n := len(h.outcomes); n > 0 {
		lost := 0
		for _, ok := range h.outcomes {
			if !ok {
				lost++
			}
		}
		loss = float64(lost) / float64(n)
	}
	return h.latency, ClassifyLatency(h.latency), loss
}

func (h *healthMonitor) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency = 0
	h.outcomes = nil
	h.inflight = make(map[string]time.Time)
}
