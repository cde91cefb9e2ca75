package collab

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Handshake and write deadlines.
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second

	// Health probe defaults.
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
	pingLossWindow      = 20

	// Reconnect policy defaults: delay = base * 2^attempt, no jitter.
	defaultReconnectBase        = 500 * time.Millisecond
	defaultMaxReconnectAttempts = 10

	// Bound on the offline queue; operations beyond it are rejected rather
	// than silently dropped.
	defaultMaxQueuedOps = 5000
)
