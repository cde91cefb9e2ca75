package relay

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max document length (runes). An operation that would grow the
	// document past this is rejected.
	maxDocumentChars = 1 << 20

	// Max chat message length (runes).
	maxChatChars = 4000

	// Max operations retained in the per-room history window. A client
	// further behind than this must take a full snapshot.
	historyWindowOps = 1024
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)
