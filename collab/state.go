package collab

import "time"

// Status is the connection lifecycle state of a Manager.
type Status int

const (
	// StatusIdle means the manager has not been started.
	StatusIdle Status = iota

	// StatusConnecting means the first connection attempt is in flight.
	StatusConnecting

	// StatusConnected means the transport is established and synced.
	StatusConnected

	// StatusDegraded means the transport is up but health probes classify
	// the link as critical.
	StatusDegraded

	// StatusDisconnected means the transport dropped and no reconnect is
	// currently scheduled (autoReconnect disabled or explicit disconnect).
	StatusDisconnected

	// StatusReconnecting means a reconnect attempt is scheduled or active.
	StatusReconnecting

	// StatusFailed means the reconnect attempt budget is exhausted.
	StatusFailed
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Quality classifies link health from measured round-trip latency.
type Quality int

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityPoor
	QualityCritical
)

// Fixed classification thresholds.
const (
	qualityExcellentBelow = 100 * time.Millisecond
	qualityGoodBelow      = 300 * time.Millisecond
	qualityPoorBelow      = 1000 * time.Millisecond
)

// ClassifyLatency maps a round-trip latency onto a Quality bucket.
func ClassifyLatency(rtt time.Duration) Quality {
	switch {
	case rtt < qualityExcellentBelow:
		return QualityExcellent
	case rtt < qualityGoodBelow:
		return QualityGood
	case rtt < qualityPoorBelow:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// String returns the string representation of a Quality.
func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RecoveryProgress describes an in-flight resync. It exists only while a
// recovery cycle is active.
type RecoveryProgress struct {
	Current int
	Total   int
	Stage   string
	Message string
}

// Recovery stages.
const (
	RecoveryStageConnect = "connect"
	RecoveryStageFetch   = "fetch"
	RecoveryStageReplay  = "replay"
	RecoveryStageDone    = "done"
)

// ConnectionStats is a point-in-time snapshot of manager state exposed to
// the UI layer.
type ConnectionStats struct {
	Status            Status
	Quality           Quality
	Latency           time.Duration
	PacketLoss        float64
	Offline           bool
	QueueSize         int
	LastSyncAt        time.Time
	Revision          int64
	ReconnectAttempts int
	Recovery          *RecoveryProgress
}

// StateChange is emitted on every status transition.
type StateChange struct {
	From Status
	To   Status
	Err  error
}
