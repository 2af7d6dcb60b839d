package relay

import (
	"sync/atomic"
	"time"
)

// Collector aggregates relay counters over the process lifetime. All
// fields are updated atomically from the per-connection goroutines.
type Collector struct {
	sessionsOpened  atomic.Uint64
	sessionsClosed  atomic.Uint64
	messagesRelayed atomic.Uint64
	bytesRelayed    atomic.Uint64
	replayedRecords atomic.Uint64
	authRejections  atomic.Uint64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RelayStats is a point-in-time snapshot of relay activity.
type RelayStats struct {
	SessionsOpened  uint64
	SessionsClosed  uint64
	MessagesRelayed uint64
	BytesRelayed    uint64
	ReplayedRecords uint64
	AuthRejections  uint64
	CollectedAt     time.Time
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() RelayStats {
	return RelayStats{
		SessionsOpened:  c.sessionsOpened.Load(),
		SessionsClosed:  c.sessionsClosed.Load(),
		MessagesRelayed: c.messagesRelayed.Load(),
		BytesRelayed:    c.bytesRelayed.Load(),
		ReplayedRecords: c.replayedRecords.Load(),
		AuthRejections:  c.authRejections.Load(),
		CollectedAt:     time.Now(),
	}
}
