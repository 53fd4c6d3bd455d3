package ws

import "sync/atomic"

// Metrics are the hub's running counters. They are safe to read from any goroutine.
type Metrics struct {
	Accepted     atomic.Uint64
	Rejected     atomic.Uint64
	Closed       atomic.Uint64
	BytesSent    atomic.Uint64
	BytesRead    atomic.Uint64
	Broadcasts   atomic.Uint64
	Messages     atomic.Uint64
	QueueDropped atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Open         int    `json:"open_sessions"`
	Accepted     uint64 `json:"accepted"`
	Rejected     uint64 `json:"rejected"`
	Closed       uint64 `json:"closed"`
	BytesSent    uint64 `json:"bytes_sent"`
	BytesRead    uint64 `json:"bytes_read"`
	Broadcasts   uint64 `json:"broadcasts"`
	Messages     uint64 `json:"messages_received"`
	QueueDropped uint64 `json:"queue_dropped"`
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Accepted:     m.Accepted.Load(),
		Rejected:     m.Rejected.Load(),
		Closed:       m.Closed.Load(),
		BytesSent:    m.BytesSent.Load(),
		BytesRead:    m.BytesRead.Load(),
		Broadcasts:   m.Broadcasts.Load(),
		Messages:     m.Messages.Load(),
		QueueDropped: m.QueueDropped.Load(),
	}
}
