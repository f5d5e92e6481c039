package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	ticksReceived  atomic.Uint64
	ticksFlushed   atomic.Uint64
	batchesFlushed atomic.Uint64
	parseErrors    atomic.Uint64
	droppedTicks   atomic.Uint64
	reconnects     atomic.Uint64

	// Window counter for throughput republishing
	windowTicks atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// RecordTick records one inbound tick.
func (m *Metrics) RecordTick() {
	m.ticksReceived.Add(1)
	m.windowTicks.Add(1)
}

// RecordFlush records a committed batch of n ticks.
func (m *Metrics) RecordFlush(n int) {
	m.batchesFlushed.Add(1)
	m.ticksFlushed.Add(uint64(n))
}

// RecordParseError records a dropped malformed payload.
func (m *Metrics) RecordParseError() {
	m.parseErrors.Add(1)
}

// RecordDropped records a tick dropped before reaching the cache.
func (m *Metrics) RecordDropped() {
	m.droppedTicks.Add(1)
}

// RecordReconnect records a reconnection attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// TakeWindow returns ticks seen since the previous call and resets the window.
func (m *Metrics) TakeWindow() uint64 {
	return m.windowTicks.Swap(0)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	TicksReceived     uint64
	TicksFlushed      uint64
	BatchesFlushed    uint64
	ParseErrors       uint64
	DroppedTicks      uint64
	Reconnects        uint64
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TicksReceived:     m.ticksReceived.Load(),
		TicksFlushed:      m.ticksFlushed.Load(),
		BatchesFlushed:    m.batchesFlushed.Load(),
		ParseErrors:       m.parseErrors.Load(),
		DroppedTicks:      m.droppedTicks.Load(),
		Reconnects:        m.reconnects.Load(),
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ticksReceived.Store(0)
	m.ticksFlushed.Store(0)
	m.batchesFlushed.Store(0)
	m.parseErrors.Store(0)
	m.droppedTicks.Store(0)
	m.reconnects.Store(0)
	m.windowTicks.Store(0)
	m.activeConnections.Store(0)
}
