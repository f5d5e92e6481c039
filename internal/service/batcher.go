package service

import (
	"log/slog"
	"sync"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/infra"
	"market_sync/internal/stream"
)

// BatcherOptions tunes the size-or-time flush triggers and the two
// republishing intervals.
type BatcherOptions struct {
	SizeThreshold  int
	FlushInterval  time.Duration
	StatsInterval  time.Duration
	StatusInterval time.Duration
}

// UpdateBatcher decouples tick arrival rate from state-update rate. It
// subscribes to the stream manager, buffers ticks and commits them to the
// shared cache as single batched transitions.
type UpdateBatcher struct {
	opts    BatcherOptions
	stream  *stream.Manager
	cache   *PriceCache
	clock   infra.Clock
	metrics *infra.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	buffer     []domain.PriceTick
	flushTimer infra.Timer
	subID      stream.SubscriberID
	started    bool
	closed     bool

	// commitMu serializes cache commits so batches land in the order they
	// were taken from the buffer.
	commitMu sync.Mutex
}

// NewUpdateBatcher creates a batcher. Call Start to begin consuming ticks.
func NewUpdateBatcher(opts BatcherOptions, sm *stream.Manager, cache *PriceCache, clock infra.Clock, metrics *infra.Metrics) *UpdateBatcher {
	if clock == nil {
		clock = infra.RealClock{}
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Second
	}
	return &UpdateBatcher{
		opts:    opts,
		stream:  sm,
		cache:   cache,
		clock:   clock,
		metrics: metrics,
		logger:  slog.Default().With("module", "update_batcher"),
	}
}

// Start subscribes to the stream manager and arms the stats and status
// republishing schedules.
func (b *UpdateBatcher) Start() {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	id := b.stream.Subscribe(b.onTick)

	b.mu.Lock()
	b.subID = id
	stale := b.closed
	b.mu.Unlock()
	if stale {
		// Cleanup ran while the subscription was being set up.
		b.stream.Unsubscribe(id)
		return
	}

	b.clock.AfterFunc(b.opts.StatsInterval, b.publishStats)
	b.clock.AfterFunc(b.opts.StatusInterval, b.publishStatus)
}

// onTick appends to the buffer, flushing immediately once the size threshold
// is reached, otherwise arming a single flush timer.
func (b *UpdateBatcher) onTick(tick domain.PriceTick) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buffer = append(b.buffer, tick)
	if len(b.buffer) >= b.opts.SizeThreshold {
		b.commitLocked()
		return
	}
	if b.flushTimer == nil {
		b.flushTimer = b.clock.AfterFunc(b.opts.FlushInterval, b.Flush)
	}
	b.mu.Unlock()
}

// Flush commits whatever is buffered as one batched cache transition.
func (b *UpdateBatcher) Flush() {
	b.mu.Lock()
	b.commitLocked()
}

// commitLocked takes the buffer contents, cancels any pending flush timer and
// commits the batch. Callers hold mu; it is released before the cache write.
// commitMu is acquired before mu is released so concurrent flushes land in
// the cache in the order their batches were taken.
func (b *UpdateBatcher) commitLocked() {
	batch := b.buffer
	b.buffer = nil
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.commitMu.Lock()
	b.mu.Unlock()
	defer b.commitMu.Unlock()

	if len(batch) == 0 {
		return
	}
	b.cache.ApplyTicks(batch, b.clock.Now())
	b.metrics.RecordFlush(len(batch))
}

// publishStats republishes ticks-per-second and re-arms itself.
func (b *UpdateBatcher) publishStats() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	window := b.metrics.TakeWindow()
	perSecond := int(float64(window) / b.opts.StatsInterval.Seconds())
	b.cache.SetThroughput(perSecond)

	b.clock.AfterFunc(b.opts.StatsInterval, b.publishStats)
}

// publishStatus polls the stream manager and republishes a coarse status.
// Polling rather than listening for events keeps the published status from
// drifting when a status-change event is missed.
func (b *UpdateBatcher) publishStatus() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.cache.SetConnectionStatus(DeriveStatus(b.stream.Status()))
	b.clock.AfterFunc(b.opts.StatusInterval, b.publishStatus)
}

// DeriveStatus collapses a stream status snapshot into the coarse
// connection phase the dashboard displays.
func DeriveStatus(st stream.Status) domain.ConnStatus {
	switch {
	case st.IsConnected:
		return domain.StatusConnected
	case st.ReconnectAttempts > 0:
		return domain.StatusReconnecting
	case st.IsConnecting:
		return domain.StatusConnecting
	default:
		return domain.StatusDisconnected
	}
}

// AddWatchedSymbols passes through to the underlying stream manager.
func (b *UpdateBatcher) AddWatchedSymbols(symbols []string) {
	b.stream.AddSymbols(symbols)
}

// RemoveWatchedSymbols passes through to the underlying stream manager.
func (b *UpdateBatcher) RemoveWatchedSymbols(symbols []string) {
	b.stream.RemoveSymbols(symbols)
}

// Cleanup flushes any pending buffer, cancels the timers and unsubscribes.
// Safe to call more than once.
func (b *UpdateBatcher) Cleanup() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subID := b.subID
	unsubscribe := b.started && subID != ""
	remainder := len(b.buffer)
	b.commitLocked()

	if unsubscribe {
		b.stream.Unsubscribe(subID)
	}
	b.logger.Info("update batcher cleaned up", slog.Int("final_batch", remainder))
}
