package backend

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/infra"
	"market_sync/internal/service"

	"github.com/gorilla/websocket"
)

// liveInstances detects a second concurrent manager. The composition root is
// supposed to construct exactly one; the counter is a diagnostic, not a lock.
var liveInstances atomic.Int32

// Options configures the backend channel manager.
type Options struct {
	URL string

	BaseDelay   time.Duration // linear backoff step
	MaxDelay    time.Duration // backoff cap
	MaxAttempts int

	HeartbeatCheck   time.Duration // check period, shorter than the timeout
	HeartbeatTimeout time.Duration // silence threshold forcing a reconnect

	InitialDataDelay time.Duration // wait after open before requesting the bundle
}

// Handler receives inbound envelopes whose type is outside this core's
// dispatch table (bot/AI subsystems).
type Handler func(Envelope)

// Manager owns the socket to the application backend: liveness checks, typed
// dispatch into the shared cache, reconnection with linear backoff.
type Manager struct {
	opts    Options
	cache   *service.PriceCache
	clock   infra.Clock
	metrics *infra.Metrics
	logger  *slog.Logger

	dispatch map[string]dispatchFunc

	externalMu sync.RWMutex
	external   map[string]Handler

	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	connected      bool
	tornDown       bool
	gen            uint64
	attempts       int
	lastHeartbeat  time.Time
	reconnectTimer infra.Timer
	heartbeatArmed bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewManager creates a backend channel manager. External handlers for
// out-of-core message types may be injected here and extended later through
// RegisterHandler.
func NewManager(opts Options, cache *service.PriceCache, external map[string]Handler, clock infra.Clock, metrics *infra.Metrics) *Manager {
	if clock == nil {
		clock = infra.RealClock{}
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	if external == nil {
		external = make(map[string]Handler)
	}

	m := &Manager{
		opts:     opts,
		cache:    cache,
		clock:    clock,
		metrics:  metrics,
		logger:   slog.Default().With("module", "backend_channel"),
		external: external,
	}
	m.dispatch = m.buildDispatch()

	if n := liveInstances.Add(1); n > 1 {
		m.logger.Warn("multiple backend channel managers detected",
			slog.Int("live_instances", int(n)),
		)
	}
	return m
}

// RegisterHandler adds or replaces an external handler for a message type
// outside the core dispatch table.
func (m *Manager) RegisterHandler(msgType string, h Handler) {
	m.externalMu.Lock()
	defer m.externalMu.Unlock()
	m.external[msgType] = h
}

// Connect opens the backend socket. Overlapping calls are no-ops, and a
// torn-down manager refuses to come back.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.tornDown || m.connected || m.connecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	url := m.opts.URL
	gen := m.gen
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dial(url, gen)
}

func (m *Manager) dial(url string, gen uint64) {
	defer m.wg.Done()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)

	m.mu.Lock()
	if m.gen != gen || m.tornDown {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.connecting = false
	if err != nil {
		m.mu.Unlock()
		cause := domain.NewNetworkError("dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
		m.logger.Warn("backend dial failed", slog.String("url", url), slog.Any("error", cause))
		if domain.IsRetriable(cause) {
			m.scheduleReconnect()
		}
		return
	}
	m.conn = conn
	m.connected = true
	m.attempts = 0
	m.lastHeartbeat = m.clock.Now()
	armHeartbeat := !m.heartbeatArmed
	m.heartbeatArmed = true
	m.mu.Unlock()

	m.metrics.IncrementConnections()
	m.logger.Info("backend channel connected", slog.String("url", url))

	// Give the socket a moment to stabilize before asking for the bundle.
	m.clock.AfterFunc(m.opts.InitialDataDelay, m.requestInitialData)
	if armHeartbeat {
		m.clock.AfterFunc(m.opts.HeartbeatCheck, m.checkHeartbeat)
	}

	m.wg.Add(1)
	go m.readLoop(conn)
}

// requestInitialData asks for everything the dashboard needs on first paint.
func (m *Manager) requestInitialData() {
	m.GetCryptoData("")
	m.GetPositions()
	m.GetBotStatus()
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("backend read loop panic recovered", slog.Any("panic", r))
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.handleMessage(message)
	}
}

func (m *Manager) handleClose(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	m.mu.Unlock()

	m.metrics.DecrementConnections()

	cause := domain.NewNetworkError("read", err)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		cause = domain.NewFatalNetworkError("read", err)
	}
	if !domain.IsRetriable(cause) {
		m.logger.Info("backend channel closed normally")
		return
	}

	m.logger.Warn("backend channel closed", slog.Any("error", cause))
	m.scheduleReconnect()
}

// scheduleReconnect arms a linear-backoff timer, bounded by the attempt
// budget.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.tornDown || m.attempts >= m.opts.MaxAttempts {
		exhausted := !m.tornDown
		m.mu.Unlock()
		if exhausted {
			m.logger.Error("backend reconnect attempts exhausted",
				slog.Int("attempts", m.opts.MaxAttempts),
				slog.Any("error", domain.ErrRetriesExhausted),
			)
		}
		return
	}
	m.attempts++
	delay := infra.LinearBackoff(m.attempts, m.opts.BaseDelay, m.opts.MaxDelay)
	attempt := m.attempts
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = m.clock.AfterFunc(delay, m.Connect)
	m.mu.Unlock()

	m.metrics.RecordReconnect()
	m.logger.Info("backend reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// checkHeartbeat compares inbound-message recency against the liveness
// threshold and forces the socket closed on silence, letting the normal close
// path drive recovery. Exactly one force per silence period: the connected
// guard drops once the close lands.
func (m *Manager) checkHeartbeat() {
	m.mu.Lock()
	if m.tornDown {
		m.heartbeatArmed = false
		m.mu.Unlock()
		return
	}
	var stale *websocket.Conn
	if m.connected && m.clock.Now().Sub(m.lastHeartbeat) > m.opts.HeartbeatTimeout {
		stale = m.conn
	}
	m.mu.Unlock()

	if stale != nil {
		m.logger.Warn("backend heartbeat timeout, forcing reconnect",
			slog.Duration("threshold", m.opts.HeartbeatTimeout),
		)
		stale.Close()
	}

	m.clock.AfterFunc(m.opts.HeartbeatCheck, m.checkHeartbeat)
}

// handleMessage records liveness, then dispatches by the type discriminator.
func (m *Manager) handleMessage(message []byte) {
	m.mu.Lock()
	m.lastHeartbeat = m.clock.Now()
	m.mu.Unlock()

	var env Envelope
	if err := unmarshalEnvelope(message, &env); err != nil {
		m.logger.Warn("dropping malformed backend message", slog.Any("error", err))
		return
	}

	if fn, ok := m.dispatch[env.Type]; ok {
		m.cache.Update(func(s *service.State) {
			if err := fn(s, env.Data); err != nil {
				m.logger.Warn("backend dispatch failed",
					slog.String("type", env.Type),
					slog.Any("error", err),
				)
			}
		})
		return
	}

	m.externalMu.RLock()
	h, ok := m.external[env.Type]
	m.externalMu.RUnlock()
	if ok {
		h(env)
		return
	}

	m.logger.Warn("unrecognized backend message type", slog.String("type", env.Type))
}

// SendMessage writes an envelope to the backend. When the socket is not open
// it warns and does nothing; it never queues.
func (m *Manager) SendMessage(env Envelope) {
	m.mu.Lock()
	conn := m.conn
	open := m.connected
	m.mu.Unlock()

	if !open || conn == nil {
		m.logger.Warn("backend send skipped, socket not open",
			slog.String("type", env.Type),
			slog.Any("error", domain.ErrNotConnected),
		)
		return
	}

	m.writeMu.Lock()
	err := conn.WriteJSON(env)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("backend send failed",
			slog.String("type", env.Type),
			slog.Any("error", err),
		)
	}
}

// UpdateURL switches the connection target, tearing down the current socket
// and reconnecting when one was live.
func (m *Manager) UpdateURL(url string) {
	m.mu.Lock()
	if url == m.opts.URL {
		m.mu.Unlock()
		return
	}
	m.opts.URL = url
	live := m.connected || m.connecting
	m.mu.Unlock()

	if live {
		m.Disconnect()
		m.Connect()
	}
}

// Disconnect closes the socket with the normal-closure code, suppressing
// auto-reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	wasConnected := m.connected
	m.connected = false
	m.connecting = false
	m.gen++
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	if wasConnected {
		m.metrics.DecrementConnections()
	}
}

// Close tears the manager down for good. A closed manager never reconnects.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	m.mu.Unlock()

	m.Disconnect()
	liveInstances.Add(-1)
}

// Cache exposes the shared state this manager writes into, for read access.
func (m *Manager) Cache() *service.PriceCache {
	return m.cache
}

// IsConnected reports whether the socket is currently open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IsConnecting reports whether a dial is in flight.
func (m *Manager) IsConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting
}

// ReconnectAttempts reports the current backoff attempt count.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
