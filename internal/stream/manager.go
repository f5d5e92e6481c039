package stream

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/infra"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Callback receives every parsed tick. Callbacks run in registration order,
// each inside its own panic boundary.
type Callback func(domain.PriceTick)

// SubscriberID identifies a registered callback.
type SubscriberID string

type subscriber struct {
	id SubscriberID
	fn Callback
}

// Manager owns the single physical connection to the exchange's combined
// ticker stream. The connection is open iff the subscriber set is non-empty.
type Manager struct {
	opts    Options
	clock   infra.Clock
	metrics *infra.Metrics
	logger  *slog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	connected      bool
	gen            uint64 // bumped on every teardown to invalidate in-flight dials
	attempts       int
	symbols        map[string]struct{}
	subscribers    []subscriber
	reconnectTimer infra.Timer

	wg sync.WaitGroup
}

// NewManager creates a stream manager. A nil clock defaults to the real one.
func NewManager(opts Options, clock infra.Clock, metrics *infra.Metrics) *Manager {
	if clock == nil {
		clock = infra.RealClock{}
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = 100 * time.Millisecond
	}
	return &Manager{
		opts:    opts,
		clock:   clock,
		metrics: metrics,
		logger:  slog.Default().With("module", "exchange_stream"),
		symbols: make(map[string]struct{}),
	}
}

// Subscribe registers a fan-out target. The first subscriber on an idle
// manager triggers a connect.
func (m *Manager) Subscribe(fn Callback) SubscriberID {
	id := SubscriberID(uuid.NewString())

	m.mu.Lock()
	m.subscribers = append(m.subscribers, subscriber{id: id, fn: fn})
	first := len(m.subscribers) == 1
	idle := !m.connected && !m.connecting
	m.mu.Unlock()

	if first && idle {
		m.Connect()
	}
	return id
}

// Unsubscribe removes a target. When the set empties, the connection is torn
// down with the normal-closure code and no reconnect follows.
func (m *Manager) Unsubscribe(id SubscriberID) {
	m.mu.Lock()
	for i, sub := range m.subscribers {
		if sub.id == id {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			break
		}
	}
	empty := len(m.subscribers) == 0
	m.mu.Unlock()

	if empty {
		m.Disconnect()
	}
}

// AddSymbols adds uppercase symbols to the watched set. A change while
// connected forces a reconnect so the stream URL reflects the new set.
func (m *Manager) AddSymbols(symbols []string) {
	m.mutateSymbols(symbols, true)
}

// RemoveSymbols removes symbols from the watched set, reconnecting when live.
func (m *Manager) RemoveSymbols(symbols []string) {
	m.mutateSymbols(symbols, false)
}

func (m *Manager) mutateSymbols(symbols []string, add bool) {
	m.mu.Lock()
	changed := false
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if add {
			if _, ok := m.symbols[s]; !ok {
				m.symbols[s] = struct{}{}
				changed = true
			}
		} else {
			if _, ok := m.symbols[s]; ok {
				delete(m.symbols, s)
				changed = true
			}
		}
	}
	live := m.connected || m.connecting
	m.mu.Unlock()

	if changed && live {
		m.Reconnect()
	}
}

// Connect opens the combined stream. No-op while connecting or connected.
// An empty watched set is seeded with the configured defaults.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.connected || m.connecting {
		m.mu.Unlock()
		return
	}
	if len(m.symbols) == 0 {
		for _, s := range m.opts.DefaultSymbols {
			m.symbols[strings.ToUpper(s)] = struct{}{}
		}
	}
	m.connecting = true
	url := m.streamURL()
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
	if m.gen != gen {
		// Torn down while the dial was in flight.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.connecting = false
	if err != nil {
		subs := len(m.subscribers)
		m.mu.Unlock()
		cause := domain.NewNetworkError("dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
		m.logger.Warn("exchange dial failed", slog.String("url", url), slog.Any("error", cause))
		if subs > 0 && domain.IsRetriable(cause) {
			m.scheduleReconnect()
		}
		return
	}
	m.conn = conn
	m.connected = true
	m.attempts = 0
	m.mu.Unlock()

	m.metrics.IncrementConnections()
	m.logger.Info("exchange stream connected", slog.String("url", url))

	m.wg.Add(1)
	go m.readLoop(conn)
}

// readLoop consumes messages until the socket dies, then defers the recovery
// decision to handleClose.
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("exchange read loop panic recovered", slog.Any("panic", r))
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

func (m *Manager) handleMessage(message []byte) {
	tick, err := parseTick(message)
	if err != nil {
		// Malformed payload: drop the message, keep the socket.
		m.metrics.RecordParseError()
		m.logger.Warn("dropping malformed tick", slog.Any("error", err))
		return
	}
	m.metrics.RecordTick()

	m.mu.Lock()
	subs := make([]subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, sub := range subs {
		m.deliver(sub, tick)
	}
}

// deliver invokes one callback inside its own panic boundary so a failing
// consumer cannot block delivery to the rest.
func (m *Manager) deliver(sub subscriber, tick domain.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber callback panicked",
				slog.String("subscriber", string(sub.id)),
				slog.Any("panic", r),
			)
		}
	}()
	sub.fn(tick)
}

func (m *Manager) handleClose(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A manual disconnect or reconnect already replaced this socket.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	subs := len(m.subscribers)
	m.mu.Unlock()

	m.metrics.DecrementConnections()

	cause := domain.NewNetworkError("read", err)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		cause = domain.NewFatalNetworkError("read", err)
	}
	if !domain.IsRetriable(cause) {
		m.logger.Info("exchange stream closed normally")
		return
	}

	m.logger.Warn("exchange stream closed", slog.Any("error", cause))
	if subs > 0 {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms a backoff timer. Once the attempt budget is spent the
// manager stays down until a manual Connect or Reconnect.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.attempts >= m.opts.MaxAttempts {
		m.mu.Unlock()
		m.logger.Error("exchange reconnect attempts exhausted",
			slog.Int("attempts", m.opts.MaxAttempts),
			slog.Any("error", domain.ErrRetriesExhausted),
		)
		return
	}
	m.attempts++
	delay := infra.ExponentialBackoff(m.attempts, m.opts.BaseDelay, m.opts.MaxDelay)
	attempt := m.attempts
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = m.clock.AfterFunc(delay, m.Connect)
	m.mu.Unlock()

	m.metrics.RecordReconnect()
	m.logger.Info("exchange reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// Reconnect performs a manual disconnect (not counted against the backoff
// budget) followed by a fresh connect after a short grace delay. The grace
// timer is held in reconnectTimer so a teardown during the window cancels it.
func (m *Manager) Reconnect() {
	m.closeCurrent(websocket.CloseNormalClosure)

	m.mu.Lock()
	m.reconnectTimer = m.clock.AfterFunc(m.opts.ReconnectGrace, m.Connect)
	m.mu.Unlock()
}

// Disconnect tears down the connection with the normal-closure code and
// cancels any pending reconnect.
func (m *Manager) Disconnect() {
	m.closeCurrent(websocket.CloseNormalClosure)
}

func (m *Manager) closeCurrent(code int) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	wasConnected := m.connected
	m.connected = false
	m.connecting = false
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), deadline)
		conn.Close()
	}
	if wasConnected {
		m.metrics.DecrementConnections()
	}
}

// Status returns a pure snapshot with no side effects.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbols := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	return Status{
		IsConnected:       m.connected,
		IsConnecting:      m.connecting,
		ReconnectAttempts: m.attempts,
		SubscriberCount:   len(m.subscribers),
		SymbolCount:       len(m.symbols),
		Symbols:           symbols,
	}
}

// streamURL joins the watched set into a combined-stream URL. Callers hold mu.
func (m *Manager) streamURL() string {
	symbols := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = strings.ToLower(s) + "@ticker"
	}
	return strings.TrimRight(m.opts.WSURL, "/") + "/" + strings.Join(parts, "/")
}
