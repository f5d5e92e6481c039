package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// fakeExchange is a websocket server that records request paths, accepted
// connections and close codes received from the client.
type fakeExchange struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	paths      []string
	closeCodes []int

	conns chan *websocket.Conn
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	f := &fakeExchange{conns: make(chan *websocket.Conn, 8)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeExchange) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.conns <- conn

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					f.mu.Lock()
					f.closeCodes = append(f.closeCodes, ce.Code)
					f.mu.Unlock()
				}
				return
			}
		}
	}()
}

func (f *fakeExchange) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeExchange) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a connection")
		return nil
	}
}

func (f *fakeExchange) assertNoConn(t *testing.T) {
	t.Helper()
	select {
	case <-f.conns:
		t.Fatal("Unexpected extra connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *fakeExchange) lastPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.paths) == 0 {
		return ""
	}
	return f.paths[len(f.paths)-1]
}

func (f *fakeExchange) receivedCloseCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testOptions(url string) Options {
	return Options{
		WSURL:          url,
		DefaultSymbols: []string{"BTCUSDT"},
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    5,
		ReconnectGrace: 50 * time.Millisecond,
	}
}

func TestManager_TwoSubscribersShareOneConnection(t *testing.T) {
	exchange := newFakeExchange(t)
	clock := infra.NewFakeClock(time.Now())
	mgr := NewManager(testOptions(exchange.wsURL()), clock, nil)
	defer mgr.Disconnect()

	var received sync.Map
	mgr.Subscribe(func(tick domain.PriceTick) { received.Store("a", tick) })
	mgr.Subscribe(func(tick domain.PriceTick) { received.Store("b", tick) })

	conn := exchange.waitConn(t)
	exchange.assertNoConn(t)

	if got := exchange.lastPath(); got != "/ws/btcusdt@ticker" {
		t.Errorf("Unexpected stream path: %s", got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(validTicker)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, okA := received.Load("a")
		_, okB := received.Load("b")
		return okA && okB
	}, "Both subscribers should receive the tick")
}

func TestManager_LastUnsubscribeClosesNormally(t *testing.T) {
	exchange := newFakeExchange(t)
	clock := infra.NewFakeClock(time.Now())
	mgr := NewManager(testOptions(exchange.wsURL()), clock, nil)

	idA := mgr.Subscribe(func(domain.PriceTick) {})
	idB := mgr.Subscribe(func(domain.PriceTick) {})
	exchange.waitConn(t)
	waitFor(t, func() bool { return mgr.Status().IsConnected }, "Manager should connect")

	mgr.Unsubscribe(idA)
	if !mgr.Status().IsConnected {
		t.Fatal("Connection must survive while subscribers remain")
	}

	mgr.Unsubscribe(idB)
	waitFor(t, func() bool {
		codes := exchange.receivedCloseCodes()
		return len(codes) == 1 && codes[0] == websocket.CloseNormalClosure
	}, "Server should receive a normal-closure frame")

	if st := mgr.Status(); st.IsConnected || st.IsConnecting {
		t.Errorf("Expected idle manager, got %+v", st)
	}
	if clock.PendingTimers() != 0 {
		t.Error("No reconnect may follow a deliberate teardown")
	}
	exchange.assertNoConn(t)
}

func TestManager_MalformedTickDroppedWithoutClosing(t *testing.T) {
	exchange := newFakeExchange(t)
	clock := infra.NewFakeClock(time.Now())
	metrics := &infra.Metrics{}
	mgr := NewManager(testOptions(exchange.wsURL()), clock, metrics)
	defer mgr.Disconnect()

	ticks := make(chan domain.PriceTick, 4)
	mgr.Subscribe(func(tick domain.PriceTick) { ticks <- tick })

	conn := exchange.waitConn(t)
	bad := `{"s": "BTCUSDT", "c": "not-a-number", "p": "1", "P": "1", "v": "1", "q": "1", "o": "1", "h": "1", "l": "1"}`
	conn.WriteMessage(websocket.TextMessage, []byte(bad))
	conn.WriteMessage(websocket.TextMessage, []byte(validTicker))

	select {
	case tick := <-ticks:
		if tick.Symbol != "BTCUSDT" || !tick.Price.Equal(decimal.RequireFromString("65000.50")) {
			t.Errorf("Unexpected tick delivered: %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Valid tick after a malformed one was not delivered")
	}

	if got := metrics.Snapshot().ParseErrors; got != 1 {
		t.Errorf("Expected 1 parse error, got %d", got)
	}
	if !mgr.Status().IsConnected {
		t.Error("Malformed payload must not close the socket")
	}
}

func TestManager_PanickingSubscriberIsolated(t *testing.T) {
	exchange := newFakeExchange(t)
	clock := infra.NewFakeClock(time.Now())
	mgr := NewManager(testOptions(exchange.wsURL()), clock, nil)
	defer mgr.Disconnect()

	good := make(chan domain.PriceTick, 4)
	mgr.Subscribe(func(domain.PriceTick) { panic("consumer bug") })
	mgr.Subscribe(func(tick domain.PriceTick) { good <- tick })

	conn := exchange.waitConn(t)
	for _i := 0; _i < 3; _i++ {
		conn.WriteMessage(websocket.TextMessage, []byte(validTicker))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-good:
		case <-time.After(2 * time.Second):
			t.Fatalf("Tick %d lost behind a panicking subscriber", i)
		}
	}
	if !mgr.Status().IsConnected {
		t.Error("Subscriber panic must not take down the stream")
	}
}

func TestManager_AddSymbolsReconnectsWithUnionURL(t *testing.T) {
	exchange := newFakeExchange(t)
	clock := infra.NewFakeClock(time.Now())
	opts := testOptions(exchange.wsURL())
	mgr := NewManager(opts, clock, nil)
	defer mgr.Disconnect()

	mgr.Subscribe(func(domain.PriceTick) {})
	exchange.waitConn(t)
	waitFor(t, func() bool { return mgr.Status().IsConnected }, "Manager should connect")

	mgr.AddSymbols([]string{"ethusdt"})
	waitFor(t, func() bool { return clock.PendingTimers() == 1 }, "Grace timer should be armed")
	clock.Advance(opts.ReconnectGrace)

	exchange.waitConn(t)
	waitFor(t, func() bool { return mgr.Status().IsConnected }, "Manager should reconnect")

	if got := exchange.lastPath(); got != "/ws/btcusdt@ticker/ethusdt@ticker" {
		t.Errorf("Reconnect URL missing the new symbol: %s", got)
	}

	// Re-adding an existing symbol is a no-op.
	mgr.AddSymbols([]string{"ETHUSDT"})
	exchange.assertNoConn(t)
	if st := mgr.Status(); st.SymbolCount != 2 {
		t.Errorf("Expected 2 watched symbols, got %d", st.SymbolCount)
	}
}

func TestManager_UnsubscribeDuringGraceCancelsRedial(t *testing.T) {
	exchange := newFakeExchange(t)
	clock := infra.NewFakeClock(time.Now())
	opts := testOptions(exchange.wsURL())
	mgr := NewManager(opts, clock, nil)

	id := mgr.Subscribe(func(domain.PriceTick) {})
	exchange.waitConn(t)
	waitFor(t, func() bool { return mgr.Status().IsConnected }, "Manager should connect")

	// Symbol change arms the grace-delay redial, then the last subscriber
	// leaves before it fires.
	mgr.AddSymbols([]string{"ETHUSDT"})
	waitFor(t, func() bool { return clock.PendingTimers() == 1 }, "Grace timer should be armed")
	mgr.Unsubscribe(id)

	if clock.PendingTimers() != 0 {
		t.Error("Teardown must cancel the pending grace timer")
	}

	clock.Advance(opts.ReconnectGrace)
	exchange.assertNoConn(t)

	if st := mgr.Status(); st.IsConnected || st.IsConnecting {
		t.Errorf("Socket must stay closed with no subscribers, got %+v", st)
	}
}

func TestManager_ReconnectsAfterAbnormalClose(t *testing.T) {
	exchange := newFakeExchange(t)
	clock := infra.NewFakeClock(time.Now())
	opts := testOptions(exchange.wsURL())
	mgr := NewManager(opts, clock, nil)
	defer mgr.Disconnect()

	mgr.Subscribe(func(domain.PriceTick) {})
	conn := exchange.waitConn(t)
	waitFor(t, func() bool { return mgr.Status().IsConnected }, "Manager should connect")

	// Kill the socket without a close handshake.
	conn.Close()

	waitFor(t, func() bool {
		return mgr.Status().ReconnectAttempts == 1 && clock.PendingTimers() == 1
	}, "Abnormal close should schedule a reconnect")

	clock.Advance(opts.BaseDelay)
	exchange.waitConn(t)
	waitFor(t, func() bool {
		st := mgr.Status()
		return st.IsConnected && st.ReconnectAttempts == 0
	}, "Successful reconnect should reset the attempt counter")
}

func TestManager_ReconnectBudgetExhausted(t *testing.T) {
	clock := infra.NewFakeClock(time.Now())
	opts := testOptions("ws://127.0.0.1:1/ws")
	opts.MaxAttempts = 2
	mgr := NewManager(opts, clock, nil)

	mgr.Subscribe(func(domain.PriceTick) {})

	waitFor(t, func() bool {
		return mgr.Status().ReconnectAttempts == 1 && clock.PendingTimers() == 1
	}, "First failed dial should schedule attempt 1")
	clock.Advance(infra.ExponentialBackoff(1, opts.BaseDelay, opts.MaxDelay))

	waitFor(t, func() bool {
		return mgr.Status().ReconnectAttempts == 2 && clock.PendingTimers() == 1
	}, "Second failed dial should schedule attempt 2")
	clock.Advance(infra.ExponentialBackoff(2, opts.BaseDelay, opts.MaxDelay))

	// Budget spent: the final failure must leave the manager down for good.
	waitFor(t, func() bool {
		st := mgr.Status()
		return !st.IsConnecting && !st.IsConnected && clock.PendingTimers() == 0
	}, "Manager should go terminal once attempts are exhausted")
	if got := mgr.Status().ReconnectAttempts; got != 2 {
		t.Errorf("Expected attempts to stay at 2, got %d", got)
	}
}
