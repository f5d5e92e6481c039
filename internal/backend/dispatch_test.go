package backend

import (
	"testing"
	"time"

	"market_sync/internal/infra"
	"market_sync/internal/service"

	"github.com/shopspring/decimal"
)

func newDispatchManager(t *testing.T) (*Manager, *service.PriceCache) {
	t.Helper()
	cache := service.NewPriceCache()
	clock := infra.NewFakeClock(time.Now())
	m := NewManager(Options{URL: "ws://localhost:9/ws"}, cache, nil, clock, nil)
	t.Cleanup(m.Close)
	return m, cache
}

func TestDispatch_InitialData(t *testing.T) {
	m, cache := newDispatchManager(t)

	cache.Update(func(s *service.State) { s.LastError = "stale error" })

	m.handleMessage([]byte(`{
		"type": "initial_data",
		"data": {
			"cryptos": [
				{"symbol": "BTCUSDT", "price": "65000", "price_change": "100", "price_change_percent": "0.15", "volume": "1000", "timestamp": 1756100000000},
				{"symbol": "ETHUSDT", "price": "3200", "price_change": "-20", "price_change_percent": "-0.6", "volume": "5000", "timestamp": 1756100000000}
			],
			"positions": [{"symbol": "BTCUSDT", "side": "long", "quantity": "0.5", "entry_price": "60000", "current_price": "65000", "pnl": "2500", "pnl_percent": "8.3"}],
			"trades": [{"id": "t1", "symbol": "BTCUSDT", "side": "buy", "quantity": "0.5", "price": "60000"}],
			"bot_running": true
		}
	}`))

	entry, ok := cache.Entry("BTCUSDT")
	if !ok || !entry.Tick.Price.Equal(decimal.NewFromInt(65000)) {
		t.Errorf("Unexpected BTCUSDT entry: %+v", entry)
	}
	if _, ok := cache.Entry("ETHUSDT"); !ok {
		t.Error("Expected ETHUSDT entry from bundle")
	}
	if len(cache.Positions()) != 1 || len(cache.TradeHistory()) != 1 {
		t.Error("Positions and trades should be replaced from the bundle")
	}
	if !cache.BotRunning() {
		t.Error("Expected bot running from bundle")
	}
	if cache.LastError() != "" {
		t.Error("Bundle arrival should clear the last error")
	}
}

func TestDispatch_PriceUpdate(t *testing.T) {
	m, cache := newDispatchManager(t)

	m.handleMessage([]byte(`{"type": "price_update", "data": {"symbol": "BTCUSDT", "price": "65000", "price_change": "1", "price_change_percent": "0.1", "volume": "10", "timestamp": 1756100000000}}`))
	m.handleMessage([]byte(`{"type": "price_update", "data": {"symbol": "BTCUSDT", "price": "65100", "price_change": "2", "price_change_percent": "0.2", "volume": "11", "timestamp": 1756100001000}}`))

	entry, ok := cache.Entry("BTCUSDT")
	if !ok {
		t.Fatal("Expected entry after price_update")
	}
	if !entry.Tick.Price.Equal(decimal.NewFromInt(65100)) {
		t.Errorf("Last write should win, got %v", entry.Tick.Price)
	}

	history := cache.History("BTCUSDT")
	if len(history) != 2 || !history[0].Price.Equal(decimal.NewFromInt(65100)) {
		t.Errorf("Expected newest-first history of 2, got %+v", history)
	}
}

func TestDispatch_PriceUpdateMissingSymbol(t *testing.T) {
	m, cache := newDispatchManager(t)

	m.handleMessage([]byte(`{"type": "price_update", "data": {"price": "65000"}}`))

	if entries := cache.AllEntries(); len(entries) != 0 {
		t.Errorf("Update without symbol must be dropped, got %+v", entries)
	}
}

func TestDispatch_TradeExecutedPrepends(t *testing.T) {
	m, cache := newDispatchManager(t)

	m.handleMessage([]byte(`{"type": "trade_executed", "data": {"trade": {"id": "t1", "symbol": "BTCUSDT", "side": "buy"}}}`))
	m.handleMessage([]byte(`{"type": "trade_executed", "data": {"trade": {"id": "t2", "symbol": "ETHUSDT", "side": "sell"}}}`))

	trades := cache.TradeHistory()
	if len(trades) != 2 {
		t.Fatalf("Expected 2 trades, got %d", len(trades))
	}
	if trades[0].ID != "t2" || trades[1].ID != "t1" {
		t.Errorf("Newest trade must come first, got %s then %s", trades[0].ID, trades[1].ID)
	}
}

func TestDispatch_PositionLifecycle(t *testing.T) {
	m, cache := newDispatchManager(t)

	m.handleMessage([]byte(`{"type": "positions_response", "data": {"positions": [
		{"symbol": "BTCUSDT", "side": "long", "quantity": "1"},
		{"symbol": "ETHUSDT", "side": "short", "quantity": "2"}
	]}}`))
	if len(cache.Positions()) != 2 {
		t.Fatalf("Expected 2 positions, got %d", len(cache.Positions()))
	}

	// Upsert replaces the matching symbol in place.
	m.handleMessage([]byte(`{"type": "position_update", "data": {"position": {"symbol": "BTCUSDT", "side": "long", "quantity": "3"}}}`))
	positions := cache.Positions()
	if len(positions) != 2 {
		t.Fatalf("Upsert of existing symbol must not grow the book, got %d", len(positions))
	}
	for _, p := range positions {
		if p.Symbol == "BTCUSDT" && !p.Quantity.Equal(decimal.NewFromInt(3)) {
			t.Errorf("Expected updated quantity 3, got %v", p.Quantity)
		}
	}

	// Upsert of an unknown symbol appends.
	m.handleMessage([]byte(`{"type": "position_update", "data": {"position": {"symbol": "SOLUSDT", "side": "long", "quantity": "10"}}}`))
	if len(cache.Positions()) != 3 {
		t.Fatalf("Expected appended position, got %d", len(cache.Positions()))
	}

	m.handleMessage([]byte(`{"type": "position_closed", "data": {"symbol": "BTCUSDT", "pnl": "120"}}`))
	for _, p := range cache.Positions() {
		if p.Symbol == "BTCUSDT" {
			t.Error("Closed position still in the book")
		}
	}
	if len(cache.Positions()) != 2 {
		t.Errorf("Expected 2 positions after close, got %d", len(cache.Positions()))
	}
}

func TestDispatch_TradeHistoryResponseReplaces(t *testing.T) {
	m, cache := newDispatchManager(t)

	m.handleMessage([]byte(`{"type": "trade_executed", "data": {"trade": {"id": "live1"}}}`))
	m.handleMessage([]byte(`{"type": "trade_history_response", "data": {"trades": [{"id": "h1"}, {"id": "h2"}]}}`))

	trades := cache.TradeHistory()
	if len(trades) != 2 || trades[0].ID != "h1" {
		t.Errorf("History response must replace trades, got %+v", trades)
	}
}

func TestDispatch_ErrorSetsLastError(t *testing.T) {
	m, cache := newDispatchManager(t)

	m.handleMessage([]byte(`{"type": "error", "data": {"message": "insufficient balance"}}`))

	if got := cache.LastError(); got != "insufficient balance" {
		t.Errorf("Unexpected last error: %q", got)
	}
}

func TestDispatch_ExternalHandlerForwarding(t *testing.T) {
	m, cache := newDispatchManager(t)

	var got Envelope
	m.RegisterHandler("bot_status", func(env Envelope) { got = env })

	m.handleMessage([]byte(`{"type": "bot_status", "data": {"running": true}}`))
	if got.Type != "bot_status" {
		t.Errorf("External handler not invoked, got %+v", got)
	}

	// Unregistered and malformed inputs are dropped without touching state.
	m.handleMessage([]byte(`{"type": "totally_unknown"}`))
	m.handleMessage([]byte(`{"no_type": true}`))
	m.handleMessage([]byte(`not json`))
	if len(cache.AllEntries()) != 0 || cache.LastError() != "" {
		t.Error("Unhandled messages must not mutate state")
	}
}

func TestDispatch_MalformedPayloadLeavesStateIntact(t *testing.T) {
	m, cache := newDispatchManager(t)

	m.handleMessage([]byte(`{"type": "price_update", "data": {"symbol": "BTCUSDT", "price": "65000", "price_change": "0", "price_change_percent": "0", "volume": "0"}}`))
	m.handleMessage([]byte(`{"type": "positions_response", "data": "not an object"}`))

	if len(cache.Positions()) != 0 {
		t.Error("Failed unmarshal must leave positions untouched")
	}
	if _, ok := cache.Entry("BTCUSDT"); !ok {
		t.Error("Earlier valid update lost")
	}
}
