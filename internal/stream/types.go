package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"market_sync/internal/domain"

	"github.com/shopspring/decimal"
)

// Options configures the exchange stream manager.
type Options struct {
	// WSURL is the combined-stream endpoint up to and including /ws,
	// e.g. "wss://stream.binance.com:9443/ws".
	WSURL string

	// DefaultSymbols seeds the watched set when Connect finds it empty.
	DefaultSymbols []string

	BaseDelay      time.Duration // first reconnect delay
	MaxDelay       time.Duration // backoff cap
	MaxAttempts    int           // reconnects before going terminal
	ReconnectGrace time.Duration // pause between manual disconnect and redial
}

// Status is a pure snapshot of the manager's state.
type Status struct {
	IsConnected       bool
	IsConnecting      bool
	ReconnectAttempts int
	SubscriberCount   int
	SymbolCount       int
	Symbols           []string
}

// tickerMessage is the combined-stream ticker payload. The exchange sends
// numeric fields as strings.
type tickerMessage struct {
	Symbol             string `json:"s"`
	LastPrice          string `json:"c"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	EventTime          int64  `json:"E"`
}

// parseTick converts a raw exchange message into a PriceTick. A missing
// symbol or any non-numeric field fails the whole message.
func parseTick(data []byte) (domain.PriceTick, error) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.PriceTick{}, fmt.Errorf("%w: %v", domain.ErrMalformedTick, err)
	}
	if msg.Symbol == "" {
		return domain.PriceTick{}, fmt.Errorf("%w: missing symbol", domain.ErrMalformedTick)
	}

	tick := domain.PriceTick{Symbol: msg.Symbol, EventTime: msg.EventTime}
	var err error
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"c", msg.LastPrice, &tick.Price},
		{"p", msg.PriceChange, &tick.PriceChange},
		{"P", msg.PriceChangePercent, &tick.PriceChangePercent},
		{"v", msg.Volume, &tick.Volume},
		{"q", msg.QuoteVolume, &tick.QuoteVolume},
		{"o", msg.OpenPrice, &tick.OpenPrice},
		{"h", msg.HighPrice, &tick.HighPrice},
		{"l", msg.LowPrice, &tick.LowPrice},
	} {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return domain.PriceTick{}, fmt.Errorf("%w: field %s=%q", domain.ErrMalformedTick, f.name, f.raw)
		}
	}

	return tick, nil
}
