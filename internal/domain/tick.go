package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnStatus is a coarse connection lifecycle phase.
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
	StatusReconnecting ConnStatus = "reconnecting"
)

// MaxHistoryPoints bounds the per-symbol price history.
const MaxHistoryPoints = 100

// PriceTick is one ticker update for one symbol from the exchange stream.
// All numeric fields arrive as strings on the wire and are parsed at the boundary.
type PriceTick struct {
	Symbol             string          `json:"symbol"`
	Price              decimal.Decimal `json:"price"`
	PriceChange        decimal.Decimal `json:"price_change"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quote_volume"`
	OpenPrice          decimal.Decimal `json:"open_price"`
	HighPrice          decimal.Decimal `json:"high_price"`
	LowPrice           decimal.Decimal `json:"low_price"`
	EventTime          int64           `json:"event_time"` // epoch ms from the exchange
}

// PriceCacheEntry is the latest tick for a symbol plus the local receive time.
// Last write wins.
type PriceCacheEntry struct {
	Tick            PriceTick `json:"tick"`
	LastLocalUpdate time.Time `json:"last_local_update"`
}

// PricePoint is one sample in a symbol's bounded history.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// AppendHistory prepends a point to a newest-first history, evicting the oldest
// entries beyond MaxHistoryPoints.
func AppendHistory(history []PricePoint, point PricePoint) []PricePoint {
	out := make([]PricePoint, 0, min(len(history)+1, MaxHistoryPoints))
	out = append(out, point)
	for _, p := range history {
		if len(out) >= MaxHistoryPoints {
			break
		}
		out = append(out, p)
	}
	return out
}

// Position is an open trading position reported by the backend.
type Position struct {
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// Trade is one executed trade reported by the backend.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}
