package backend

import (
	"encoding/json"

	"market_sync/internal/domain"

	"github.com/shopspring/decimal"
)

// Envelope is the JSON frame used in both directions on the backend channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound message types issued by this core.
const (
	TypeGetPositions    = "get_positions"
	TypeGetTradeHistory = "get_trade_history"
	TypeGetCryptoData   = "get_crypto_data"
	TypeGetBotStatus    = "get_bot_status"
	TypeStartBot        = "start_bot"
	TypeStopBot         = "stop_bot"
	TypeUpdateBotConfig = "update_bot_config"
	TypeExecuteTrade    = "execute_trade"
	TypeClosePosition   = "close_position"
)

// Inbound message types consumed by the dispatch table. Anything else is
// either forwarded to the external handler table or logged and ignored.
const (
	TypeInitialData          = "initial_data"
	TypePriceUpdate          = "price_update"
	TypeCryptoDataResponse   = "crypto_data_response"
	TypeTradeExecuted        = "trade_executed"
	TypePositionClosed       = "position_closed"
	TypePositionsResponse    = "positions_response"
	TypePositionUpdate       = "position_update"
	TypeTradeHistoryResponse = "trade_history_response"
	TypeError                = "error"
)

// PriceUpdate is a backend-sourced price snapshot for one symbol.
type PriceUpdate struct {
	Symbol             string          `json:"symbol"`
	Price              decimal.Decimal `json:"price"`
	PriceChange        decimal.Decimal `json:"price_change"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	Volume             decimal.Decimal `json:"volume"`
	Timestamp          int64           `json:"timestamp"` // epoch ms
}

// InitialData is the bundle the backend sends shortly after the socket opens.
type InitialData struct {
	Cryptos    []PriceUpdate     `json:"cryptos"`
	Positions  []domain.Position `json:"positions"`
	Trades     []domain.Trade    `json:"trades"`
	BotRunning bool              `json:"bot_running"`
}

// CryptoDataResponse answers a get_crypto_data request.
type CryptoDataResponse struct {
	Symbol  string        `json:"symbol,omitempty"`
	Cryptos []PriceUpdate `json:"cryptos"`
}

// TradeExecuted reports one filled trade.
type TradeExecuted struct {
	Trade domain.Trade `json:"trade"`
}

// PositionClosed reports a position leaving the book.
type PositionClosed struct {
	Symbol string          `json:"symbol"`
	PnL    decimal.Decimal `json:"pnl"`
}

// PositionsResponse answers a get_positions request.
type PositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// PositionUpdate upserts a single open position.
type PositionUpdate struct {
	Position domain.Position `json:"position"`
}

// TradeHistoryResponse answers a get_trade_history request.
type TradeHistoryResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// ErrorPayload carries a backend-reported error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// TradeHistoryRequest parameterizes get_trade_history.
type TradeHistoryRequest struct {
	Limit  int    `json:"limit"`
	Symbol string `json:"symbol,omitempty"`
}

// CryptoDataRequest parameterizes get_crypto_data.
type CryptoDataRequest struct {
	Symbol string `json:"symbol,omitempty"`
}

// ExecuteTradeRequest parameterizes execute_trade.
type ExecuteTradeRequest struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // buy, sell
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"` // zero means market
	ClientOrderID string          `json:"client_order_id"`
}

// ClosePositionRequest parameterizes close_position.
type ClosePositionRequest struct {
	Symbol string `json:"symbol"`
}

// envelope builds an Envelope, marshaling the payload when present.
func envelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = data
	}
	return env, nil
}
