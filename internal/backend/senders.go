package backend

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// Convenience senders. Each is a thin wrapper building a fixed envelope shape
// over SendMessage.

// GetPositions requests the current open positions.
func (m *Manager) GetPositions() {
	m.send(TypeGetPositions, nil)
}

// GetTradeHistory requests up to limit past trades, optionally for one symbol.
func (m *Manager) GetTradeHistory(limit int, symbol string) {
	m.send(TypeGetTradeHistory, TradeHistoryRequest{Limit: limit, Symbol: symbol})
}

// GetCryptoData requests price data, for one symbol or all when empty.
func (m *Manager) GetCryptoData(symbol string) {
	m.send(TypeGetCryptoData, CryptoDataRequest{Symbol: symbol})
}

// GetBotStatus requests the trading bot's current state.
func (m *Manager) GetBotStatus() {
	m.send(TypeGetBotStatus, nil)
}

// StartBot starts the trading bot with an opaque configuration blob. Bot
// semantics live outside this core.
func (m *Manager) StartBot(config json.RawMessage) {
	m.SendMessage(Envelope{Type: TypeStartBot, Data: config})
}

// StopBot stops the trading bot.
func (m *Manager) StopBot() {
	m.send(TypeStopBot, nil)
}

// UpdateBotConfig replaces the bot configuration.
func (m *Manager) UpdateBotConfig(config json.RawMessage) {
	m.SendMessage(Envelope{Type: TypeUpdateBotConfig, Data: config})
}

// ExecuteTrade submits a trade. A missing client order ID is filled in so the
// backend can deduplicate retries.
func (m *Manager) ExecuteTrade(req ExecuteTradeRequest) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	m.send(TypeExecuteTrade, req)
}

// ClosePosition asks the backend to close the position for a symbol.
func (m *Manager) ClosePosition(symbol string) {
	m.send(TypeClosePosition, ClosePositionRequest{Symbol: symbol})
}

func (m *Manager) send(msgType string, payload any) {
	env, err := envelope(msgType, payload)
	if err != nil {
		m.logger.Warn("failed to build envelope",
			slog.String("type", msgType),
			slog.Any("error", err),
		)
		return
	}
	m.SendMessage(env)
}
