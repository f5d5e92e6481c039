package backend

import (
	"encoding/json"
	"fmt"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/service"
)

// dispatchFunc applies one inbound message to the previous cache state. It
// runs inside a single cache transition, so handlers never observe a
// half-updated snapshot and never capture stale state.
type dispatchFunc func(s *service.State, data json.RawMessage) error

func unmarshalEnvelope(raw []byte, env *Envelope) error {
	if err := json.Unmarshal(raw, env); err != nil {
		return err
	}
	if env.Type == "" {
		return fmt.Errorf("envelope missing type discriminator")
	}
	return nil
}

// buildDispatch wires the tagged union of inbound message kinds to their
// cache transitions. Types absent here fall through to the external table.
func (m *Manager) buildDispatch() map[string]dispatchFunc {
	return map[string]dispatchFunc{
		TypeInitialData:          m.onInitialData,
		TypePriceUpdate:          m.onPriceUpdate,
		TypeCryptoDataResponse:   m.onCryptoDataResponse,
		TypeTradeExecuted:        m.onTradeExecuted,
		TypePositionClosed:       m.onPositionClosed,
		TypePositionsResponse:    m.onPositionsResponse,
		TypePositionUpdate:       m.onPositionUpdate,
		TypeTradeHistoryResponse: m.onTradeHistoryResponse,
		TypeError:                m.onError,
	}
}

func (m *Manager) onInitialData(s *service.State, data json.RawMessage) error {
	var payload InitialData
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	now := m.clock.Now()
	for _, upd := range payload.Cryptos {
		applyPriceUpdate(s, upd, now)
	}
	s.Positions = payload.Positions
	s.Trades = payload.Trades
	s.BotRunning = payload.BotRunning
	s.LastError = ""
	return nil
}

func (m *Manager) onPriceUpdate(s *service.State, data json.RawMessage) error {
	var payload PriceUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if payload.Symbol == "" {
		return fmt.Errorf("price_update missing symbol")
	}
	applyPriceUpdate(s, payload, m.clock.Now())
	return nil
}

func (m *Manager) onCryptoDataResponse(s *service.State, data json.RawMessage) error {
	var payload CryptoDataResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	now := m.clock.Now()
	for _, upd := range payload.Cryptos {
		applyPriceUpdate(s, upd, now)
	}
	return nil
}

func (m *Manager) onTradeExecuted(s *service.State, data json.RawMessage) error {
	var payload TradeExecuted
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	s.Trades = append([]domain.Trade{payload.Trade}, s.Trades...)
	return nil
}

func (m *Manager) onPositionClosed(s *service.State, data json.RawMessage) error {
	var payload PositionClosed
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	kept := s.Positions[:0:0]
	for _, p := range s.Positions {
		if p.Symbol != payload.Symbol {
			kept = append(kept, p)
		}
	}
	s.Positions = kept
	return nil
}

func (m *Manager) onPositionsResponse(s *service.State, data json.RawMessage) error {
	var payload PositionsResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	s.Positions = payload.Positions
	return nil
}

func (m *Manager) onPositionUpdate(s *service.State, data json.RawMessage) error {
	var payload PositionUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	for i, p := range s.Positions {
		if p.Symbol == payload.Position.Symbol {
			s.Positions[i] = payload.Position
			return nil
		}
	}
	s.Positions = append(s.Positions, payload.Position)
	return nil
}

func (m *Manager) onTradeHistoryResponse(s *service.State, data json.RawMessage) error {
	var payload TradeHistoryResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	s.Trades = payload.Trades
	return nil
}

func (m *Manager) onError(s *service.State, data json.RawMessage) error {
	var payload ErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	s.LastError = payload.Message
	return nil
}

// applyPriceUpdate upserts one symbol's entry and history, last write wins.
func applyPriceUpdate(s *service.State, upd PriceUpdate, now time.Time) {
	s.Entries[upd.Symbol] = domain.PriceCacheEntry{
		Tick: domain.PriceTick{
			Symbol:             upd.Symbol,
			Price:              upd.Price,
			PriceChange:        upd.PriceChange,
			PriceChangePercent: upd.PriceChangePercent,
			Volume:             upd.Volume,
			EventTime:          upd.Timestamp,
		},
		LastLocalUpdate: now,
	}
	s.History[upd.Symbol] = domain.AppendHistory(s.History[upd.Symbol], domain.PricePoint{
		Price:     upd.Price,
		Timestamp: now,
	})
}
