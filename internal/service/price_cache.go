package service

import (
	"sort"
	"sync"
	"time"

	"market_sync/internal/domain"
)

// State is the Redux-shaped snapshot the dashboard reads. It is only ever
// modified inside PriceCache.Update, one transition at a time.
type State struct {
	Entries          map[string]domain.PriceCacheEntry
	History          map[string][]domain.PricePoint
	Positions        []domain.Position
	Trades           []domain.Trade
	BotRunning       bool
	ConnectionStatus domain.ConnStatus
	TicksPerSecond   int
	LastError        string
}

// PriceCache manages the shared market-data state. Writers commit whole
// transitions under one lock acquisition; readers always see a fully-formed
// snapshot.
type PriceCache struct {
	mu    sync.RWMutex
	state State
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{
		state: State{
			Entries:          make(map[string]domain.PriceCacheEntry),
			History:          make(map[string][]domain.PricePoint),
			ConnectionStatus: domain.StatusDisconnected,
		},
	}
}

// Update applies fn to the state as a single atomic transition.
func (c *PriceCache) Update(fn func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
}

// ApplyTicks commits a batch of ticks in one transition, preserving batch
// order, and appends each tick to its symbol's bounded history.
func (c *PriceCache) ApplyTicks(ticks []domain.PriceTick, now time.Time) {
	if len(ticks) == 0 {
		return
	}
	c.Update(func(s *State) {
		for _, tick := range ticks {
			s.Entries[tick.Symbol] = domain.PriceCacheEntry{
				Tick:            tick,
				LastLocalUpdate: now,
			}
			s.History[tick.Symbol] = domain.AppendHistory(s.History[tick.Symbol], domain.PricePoint{
				Price:     tick.Price,
				Timestamp: now,
			})
		}
	})
}

// SetConnectionStatus republishes the coarse stream status.
func (c *PriceCache) SetConnectionStatus(status domain.ConnStatus) {
	c.Update(func(s *State) { s.ConnectionStatus = status })
}

// SetThroughput republishes the ticks-per-second statistic.
func (c *PriceCache) SetThroughput(ticksPerSecond int) {
	c.Update(func(s *State) { s.TicksPerSecond = ticksPerSecond })
}

// Entry returns the latest entry for a symbol.
func (c *PriceCache) Entry(symbol string) (domain.PriceCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.state.Entries[symbol]
	return entry, ok
}

// AllEntries returns all entries sorted by symbol for consistent ordering.
func (c *PriceCache) AllEntries() []domain.PriceCacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]domain.PriceCacheEntry, 0, len(c.state.Entries))
	for _, entry := range c.state.Entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Tick.Symbol < result[j].Tick.Symbol
	})
	return result
}

// History returns a copy of a symbol's newest-first price history.
func (c *PriceCache) History(symbol string) []domain.PricePoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := c.state.History[symbol]
	out := make([]domain.PricePoint, len(history))
	copy(out, history)
	return out
}

// Positions returns a copy of the open positions.
func (c *PriceCache) Positions() []domain.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Position, len(c.state.Positions))
	copy(out, c.state.Positions)
	return out
}

// TradeHistory returns a copy of the executed trades.
func (c *PriceCache) TradeHistory() []domain.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Trade, len(c.state.Trades))
	copy(out, c.state.Trades)
	return out
}

// ConnectionStatus returns the last published stream status.
func (c *PriceCache) ConnectionStatus() domain.ConnStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.ConnectionStatus
}

// Throughput returns the last published ticks-per-second statistic.
func (c *PriceCache) Throughput() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.TicksPerSecond
}

// BotRunning reports the last known bot state.
func (c *PriceCache) BotRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.BotRunning
}

// LastError returns the last backend-reported error message.
func (c *PriceCache) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.LastError
}
