package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAppendHistory_NewestFirst(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	var history []PricePoint
	for i := 0; i < 3; i++ {
		history = AppendHistory(history, PricePoint{
			Price:     decimal.NewFromInt(int64(100 + i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	if len(history) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(history))
	}
	// Newest first
	if !history[0].Price.Equal(decimal.NewFromInt(102)) {
		t.Errorf("Expected newest price 102 first, got %v", history[0].Price)
	}
	if !history[2].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected oldest price 100 last, got %v", history[2].Price)
	}
}

func TestAppendHistory_Bounded(t *testing.T) {
	var history []PricePoint
	for i := 0; i < MaxHistoryPoints+50; i++ {
		history = AppendHistory(history, PricePoint{
			Price: decimal.NewFromInt(int64(i)),
		})
	}

	if len(history) != MaxHistoryPoints {
		t.Fatalf("Expected history capped at %d, got %d", MaxHistoryPoints, len(history))
	}
	// Newest entry survives, oldest were evicted
	if !history[0].Price.Equal(decimal.NewFromInt(int64(MaxHistoryPoints + 49))) {
		t.Errorf("Expected newest price %d, got %v", MaxHistoryPoints+49, history[0].Price)
	}
	if !history[MaxHistoryPoints-1].Price.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected oldest surviving price 50, got %v", history[MaxHistoryPoints-1].Price)
	}
}

func TestAppendHistory_OrderMaintained(t *testing.T) {
	var history []PricePoint
	for i := 0; i < MaxHistoryPoints*2; i++ {
		history = AppendHistory(history, PricePoint{Price: decimal.NewFromInt(int64(i))})
	}

	for i := 1; i < len(history); i++ {
		if history[i].Price.GreaterThan(history[i-1].Price) {
			t.Fatalf("History not newest-first at index %d: %v > %v", i, history[i].Price, history[i-1].Price)
		}
	}
}
