package domain

import (
	"time"
)

// WatchedSymbol is a persisted watchlist row. The bootstrap seeds the stream
// manager's symbol set from the active rows.
type WatchedSymbol struct {
	Symbol       string    `gorm:"primaryKey" json:"symbol"`
	IconPath     string    `json:"icon_path"`
	IsActive     bool      `json:"is_active" gorm:"index"`
	IsFavorite   bool      `json:"is_favorite" gorm:"index"`
	LastSyncedAt time.Time `json:"last_synced_at"` // Last icon sync time
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
