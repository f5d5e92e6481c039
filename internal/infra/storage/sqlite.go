package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"market_sync/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists the watchlist and user configuration
type Storage struct {
	db *gorm.DB
}

// NewStorage creates a new SQLite storage instance
func NewStorage() (*Storage, error) {
	dbPath, err := getDBPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve DB path: %w", err)
	}
	return newStorageAt(dbPath)
}

// NewStorageAt opens a storage instance at an explicit path (used by tests).
func NewStorageAt(dbPath string) (*Storage, error) {
	return newStorageAt(dbPath)
}

func newStorageAt(dbPath string) (*Storage, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.WatchedSymbol{}, &domain.AppConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "MarketSync", "data", "marketsync.db"), nil
}

// UpsertSymbol creates or updates a watchlist row
func (s *Storage) UpsertSymbol(ws *domain.WatchedSymbol) error {
	return s.db.Save(ws).Error
}

// GetSymbol retrieves a watchlist row by symbol
func (s *Storage) GetSymbol(symbol string) (*domain.WatchedSymbol, error) {
	var ws domain.WatchedSymbol
	err := s.db.First(&ws, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &ws, err
}

// ActiveSymbols retrieves the symbols currently on the watchlist
func (s *Storage) ActiveSymbols() ([]string, error) {
	var rows []domain.WatchedSymbol
	if err := s.db.Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(rows))
	for _, row := range rows {
		symbols = append(symbols, row.Symbol)
	}
	return symbols, nil
}

// ToggleFavorite toggles the favorite status of a watchlist row
func (s *Storage) ToggleFavorite(symbol string) (bool, error) {
	var ws domain.WatchedSymbol
	if err := s.db.First(&ws, "symbol = ?", symbol).Error; err != nil {
		return false, err
	}

	ws.IsFavorite = !ws.IsFavorite
	err := s.db.Save(&ws).Error
	return ws.IsFavorite, err
}

// DeleteSymbol removes a watchlist row
func (s *Storage) DeleteSymbol(symbol string) error {
	return s.db.Where("symbol = ?", symbol).Delete(&domain.WatchedSymbol{}).Error
}

// SaveConfig saves a user configuration value
func (s *Storage) SaveConfig(key, value string) error {
	config := domain.AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// LoadConfigMap loads all user configurations as a map
func (s *Storage) LoadConfigMap() (map[string]string, error) {
	var configs []domain.AppConfig
	if err := s.db.Find(&configs).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, cfg := range configs {
		result[cfg.Key] = cfg.Value
	}
	return result, nil
}
