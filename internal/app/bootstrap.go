package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/infra"
	"market_sync/internal/infra/storage"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Storage    *storage.Storage
	Downloader *infra.IconDownloader
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB)
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping Market Sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig("configs/config.yaml")
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage()
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Initialize Icon Downloader
	downloader, err := infra.NewIconDownloader()
	if err != nil {
		return err
	}
	b.Downloader = downloader
	slog.Info("✅ Icon downloader ready")

	return nil
}

// WatchedSymbols returns the persisted watchlist, falling back to the
// configured defaults when the list is empty.
func (b *Bootstrap) WatchedSymbols() []string {
	symbols, err := b.Storage.ActiveSymbols()
	if err != nil {
		slog.Warn("Failed to load watchlist, using defaults", slog.Any("error", err))
		return b.Config.Exchange.DefaultSymbols
	}
	if len(symbols) == 0 {
		return b.Config.Exchange.DefaultSymbols
	}
	return symbols
}

// SyncAssets upserts the watchlist rows and downloads missing icons in the
// background, bounded by a small semaphore.
func (b *Bootstrap) SyncAssets(ctx context.Context, symbols []string) {
	slog.Info("🔄 Starting asset synchronization...")

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 5) // Limit concurrent downloads

	for _, symbol := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			row := &domain.WatchedSymbol{
				Symbol:    sym,
				IsActive:  true,
				UpdatedAt: time.Now(),
			}

			// Preserve favorite flag and icon path on re-sync
			if existing, _ := b.Storage.GetSymbol(sym); existing != nil {
				row.IsFavorite = existing.IsFavorite
				row.IconPath = existing.IconPath
				row.LastSyncedAt = existing.LastSyncedAt
			}

			if err := b.Storage.UpsertSymbol(row); err != nil {
				slog.Error("Failed to upsert symbol", slog.String("symbol", sym), slog.Any("error", err))
			}

			path, err := b.Downloader.DownloadIcon(infra.BaseAsset(sym))
			if err != nil {
				slog.Warn("Failed to download icon", slog.String("symbol", sym), slog.Any("error", err))
			} else if path != "" {
				row.IconPath = path
				row.LastSyncedAt = time.Now()
				b.Storage.UpsertSymbol(row)
			}
		}(symbol)
	}

	wg.Wait()
	slog.Info("✨ Asset synchronization completed")
}
