package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market_sync/internal/app"
	"market_sync/internal/backend"
	"market_sync/internal/infra"
	"market_sync/internal/service"
	"market_sync/internal/stream"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Background Asset Sync
	watched := bootstrap.WatchedSymbols()
	go bootstrap.SyncAssets(ctx, watched)

	// 5. Shared cache + metrics
	cache := service.NewPriceCache()
	metrics := &infra.Metrics{}
	clock := infra.RealClock{}

	// 6. Exchange stream manager
	streamMgr := stream.NewManager(stream.Options{
		WSURL:          cfg.Exchange.WSURL,
		DefaultSymbols: watched,
		BaseDelay:      time.Duration(cfg.Exchange.Reconnect.BaseDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Exchange.Reconnect.MaxDelayMS) * time.Millisecond,
		MaxAttempts:    cfg.Exchange.Reconnect.MaxAttempts,
		ReconnectGrace: time.Duration(cfg.Exchange.Reconnect.GraceMS) * time.Millisecond,
	}, clock, metrics)

	// 7. Update batcher bridging ticks into the cache
	batcher := service.NewUpdateBatcher(service.BatcherOptions{
		SizeThreshold:  cfg.Batcher.SizeThreshold,
		FlushInterval:  time.Duration(cfg.Batcher.FlushIntervalMS) * time.Millisecond,
		StatsInterval:  time.Duration(cfg.Batcher.StatsIntervalMS) * time.Millisecond,
		StatusInterval: time.Duration(cfg.Batcher.StatusIntervalMS) * time.Millisecond,
	}, streamMgr, cache, clock, metrics)
	batcher.Start()
	defer batcher.Cleanup()
	slog.InfoContext(ctx, "✅ Update batcher started", slog.Int("symbols", len(watched)))

	// 8. Backend channel manager (exactly one per session)
	channel := backend.NewManager(backend.Options{
		URL:              cfg.Backend.WSURL,
		BaseDelay:        time.Duration(cfg.Backend.Reconnect.BaseDelayMS) * time.Millisecond,
		MaxDelay:         time.Duration(cfg.Backend.Reconnect.MaxDelayMS) * time.Millisecond,
		MaxAttempts:      cfg.Backend.Reconnect.MaxAttempts,
		HeartbeatCheck:   time.Duration(cfg.Backend.Heartbeat.CheckIntervalMS) * time.Millisecond,
		HeartbeatTimeout: time.Duration(cfg.Backend.Heartbeat.TimeoutMS) * time.Millisecond,
		InitialDataDelay: time.Duration(cfg.Backend.InitialDataDelayMS) * time.Millisecond,
	}, cache, map[string]backend.Handler{
		// Bot/AI subsystem messages are outside this core; log until a
		// consumer registers real handlers.
		"bot_status": func(env backend.Envelope) {
			slog.Debug("bot status update", slog.String("type", env.Type))
		},
		"ai_analysis": func(env backend.Envelope) {
			slog.Debug("ai analysis update", slog.String("type", env.Type))
		},
	}, clock, metrics)
	channel.Connect()
	defer channel.Close()
	slog.InfoContext(ctx, "✅ Backend channel started", slog.String("url", cfg.Backend.WSURL))

	// 9. Periodic metrics snapshot for operators
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := metrics.Snapshot()
				slog.Info("sync core metrics",
					slog.Uint64("ticks", snap.TicksReceived),
					slog.Uint64("flushed", snap.TicksFlushed),
					slog.Uint64("parse_errors", snap.ParseErrors),
					slog.Uint64("reconnects", snap.Reconnects),
					slog.String("status", string(cache.ConnectionStatus())),
				)
			}
		}
	}()

	slog.InfoContext(ctx, "✨ Market Sync fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	streamMgr.Disconnect()
	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}
