package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"price_watcher/internal/announce"
	"price_watcher/internal/catalog"
	"price_watcher/internal/config"
	"price_watcher/internal/logger"
	"price_watcher/internal/metrics"
	"price_watcher/internal/storage"
	"price_watcher/internal/telegram"
	"price_watcher/internal/watcher"

	"golang.org/x/sync/errgroup"
)

const LogFile = "watcher.log"
const VersionFile = "version.latest"

// main is the entry point of the application.
func main() {
	// 1. Initialization
	// Load configuration first to get logger settings
	cfg := config.Load()
	cfg.Version = readVersion()

	rotator := logger.Setup(LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups)
	if rotator != nil {
		defer rotator.Close()
	}
	logger.SetLevel(cfg.LogLevel)

	// Create a context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Setup Dependencies
	rec := metrics.NewRecorder()

	store, err := storage.Open(ctx, newBackend(cfg), storage.Options{
		Attempts:   cfg.StoreRetries,
		RetryDelay: cfg.StoreRetryDelay,
		OnRetry:    rec.IncStoreRetry,
	})
	if err != nil {
		log.Fatalf("CRITICAL: cannot open state store: %v", err)
	}
	defer store.Close()

	bot, err := telegram.NewBot(telegram.Settings{Token: cfg.BotToken, Timeout: cfg.SinkTimeout})
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	tg := telegram.New(bot, cfg.AdminChatID)

	machine := announce.NewMachine(tg, announce.Config{
		ChannelID:     cfg.ChannelID,
		Timeout:       cfg.SinkTimeout,
		UnpinPrevious: cfg.UnpinPrevious,
	})

	w := watcher.New(cfg, watcher.Deps{
		Source:   catalog.NewHTTPSource(cfg.CatalogURL, cfg.FetchTimeout),
		Store:    store,
		Machine:  machine,
		Notifier: tg,
		Metrics:  rec,
	})

	// 3. Setup Signal Handling (Graceful Shutdown)
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("⚠️ Watcher Shutting Down: System signal received.")
		cancel()
	}()

	log.Printf("Price Watcher %s Initialized", cfg.Version)
	log.Printf("Channel: %s | Store: %s | Interval: %s", cfg.ChannelID, cfg.StoreBackend, cfg.CheckInterval)
	w.SendStartupNotification(ctx)

	// 4. Run loop, command listener and metrics server together
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	if cfg.AdminChatID != "" {
		g.Go(func() error {
			tg.StartListener(gctx, w.HandleCommand)
			return nil
		})
	} else {
		log.Println("Telegram Listener: TELEGRAM_ADMIN_CHAT_ID not set, disabled.")
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			// A dead metrics endpoint must not stop price tracking.
			if err := rec.Serve(gctx, cfg.MetricsAddr); err != nil {
				log.Printf("ERROR: metrics server: %v", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("ERROR: %v", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	w.SendShutdownNotification(shutdownCtx)
	log.Println("🛑 Price Watcher stopped")
}

func newBackend(cfg *config.Config) storage.Backend {
	switch cfg.StoreBackend {
	case "sqlite":
		return storage.NewSQLite(cfg.SQLitePath)
	case "file":
		return storage.NewFile(cfg.StateFile)
	default:
		return storage.NewPostgres(cfg.PostgresDSN())
	}
}

func readVersion() string {
	// read version from VersionFile file
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
