package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inkdrop/internal/config"
	"inkdrop/internal/database"
	"inkdrop/internal/downloader"
	"inkdrop/internal/fetch"
	"inkdrop/internal/ingest"
	"inkdrop/internal/instance"
	"inkdrop/internal/mirror"
	"inkdrop/internal/notify"
	"inkdrop/internal/queue"
	"inkdrop/internal/retry"
	"inkdrop/internal/verify"
	"inkdrop/internal/web"
	"inkdrop/internal/web/handlers"

	"github.com/mattn/go-isatty"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	slog.Info("Starting inkdrop", "version", handlers.Version)

	lock, err := instance.Acquire(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Error("Failed to release instance lock", "error", err)
		}
	}()

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()

	ingestService := ingest.NewService(cfg.IngestDir, cfg.TempDir)
	if err := ingestService.EnsureDirectories(); err != nil {
		return err
	}

	// The live queue starts empty, so nothing recorded as active can still be running
	if err := reconcileStartup(context.Background(), db, ingestService); err != nil {
		return err
	}

	source := mirror.New(cfg.MirrorBaseURL, cfg.MirrorAPIKey)

	checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := source.CheckAPIKey(checkCtx); err != nil {
		slog.Warn("Mirror API key validation failed - continuing anyway", "error", err)
	} else {
		slog.Info("Mirror API key validated successfully")
	}
	cancel()

	verifier := verify.New(cfg.VerifyChecksums)
	notifications := notify.NewFeed()
	q := queue.New()

	// Book transfers can be long; cancellation comes from the task context instead
	fetcher := fetch.NewClient(0)

	manager := downloader.NewManager(q, db, source)
	pool := downloader.NewPool(q, db, source, fetcher, verifier, ingestService, notifications, downloader.PoolConfig{
		Workers:    cfg.MaxConcurrentDownloads,
		MaxRetries: cfg.DownloadMaxRetries,
	})
	engine := retry.New(db, fetcher, verifier)

	h := handlers.NewHandlers(db, manager, engine, ingestService, notifications)
	server := web.NewServer(cfg, h)

	return runServer(server, pool, manager, db, cfg)
}

// reconcileStartup cancels records orphaned by the previous process and
// removes the partial files they left behind
func reconcileStartup(ctx context.Context, db *database.DB, ingestService *ingest.Service) error {
	cancelled, err := db.CleanupPhantomDownloadsOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile downloads on startup: %w", err)
	}
	if cancelled > 0 {
		slog.Info("Cancelled downloads orphaned by the previous session", "count", cancelled)
	}

	removed, err := ingestService.CleanupPartials(0)
	if err != nil {
		slog.Warn("Failed to clean up partial files", "error", err)
	} else if removed > 0 {
		slog.Info("Removed partial files from the previous session", "count", removed)
	}
	return nil
}

func runServer(server *web.Server, pool *downloader.Pool, manager *downloader.Manager, db *database.DB, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	go manager.RunMaintenance(ctx, cfg.PhantomSweepInterval)
	if cfg.HistoryRetentionDays > 0 {
		go startHistoryCleanup(ctx, db, cfg.HistoryRetentionDays)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		cancel()
		pool.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	}

	// Stop workers first so no new durable writes race the shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	pool.Wait()

	slog.Info("Server shutdown complete")
	return nil
}

// setupLogging configures structured logging based on the log level. A
// terminal gets the text handler, anything else gets JSON.
func setupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// startHistoryCleanup deletes finished records older than the retention window once a day
func startHistoryCleanup(ctx context.Context, db *database.DB, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	cleanupOldRecords(ctx, db, retentionDays)

	for {
		select {
		case <-ctx.Done():
			slog.Info("History cleanup routine shutting down")
			return
		case <-ticker.C:
			cleanupOldRecords(ctx, db, retentionDays)
		}
	}
}

func cleanupOldRecords(ctx context.Context, db *database.DB, retentionDays int) {
	slog.Info("Running history cleanup", "retention_days", retentionDays)

	deleted, err := db.CleanupOldRecords(ctx, retentionDays)
	if err != nil {
		slog.Error("Failed to cleanup old records", "error", err)
		return
	}

	slog.Info("History cleanup completed", "deleted", deleted)
}
