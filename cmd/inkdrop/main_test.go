package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
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
	"inkdrop/pkg/models"

	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	tests := []struct {
		name  string
		level string
	}{
		{"debug level", "debug"},
		{"info level", "info"},
		{"upper case level", "WARN"},
		{"error level", "error"},
		{"invalid level defaults to info", "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				setupLogging(tt.level)
			})
		})
	}
}

func TestRun_ConfigError(t *testing.T) {
	t.Setenv("MIRROR_BASE_URL", "")

	err := run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load configuration")
}

func TestRun_LockHeld(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "inkdrop.db")
	t.Setenv("MIRROR_BASE_URL", "https://books.example/api")
	t.Setenv("DATABASE_PATH", dbPath)
	t.Setenv("INGEST_DIR", filepath.Join(root, "ingest"))
	t.Setenv("TEMP_DIR", filepath.Join(root, "tmp"))

	lock, err := instance.Acquire(dbPath)
	require.NoError(t, err)
	defer lock.Release()

	err = run()
	require.ErrorIs(t, err, instance.ErrLocked)
}

func TestReconcileStartup(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	root := t.TempDir()
	ingestService := ingest.NewService(filepath.Join(root, "ingest"), filepath.Join(root, "tmp"))
	require.NoError(t, ingestService.EnsureDirectories())

	queuedID, err := db.RecordDownloadQueued(ctx, "alice", models.BookInfo{ID: "a", Title: "Queued"}, "")
	require.NoError(t, err)
	runningID, err := db.RecordDownloadQueued(ctx, "alice", models.BookInfo{ID: "b", Title: "Running"}, "")
	require.NoError(t, err)
	_, err = db.UpdateDownloadStatus(ctx, runningID, models.StatusProcessing, database.StatusFields{})
	require.NoError(t, err)

	partial := ingestService.TempPath(runningID, "b")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o644))

	require.NoError(t, reconcileStartup(ctx, db, ingestService))

	for _, id := range []int64{queuedID, runningID} {
		record, err := db.GetDownloadRecordInternal(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, record.Status)
	}
	require.NoFileExists(t, partial)
}

func TestRunServer_StartError(t *testing.T) {
	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	root := t.TempDir()
	cfg := &config.Config{
		ServerPort:  "999999", // Invalid port
		LogLevel:    "info",
		AuthHeader:  "X-Remote-User",
		DefaultUser: "admin",
	}

	ingestService := ingest.NewService(filepath.Join(root, "ingest"), filepath.Join(root, "tmp"))
	source := mirror.New("http://127.0.0.1:1", "")
	fetcher := fetch.NewClient(time.Second)
	verifier := verify.New(true)
	feed := notify.NewFeed()
	q := queue.New()

	manager := downloader.NewManager(q, db, source)
	pool := downloader.NewPool(q, db, source, fetcher, verifier, ingestService, feed, downloader.PoolConfig{Workers: 1})
	h := handlers.NewHandlers(db, manager, retry.New(db, fetcher, verifier), ingestService, feed)

	err = runServer(web.NewServer(cfg, h), pool, manager, db, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "server failed to start")
}
