package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"inkdrop/internal/database"
	"inkdrop/internal/fetch"
	"inkdrop/internal/ingest"
	"inkdrop/internal/mirror"
	"inkdrop/internal/notify"
	"inkdrop/internal/queue"
	"inkdrop/internal/verify"
	"inkdrop/pkg/models"
)

// errRecordClosed means the durable record no longer accepts updates,
// usually because it was cancelled while the worker was busy
var errRecordClosed = errors.New("download record is no longer active")

// PoolConfig tunes the worker pool
type PoolConfig struct {
	Workers    int
	MaxRetries int
	// ProgressInterval is how often progress is mirrored to the store
	ProgressInterval time.Duration
	// BaseBackoff is doubled for every retry
	BaseBackoff time.Duration
}

// Pool runs workers that take books off the live queue and download them
type Pool struct {
	queue    *queue.Queue
	store    Store
	source   mirror.Source
	fetcher  *fetch.Client
	verifier *verify.Verifier
	ingest   *ingest.Service
	notifier *notify.Feed
	cfg      PoolConfig
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewPool creates a worker pool. Zero config values fall back to defaults.
func NewPool(q *queue.Queue, store Store, source mirror.Source, fetcher *fetch.Client, verifier *verify.Verifier, ingestService *ingest.Service, notifier *notify.Feed, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}

	return &Pool{
		queue:    q,
		store:    store,
		source:   source,
		fetcher:  fetcher,
		verifier: verifier,
		ingest:   ingestService,
		notifier: notifier,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Start launches the workers. They stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting download workers", "workers", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has returned
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	for {
		task, err := p.queue.Next(ctx)
		if err != nil {
			p.logger.Debug("Download worker shutting down", "worker", worker)
			return
		}
		p.process(ctx, task)
	}
}

// outcome is a verified file placed in the ingest directory
type outcome struct {
	path string
	size int64
	md5  string
}

// process drives one book to a final state. Store writes use the pool
// context so they still land after the task context is cancelled.
func (p *Pool) process(ctx context.Context, task *queue.Task) {
	defer task.Release()

	logger := p.logger.With("book_id", task.BookID, "download_id", task.RecordID)
	tempPath := p.ingest.TempPath(task.RecordID, task.BookID)
	defer os.Remove(tempPath)

	if ok, err := p.store.UpdateDownloadStatus(ctx, task.RecordID, models.StatusProcessing, database.StatusFields{}); err != nil || !ok {
		logger.Warn("Download record not available for processing", "error", err)
		task.Fail(errRecordClosed.Error())
		return
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
			var retryAfter *fetch.RetryAfterError
			if errors.As(lastErr, &retryAfter) && retryAfter.Wait > wait {
				wait = retryAfter.Wait
			}
			logger.Info("Retrying download after backoff", "attempt", attempt, "backoff", wait)
			if err := p.wait(ctx, task, wait); err != nil {
				lastErr = err
				break
			}
		}

		result, err := p.attempt(ctx, task, tempPath, logger)
		if err == nil {
			p.finish(ctx, task, result, logger)
			return
		}
		lastErr = err

		if task.Cancelled() {
			logger.Info("Download cancelled")
			return
		}
		if !retryable(err) {
			break
		}
		logger.Warn("Download attempt failed", "attempt", attempt+1, "error", err)
	}

	if task.Cancelled() {
		logger.Info("Download cancelled")
		return
	}
	if ctx.Err() != nil {
		// Shutting down; startup cleanup cancels the record on the next boot
		logger.Info("Download interrupted by shutdown")
		return
	}
	p.fail(ctx, task, lastErr, logger)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, mirror.ErrBookNotFound), errors.Is(err, errRecordClosed):
		return false
	}
	return true
}

// attempt resolves, downloads, verifies and places the book once
func (p *Pool) attempt(ctx context.Context, task *queue.Task, tempPath string, logger *slog.Logger) (*outcome, error) {
	taskCtx := task.Context()

	res, err := p.source.ResolveDownload(taskCtx, task.BookID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download: %w", err)
	}

	discovered := time.Now().UTC()
	update := database.URLUpdate{FinalURL: &res.URL, DiscoveredAt: &discovered, ExpiresAt: res.ExpiresAt}
	if res.SearchURL != "" {
		update.SearchURL = &res.SearchURL
	}
	if res.Size > 0 {
		update.ExpectedSize = &res.Size
	}
	if ok, err := p.store.UpdateDownloadURLs(ctx, task.RecordID, update); err != nil {
		logger.Error("Failed to store download urls", "error", err)
	} else if !ok {
		return nil, errRecordClosed
	}

	if res.Countdown > 0 {
		logger.Info("Waiting for source countdown", "seconds", res.Countdown)
		if err := p.wait(ctx, task, time.Duration(res.Countdown)*time.Second); err != nil {
			return nil, err
		}
	}

	if !task.Transition(queue.Downloading{}) {
		return nil, context.Canceled
	}
	if ok, err := p.store.UpdateDownloadStatus(ctx, task.RecordID, models.StatusDownloading, database.StatusFields{ClearWait: true}); err != nil {
		return nil, err
	} else if !ok {
		return nil, errRecordClosed
	}

	lastPersist := time.Now()
	onProgress := func(pr fetch.Progress) {
		speed := fetch.FormatSpeed(pr.Speed)
		eta := fetch.ETA(pr.Downloaded, pr.Total, pr.Speed)
		task.Transition(queue.Downloading{Progress: pr.Percent(), Speed: speed, ETA: eta})

		if time.Since(lastPersist) < p.cfg.ProgressInterval {
			return
		}
		lastPersist = time.Now()
		pct := int(pr.Percent())
		if _, err := p.store.UpdateDownloadStatus(ctx, task.RecordID, models.StatusDownloading, database.StatusFields{
			ProgressPercent: &pct,
			DownloadSpeed:   &speed,
			ETASeconds:      eta,
		}); err != nil {
			logger.Warn("Failed to store download progress", "error", err)
		}
	}

	size, err := p.fetcher.Download(taskCtx, res.URL, tempPath, onProgress)
	if err != nil {
		return nil, err
	}
	logger.Info("Download finished, verifying", "size", size)

	var expected *int64
	if res.Size > 0 {
		expected = &res.Size
	}
	format := bookFormat(task.Book, res.Filename)
	verified, err := p.verifier.Verify(tempPath, verify.Expectation{
		BookID:       task.BookID,
		Format:       format,
		ExpectedSize: expected,
	})
	if err != nil {
		// A corrupt partial must not be resumed
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	if task.Cancelled() {
		return nil, context.Canceled
	}

	finalPath, err := p.ingest.Place(tempPath, task.Book, format)
	if err != nil {
		return nil, err
	}
	return &outcome{path: finalPath, size: verified.Size, md5: verified.MD5}, nil
}

func bookFormat(book models.BookInfo, filename string) string {
	if book.Format != "" {
		return book.Format
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// wait parks the task in the waiting state for d
func (p *Pool) wait(ctx context.Context, task *queue.Task, d time.Duration) error {
	progress := 0.0
	if item, ok := p.queue.Get(task.BookID); ok {
		progress = item.Book.Progress
	}

	start := time.Now().UTC()
	seconds := int(d.Round(time.Second) / time.Second)
	if !task.Transition(queue.Waiting{Progress: progress, WaitTime: seconds, WaitStart: start}) {
		return context.Canceled
	}
	if ok, err := p.store.UpdateDownloadStatus(ctx, task.RecordID, models.StatusWaiting, database.StatusFields{
		WaitTime:  &seconds,
		WaitStart: &start,
	}); err != nil {
		return err
	} else if !ok {
		return errRecordClosed
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-task.Context().Done():
		return task.Context().Err()
	case <-timer.C:
		return nil
	}
}

// finish records a successful download. A record cancelled meanwhile rejects
// the completion and the placed file is discarded.
func (p *Pool) finish(ctx context.Context, task *queue.Task, result *outcome, logger *slog.Logger) {
	size := result.size
	fields := database.StatusFields{
		FileSize:    &size,
		FilePath:    &result.path,
		ContentHash: &result.md5,
	}
	ok, err := p.store.UpdateDownloadStatus(ctx, task.RecordID, models.StatusCompleted, fields)
	if err != nil {
		logger.Error("Failed to record completed download", "error", err)
		task.Fail("failed to record completed download")
		return
	}
	if !ok {
		logger.Warn("Discarding late download result", "path", result.path)
		if err := os.Remove(result.path); err != nil {
			logger.Warn("Failed to remove discarded file", "path", result.path, "error", err)
		}
		return
	}

	task.Complete()
	if p.notifier != nil {
		p.notifier.DownloadCompleted(task.Username, task.BookID, displayTitle(task.Book))
	}
	logger.Info("Download completed", "path", result.path, "size", result.size)
}

func (p *Pool) fail(ctx context.Context, task *queue.Task, cause error, logger *slog.Logger) {
	msg := "download failed"
	if cause != nil {
		msg = cause.Error()
	}
	logger.Error("Download failed", "error", msg)

	ok, err := p.store.UpdateDownloadStatus(ctx, task.RecordID, models.StatusError, database.StatusFields{ErrorMessage: &msg})
	if err != nil {
		logger.Error("Failed to record failed download", "error", err)
	}
	task.Fail(msg)
	if !ok {
		logger.Info("Download record already closed, skipping failure notification")
		return
	}
	if p.notifier != nil {
		p.notifier.DownloadFailed(task.Username, task.BookID, displayTitle(task.Book), msg)
	}
}

func displayTitle(book models.BookInfo) string {
	if book.HasUsableTitle() {
		return book.Title
	}
	return book.ID
}
