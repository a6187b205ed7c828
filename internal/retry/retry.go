// Package retry re-downloads finished books straight from their recorded
// final URL without going back through the queue
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"inkdrop/internal/fetch"
	"inkdrop/internal/ingest"
	"inkdrop/internal/verify"
	"inkdrop/pkg/models"
)

// Store is the part of the downloads store the engine needs
type Store interface {
	GetDownloadRecordInternal(ctx context.Context, id int64) (*models.DownloadRecord, error)
	MarkURLFailed(ctx context.Context, id int64, errorMsg string) error
	CompleteRedownload(ctx context.Context, id int64, filePath string, fileSize int64) (bool, error)
}

// Fetcher streams a URL to a local file
type Fetcher interface {
	Download(ctx context.Context, url, tempPath string, onProgress fetch.ProgressFunc) (int64, error)
}

// Engine performs direct re-downloads
type Engine struct {
	store    Store
	fetcher  Fetcher
	verifier *verify.Verifier
	logger   *slog.Logger
}

// New creates a retry engine
func New(store Store, fetcher Fetcher, verifier *verify.Verifier) *Engine {
	return &Engine{
		store:    store,
		fetcher:  fetcher,
		verifier: verifier,
		logger:   slog.Default(),
	}
}

// DirectRedownload fetches the record's final URL into targetPath. The caller
// must already have checked that the requesting user owns recordID. Records
// that are not completed or errored are refused before any network I/O. It
// never returns an error: every fetch failure disables direct retry for the
// record and yields false.
func (e *Engine) DirectRedownload(ctx context.Context, recordID int64, targetPath string) bool {
	record, err := e.store.GetDownloadRecordInternal(ctx, recordID)
	if err != nil {
		e.logger.Error("Failed to load download record", "download_id", recordID, "error", err)
		return false
	}
	if record == nil {
		e.logger.Warn("Direct re-download requested for unknown record", "download_id", recordID)
		return false
	}
	if !record.Status.CanRedownload() {
		e.logger.Info("Direct re-download refused for unfinished record", "download_id", recordID,
			"status", record.Status)
		return false
	}
	if record.FinalURL == nil || *record.FinalURL == "" || !record.CanRetryDirect {
		e.logger.Info("Direct re-download not possible for record", "download_id", recordID,
			"can_retry_direct", record.CanRetryDirect)
		return false
	}
	if record.URLExpiresAt != nil && time.Now().After(*record.URLExpiresAt) {
		e.fail(ctx, recordID, "download url expired")
		return false
	}

	tempPath := targetPath + ingest.PartialSuffix
	defer os.Remove(tempPath)

	logger := e.logger.With("download_id", recordID, "book_id", record.BookID)
	logger.Info("Starting direct re-download", "target", targetPath)

	if _, err := e.fetcher.Download(ctx, *record.FinalURL, tempPath, nil); err != nil {
		e.fail(ctx, recordID, fmt.Sprintf("direct download failed: %v", err))
		return false
	}

	result, err := e.verifier.Verify(tempPath, verify.Expectation{
		BookID:       record.BookID,
		Format:       record.BookFormat,
		ExpectedSize: record.ExpectedSize,
	})
	if err != nil {
		e.fail(ctx, recordID, fmt.Sprintf("verification failed: %v", err))
		return false
	}

	if err := ingest.MoveFile(tempPath, targetPath); err != nil {
		e.fail(ctx, recordID, fmt.Sprintf("failed to place file: %v", err))
		return false
	}

	ok, err := e.store.CompleteRedownload(ctx, recordID, targetPath, result.Size)
	if err != nil || !ok {
		if err != nil {
			logger.Error("Failed to record re-download", "error", err)
		} else {
			logger.Warn("Record is no longer eligible for re-download completion")
		}
		// Nothing points at the placed file any more
		if rmErr := os.Remove(targetPath); rmErr != nil {
			logger.Warn("Failed to remove unrecorded re-download", "path", targetPath, "error", rmErr)
		}
		return false
	}

	logger.Info("Direct re-download completed", "path", targetPath, "size", result.Size)
	return true
}

func (e *Engine) fail(ctx context.Context, recordID int64, msg string) {
	if err := e.store.MarkURLFailed(ctx, recordID, msg); err != nil {
		e.logger.Error("Failed to mark download url failed", "download_id", recordID, "error", err)
	}
}
