// Package downloader coordinates the live queue, the download history and the
// workers that move books through both
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"inkdrop/internal/database"
	"inkdrop/internal/mirror"
	"inkdrop/internal/queue"
	"inkdrop/internal/reconcile"
	"inkdrop/pkg/models"
)

// ErrNotFound is returned when a book or record is not tracked for the caller
var ErrNotFound = errors.New("download not found")

// ErrInvalidRequest is returned for requests missing a book id or username
var ErrInvalidRequest = errors.New("invalid download request")

const (
	userCancelMessage  = "Cancelled by user"
	forceCancelMessage = "Force cancelled"
	duplicateMessage   = "Book was already queued"
)

// QueueRequest describes a user asking for a book
type QueueRequest struct {
	BookID    string
	Username  string
	Priority  int
	SearchURL string
	CoverURL  string
}

// RemoveResult reports what a remove-tracking call changed
type RemoveResult struct {
	BookID           string `json:"book_id"`
	RecordsCancelled int64  `json:"records_cancelled"`
	RemovedFromQueue bool   `json:"removed_from_queue"`
}

// Manager is the entry point for everything that queues, cancels or reports
// on downloads. One instance is shared by the HTTP handlers and the workers.
type Manager struct {
	queue  *queue.Queue
	store  Store
	source mirror.Source
	logger *slog.Logger

	// enqueueMu serializes the duplicate check, the durable insert and the
	// enqueue, and keeps phantom repair from seeing a half-queued book
	enqueueMu sync.Mutex
}

// NewManager creates a manager over q and store
func NewManager(q *queue.Queue, store Store, source mirror.Source) *Manager {
	return &Manager{
		queue:  q,
		store:  store,
		source: source,
		logger: slog.Default(),
	}
}

// Queue exposes the live queue for the worker pool
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// QueueBook looks up the book and queues it for req.Username. It returns
// false without error when the book is already queued or in progress.
func (m *Manager) QueueBook(ctx context.Context, req QueueRequest) (bool, error) {
	if req.BookID == "" || req.Username == "" {
		return false, ErrInvalidRequest
	}
	if m.isActive(req.BookID) {
		m.logger.Info("Book already in queue", "book_id", req.BookID)
		return false, nil
	}

	// Metadata lookup is network I/O and happens before any lock is taken
	book, err := m.source.GetBookInfo(ctx, req.BookID)
	if err != nil {
		return false, fmt.Errorf("failed to get book info: %w", err)
	}
	book.ID = req.BookID
	if book.Preview == "" && req.CoverURL != "" {
		book.Preview = req.CoverURL
	}

	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	if m.isActive(req.BookID) {
		return false, nil
	}

	recordID, err := m.store.RecordDownloadQueued(ctx, req.Username, *book, req.SearchURL)
	if err != nil {
		return false, err
	}

	_, err = m.queue.Enqueue(*book, req.Priority, queue.EnqueueOptions{
		RecordID:  recordID,
		Username:  req.Username,
		SearchURL: req.SearchURL,
	})
	if err != nil {
		msg := duplicateMessage
		if _, cancelErr := m.store.UpdateDownloadStatus(ctx, recordID, models.StatusCancelled, database.StatusFields{ErrorMessage: &msg}); cancelErr != nil {
			m.logger.Error("Failed to cancel record of rejected enqueue", "download_id", recordID, "error", cancelErr)
		}
		if errors.Is(err, queue.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("failed to enqueue book: %w", err)
	}

	m.logger.Info("Book queued",
		"book_id", req.BookID,
		"download_id", recordID,
		"username", req.Username,
		"priority", req.Priority)
	return true, nil
}

func (m *Manager) isActive(bookID string) bool {
	item, ok := m.queue.Get(bookID)
	return ok && item.State.IsActive()
}

// QueueStatus returns the raw live queue snapshot
func (m *Manager) QueueStatus() models.QueueStatus {
	return m.queue.Status()
}

// CancelDownload cancels username's active book. The durable record is
// cancelled immediately so a worker finishing late cannot complete it. A book
// owned by another user is reported as not found.
func (m *Manager) CancelDownload(ctx context.Context, username, bookID string) (bool, error) {
	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	owned, err := m.ownsLiveEntry(ctx, username, bookID)
	if err != nil || !owned {
		return false, err
	}

	recordID, ok := m.queue.Cancel(bookID)
	if !ok {
		return false, nil
	}
	if err := m.cancelRecord(ctx, recordID, userCancelMessage); err != nil {
		return false, err
	}
	m.logger.Info("Download cancelled", "book_id", bookID, "download_id", recordID, "username", username)
	return true, nil
}

// ForceCancelDownload removes username's book from the live queue whatever
// its state. It is the escape hatch for stuck workers.
func (m *Manager) ForceCancelDownload(ctx context.Context, username, bookID string) (bool, error) {
	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	owned, err := m.ownsLiveEntry(ctx, username, bookID)
	if err != nil || !owned {
		return false, err
	}

	recordID, ok := m.queue.ForceCancel(bookID)
	if !ok {
		return false, nil
	}
	if err := m.cancelRecord(ctx, recordID, forceCancelMessage); err != nil {
		return false, err
	}
	m.logger.Info("Download force cancelled", "book_id", bookID, "download_id", recordID, "username", username)
	return true, nil
}

// ownsLiveEntry reports whether the live entry for bookID belongs to a
// record owned by username. Callers hold enqueueMu so the entry cannot be
// replaced before they act on it.
func (m *Manager) ownsLiveEntry(ctx context.Context, username, bookID string) (bool, error) {
	if username == "" {
		return false, nil
	}
	item, ok := m.queue.Get(bookID)
	if !ok {
		return false, nil
	}
	if item.RecordID == 0 {
		return item.Username == username, nil
	}

	record, err := m.store.GetDownloadRecord(ctx, item.RecordID, username)
	if err != nil {
		return false, fmt.Errorf("failed to check download owner: %w", err)
	}
	return record != nil, nil
}

func (m *Manager) cancelRecord(ctx context.Context, recordID int64, message string) error {
	if recordID == 0 {
		return nil
	}
	_, err := m.store.UpdateDownloadStatus(ctx, recordID, models.StatusCancelled, database.StatusFields{ErrorMessage: &message})
	if err != nil {
		return fmt.Errorf("failed to cancel download record: %w", err)
	}
	return nil
}

// SetBookPriority changes the priority of a queued book
func (m *Manager) SetBookPriority(bookID string, priority int) bool {
	return m.queue.SetPriority(bookID, priority)
}

// ReorderQueue applies several priorities at once
func (m *Manager) ReorderQueue(priorities map[string]int) bool {
	return m.queue.Reorder(priorities)
}

// GetQueueOrder returns queued books in the order they will start
func (m *Manager) GetQueueOrder() []queue.Item {
	return m.queue.Order()
}

// GetActiveDownloads returns books currently held by a worker
func (m *Manager) GetActiveDownloads() []queue.Item {
	return m.queue.Active()
}

// ClearCompleted drops finished entries from the live queue
func (m *Manager) ClearCompleted() int {
	return m.queue.ClearCompleted()
}

// CleanupPhantomEntries purges live entries without usable metadata
func (m *Manager) CleanupPhantomEntries() int {
	return m.queue.CleanupPhantomEntries()
}

// RemoveFromTracking forgets a book in the live queue only
func (m *Manager) RemoveFromTracking(bookID string) bool {
	return m.queue.RemoveFromTracking(bookID)
}

// UserDownloadStatus returns the reconciled view of a user's downloads. The
// durable rows are read before the live snapshot so a book finishing in
// between is still suppressed by its available entry.
func (m *Manager) UserDownloadStatus(ctx context.Context, username string) (reconcile.View, error) {
	durable, err := m.store.GetUserDownloadsByStatus(ctx, username)
	if err != nil {
		return nil, err
	}

	live, evicted := m.queue.StatusForReconcile()
	if evicted > 0 {
		m.logger.Debug("Evicted finished queue entries", "count", evicted)
	}
	return reconcile.Reconcile(live, durable), nil
}

// RemoveTracking repairs a desynced download. A numeric id is a record id
// owned by username, and the live entry is dropped only when it belongs to
// that record. Anything else is a book id whose active records are all
// cancelled and whose live entry is dropped.
func (m *Manager) RemoveTracking(ctx context.Context, username, id string) (*RemoveResult, error) {
	if id == "" {
		return nil, ErrInvalidRequest
	}

	if recordID, err := strconv.ParseInt(id, 10, 64); err == nil {
		record, err := m.store.GetDownloadRecord(ctx, recordID, username)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, ErrNotFound
		}

		result := &RemoveResult{BookID: record.BookID}
		result.RemovedFromQueue = m.removeLiveEntryOf(record.BookID, recordID)
		cancelled, err := m.store.CancelRecordByOwner(ctx, recordID, username, database.RemoveTrackingCancelMessage)
		if err != nil {
			return nil, err
		}
		if cancelled {
			result.RecordsCancelled = 1
		}
		m.logger.Info("Removed download tracking by record",
			"download_id", recordID,
			"book_id", record.BookID,
			"cancelled", cancelled)
		return result, nil
	}

	result := &RemoveResult{BookID: id}
	result.RemovedFromQueue = m.queue.RemoveFromTracking(id)
	count, err := m.store.CancelPhantomDownloads(ctx, id)
	if err != nil {
		return nil, err
	}
	result.RecordsCancelled = count
	m.logger.Info("Removed download tracking by book", "book_id", id, "cancelled", count)
	return result, nil
}

// removeLiveEntryOf drops the live entry for bookID only while it still
// belongs to recordID. A newer download of the same book is left alone.
func (m *Manager) removeLiveEntryOf(bookID string, recordID int64) bool {
	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	item, ok := m.queue.Get(bookID)
	if !ok || item.RecordID != recordID {
		return false
	}
	return m.queue.RemoveFromTracking(bookID)
}

// CleanupPhantomDownloads cancels a user's active records that the live
// queue knows nothing about
func (m *Manager) CleanupPhantomDownloads(ctx context.Context, username string) (int64, error) {
	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	durable, err := m.store.GetUserDownloadsByStatus(ctx, username)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, bookID := range reconcile.FindPhantoms(m.queue.Status(), durable) {
		count, err := m.store.CancelPhantomDownloads(ctx, bookID)
		if err != nil {
			return total, err
		}
		total += count
	}

	if total > 0 {
		m.logger.Warn("Cancelled phantom downloads", "username", username, "count", total)
	}
	return total, nil
}

// RunMaintenance periodically purges phantom entries from the live queue
// until ctx is done
func (m *Manager) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.queue.CleanupPhantomEntries(); removed > 0 {
				m.logger.Info("Phantom sweep removed queue entries", "count", removed)
			}
		}
	}
}
