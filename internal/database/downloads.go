package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"inkdrop/pkg/models"
)

// Error messages written when records are cancelled outside the worker path
const (
	PhantomCancelMessage        = "Cancelled via phantom removal - queue desync detected"
	StartupCancelMessage        = "Auto-cancelled on server startup - downloads cannot persist across restarts"
	RemoveTrackingCancelMessage = "Manually cancelled via remove tracking"
)

// maxStatusBucket caps each bucket returned by GetUserDownloadsByStatus
const maxStatusBucket = 1000

const recordColumns = `
	id, username, book_id, book_title, book_author, book_publisher, book_year,
	book_language, book_format, cover_url, status, queued_at, started_at,
	completed_at, download_duration, file_size, file_path, expected_size,
	anna_search_url, final_download_url, url_discovered_at, url_expires_at,
	progress_percent, download_speed, eta_seconds, wait_time, wait_start,
	error_message, retry_count, can_retry_direct, content_hash, book_info_json,
	created_at, updated_at`

// StatusFields is the set of columns a status update may touch alongside the
// status itself. Nil fields are left unchanged.
type StatusFields struct {
	ProgressPercent *int
	DownloadSpeed   *string
	ETASeconds      *int
	WaitTime        *int
	WaitStart       *time.Time
	ErrorMessage    *string
	FileSize        *int64
	FilePath        *string
	ExpectedSize    *int64
	ContentHash     *string
	BookTitle       *string
	BookAuthor      *string
	// ClearWait resets wait_time and wait_start, used when a wait ends
	ClearWait bool
}

// URLUpdate carries newly discovered URLs for a record
type URLUpdate struct {
	SearchURL    *string
	FinalURL     *string
	DiscoveredAt *time.Time
	ExpiresAt    *time.Time
	ExpectedSize *int64
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.DownloadRecord, error) {
	var r models.DownloadRecord
	err := row.Scan(
		&r.ID, &r.Username, &r.BookID, &r.BookTitle, &r.BookAuthor, &r.BookPublisher, &r.BookYear,
		&r.BookLanguage, &r.BookFormat, &r.CoverURL, &r.Status, &r.QueuedAt, &r.StartedAt,
		&r.CompletedAt, &r.DownloadDuration, &r.FileSize, &r.FilePath, &r.ExpectedSize,
		&r.SearchURL, &r.FinalURL, &r.URLDiscoveredAt, &r.URLExpiresAt,
		&r.ProgressPercent, &r.DownloadSpeed, &r.ETASeconds, &r.WaitTime, &r.WaitStart,
		&r.ErrorMessage, &r.RetryCount, &r.CanRetryDirect, &r.ContentHash, &r.BookInfoJSON,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*models.DownloadRecord, error) {
	defer rows.Close()

	var records []*models.DownloadRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate download records: %w", err)
	}
	return records, nil
}

// statusPlaceholders renders "?, ?, ?" and the matching args for an IN clause
func statusPlaceholders(statuses []models.DownloadStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(marks, ", "), args
}

// RecordDownloadQueued inserts a new queued record and returns its id
func (db *DB) RecordDownloadQueued(ctx context.Context, username string, book models.BookInfo, searchURL string) (int64, error) {
	if username == "" {
		return 0, fmt.Errorf("failed to record download: username is required")
	}
	if book.ID == "" {
		return 0, fmt.Errorf("failed to record download: book id is required")
	}

	snapshot, err := json.Marshal(book)
	if err != nil {
		return 0, fmt.Errorf("failed to encode book info: %w", err)
	}
	snapshotText := string(snapshot)

	var search *string
	if searchURL != "" {
		search = &searchURL
	}

	ts := now()
	query := `
	INSERT INTO download_history (
		username, book_id, book_title, book_author, book_publisher, book_year,
		book_language, book_format, cover_url, status, queued_at, anna_search_url,
		progress_percent, retry_count, can_retry_direct, book_info_json,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
	`

	result, err := db.execWithRetry(ctx, query,
		username, book.ID, book.Title, book.Author, book.Publisher, book.Year,
		book.Language, book.Format, book.Preview, string(models.StatusQueued), ts, search,
		snapshotText, ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record download: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}

	db.logger.Info("Recorded queued download", "download_id", id, "username", username, "book_id", book.ID)
	return id, nil
}

// UpdateDownloadStatus moves a record to status and applies fields in one
// transaction. It returns false without error when the record does not exist
// or the transition is not allowed from the record's current status.
func (db *DB) UpdateDownloadStatus(ctx context.Context, id int64, status models.DownloadStatus, fields StatusFields) (bool, error) {
	var (
		applied  bool
		username string
	)

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		applied = false

		var (
			current   models.DownloadStatus
			queuedAt  time.Time
			startedAt sql.NullTime
		)
		err := tx.QueryRowContext(ctx,
			`SELECT username, status, queued_at, started_at FROM download_history WHERE id = ?`, id,
		).Scan(&username, &current, &queuedAt, &startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if !current.CanTransitionTo(status) {
			db.logger.Warn("Rejected download status transition",
				"download_id", id,
				"from", current,
				"to", status)
			return nil
		}

		ts := now()
		sets := []string{"status = ?", "updated_at = ?"}
		args := []any{string(status), ts}

		if status == models.StatusDownloading && !startedAt.Valid {
			sets = append(sets, "started_at = ?")
			args = append(args, ts)
			startedAt = sql.NullTime{Time: ts, Valid: true}
		}

		if status.IsTerminal() {
			sets = append(sets, "completed_at = COALESCE(completed_at, ?)", "eta_seconds = NULL")
			args = append(args, ts)
		}

		if status == models.StatusCompleted {
			from := queuedAt
			if startedAt.Valid {
				from = startedAt.Time
			}
			duration := int64(ts.Sub(from).Seconds())
			if duration < 0 {
				duration = 0
			}
			sets = append(sets, "download_duration = ?")
			args = append(args, duration)
			if fields.ProgressPercent == nil {
				sets = append(sets, "progress_percent = 100")
			}
		}

		fieldSets, fieldArgs := fields.assignments()
		sets = append(sets, fieldSets...)
		args = append(args, fieldArgs...)
		args = append(args, id)

		query := fmt.Sprintf("UPDATE download_history SET %s WHERE id = ?", strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update download status: %w", err)
	}

	if applied && status.IsTerminal() {
		if _, err := db.RefreshUserStats(ctx, username); err != nil {
			return true, err
		}
	}

	return applied, nil
}

func (f StatusFields) assignments() ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if f.ProgressPercent != nil {
		p := *f.ProgressPercent
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		add("progress_percent", p)
	}
	if f.DownloadSpeed != nil {
		add("download_speed", *f.DownloadSpeed)
	}
	if f.ETASeconds != nil {
		add("eta_seconds", *f.ETASeconds)
	}
	if f.ClearWait {
		sets = append(sets, "wait_time = NULL", "wait_start = NULL")
	} else {
		if f.WaitTime != nil {
			add("wait_time", *f.WaitTime)
		}
		if f.WaitStart != nil {
			add("wait_start", f.WaitStart.UTC())
		}
	}
	if f.ErrorMessage != nil {
		add("error_message", *f.ErrorMessage)
	}
	if f.FileSize != nil {
		add("file_size", *f.FileSize)
	}
	if f.FilePath != nil {
		add("file_path", *f.FilePath)
	}
	if f.ExpectedSize != nil {
		add("expected_size", *f.ExpectedSize)
	}
	if f.ContentHash != nil {
		add("content_hash", *f.ContentHash)
	}
	if f.BookTitle != nil {
		add("book_title", *f.BookTitle)
	}
	if f.BookAuthor != nil {
		add("book_author", *f.BookAuthor)
	}
	return sets, args
}

// UpdateDownloadURLs stores discovered URLs on a non-terminal record. Setting a
// final URL enables direct re-download. Returns false when the record is
// missing or already terminal.
func (db *DB) UpdateDownloadURLs(ctx context.Context, id int64, update URLUpdate) (bool, error) {
	ts := now()
	sets := []string{"updated_at = ?"}
	args := []any{ts}

	if update.SearchURL != nil {
		sets = append(sets, "anna_search_url = ?")
		args = append(args, *update.SearchURL)
	}
	if update.FinalURL != nil && *update.FinalURL != "" {
		discovered := ts
		if update.DiscoveredAt != nil {
			discovered = update.DiscoveredAt.UTC()
		}
		sets = append(sets, "final_download_url = ?", "can_retry_direct = 1", "url_discovered_at = ?")
		args = append(args, *update.FinalURL, discovered)
	}
	if update.ExpiresAt != nil {
		sets = append(sets, "url_expires_at = ?")
		args = append(args, update.ExpiresAt.UTC())
	}
	if update.ExpectedSize != nil {
		sets = append(sets, "expected_size = ?")
		args = append(args, *update.ExpectedSize)
	}

	marks, statusArgs := statusPlaceholders(models.ActiveStatuses)
	args = append(args, id)
	args = append(args, statusArgs...)

	query := fmt.Sprintf("UPDATE download_history SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), marks)
	result, err := db.execWithRetry(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update download urls: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkURLFailed permanently disables direct re-download for a record
func (db *DB) MarkURLFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := db.execWithRetry(ctx,
		`UPDATE download_history SET can_retry_direct = 0, error_message = ?, updated_at = ? WHERE id = ?`,
		errorMsg, now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark url failed: %w", err)
	}

	db.logger.Warn("Direct download URL marked failed", "download_id", id, "error", errorMsg)
	return nil
}

// CompleteRedownload records a successful direct re-download. Only records
// that already finished as completed or error are eligible.
func (db *DB) CompleteRedownload(ctx context.Context, id int64, filePath string, fileSize int64) (bool, error) {
	ts := now()
	result, err := db.execWithRetry(ctx, `
	UPDATE download_history SET
		status = ?, file_path = ?, file_size = ?, error_message = NULL,
		retry_count = retry_count + 1, progress_percent = 100,
		completed_at = ?, updated_at = ?
	WHERE id = ? AND status IN (?, ?)
	`, string(models.StatusCompleted), filePath, fileSize, ts, ts, id,
		string(models.StatusCompleted), string(models.StatusError))
	if err != nil {
		return false, fmt.Errorf("failed to complete redownload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	var username string
	if err := db.conn.QueryRowContext(ctx, `SELECT username FROM download_history WHERE id = ?`, id).Scan(&username); err != nil {
		return true, fmt.Errorf("failed to load record owner: %w", err)
	}
	if _, err := db.RefreshUserStats(ctx, username); err != nil {
		return true, err
	}
	return true, nil
}

// GetDownloadRecord returns the record only if username owns it. A missing or
// foreign record yields nil without error.
func (db *DB) GetDownloadRecord(ctx context.Context, id int64, username string) (*models.DownloadRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM download_history WHERE id = ? AND username = ?`
	record, err := scanRecord(db.conn.QueryRowContext(ctx, query, id, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download record: %w", err)
	}
	return record, nil
}

// GetDownloadRecordInternal loads a record without an ownership filter. It
// serves background components only and must not be reachable from a request
// that has not already passed GetDownloadRecord.
func (db *DB) GetDownloadRecordInternal(ctx context.Context, id int64) (*models.DownloadRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM download_history WHERE id = ?`
	record, err := scanRecord(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download record: %w", err)
	}
	return record, nil
}

// GetUserDownloads returns a user's records newest first, optionally filtered by status
func (db *DB) GetUserDownloads(ctx context.Context, username string, status models.DownloadStatus, limit, offset int) ([]*models.DownloadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + recordColumns + ` FROM download_history WHERE username = ?`
	args := []any{username}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user downloads: %w", err)
	}
	return scanRecords(rows)
}

// GetUserDownloadsByStatus groups a user's records by status. Every status is
// present in the result, empty when the user has no such records.
func (db *DB) GetUserDownloadsByStatus(ctx context.Context, username string) (map[models.DownloadStatus][]*models.DownloadRecord, error) {
	grouped := make(map[models.DownloadStatus][]*models.DownloadRecord, len(models.AllStatuses))
	for _, status := range models.AllStatuses {
		grouped[status] = []*models.DownloadRecord{}
	}

	query := `SELECT ` + recordColumns + ` FROM download_history
	WHERE username = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := db.conn.QueryContext(ctx, query, username, maxStatusBucket*len(models.AllStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to get user downloads by status: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		bucket, ok := grouped[record.Status]
		if !ok || len(bucket) >= maxStatusBucket {
			continue
		}
		grouped[record.Status] = append(bucket, record)
	}
	return grouped, nil
}

// GetRedownloadableBooks lists finished records that still hold a usable final URL
func (db *DB) GetRedownloadableBooks(ctx context.Context, username, bookID string) ([]*models.RedownloadableBook, error) {
	query := `
	SELECT id, book_id, book_title, book_author, final_download_url, book_format,
		   expected_size, file_size, created_at
	FROM download_history
	WHERE username = ? AND can_retry_direct = 1 AND final_download_url IS NOT NULL
	  AND status IN (?, ?)`
	args := []any{username, string(models.StatusCompleted), string(models.StatusError)}
	if bookID != "" {
		query += ` AND book_id = ?`
		args = append(args, bookID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get redownloadable books: %w", err)
	}
	defer rows.Close()

	books := []*models.RedownloadableBook{}
	for rows.Next() {
		var b models.RedownloadableBook
		if err := rows.Scan(&b.ID, &b.BookID, &b.BookTitle, &b.BookAuthor, &b.FinalURL,
			&b.BookFormat, &b.ExpectedSize, &b.FileSize, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan redownloadable book: %w", err)
		}
		books = append(books, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate redownloadable books: %w", err)
	}
	return books, nil
}

// ActiveBookIDs returns the book ids of a user's non-terminal records
func (db *DB) ActiveBookIDs(ctx context.Context, username string) ([]string, error) {
	marks, args := statusPlaceholders(models.ActiveStatuses)
	query := fmt.Sprintf(`SELECT DISTINCT book_id FROM download_history WHERE username = ? AND status IN (%s)`, marks)

	rows, err := db.conn.QueryContext(ctx, query, append([]any{username}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get active book ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan book id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
