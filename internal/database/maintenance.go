package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"inkdrop/pkg/models"
)

// orphanStatuses are the statuses no record can legitimately hold right after
// the process starts, since the live queue is empty at that point.
var orphanStatuses = []models.DownloadStatus{
	models.StatusQueued,
	models.StatusProcessing,
	models.StatusDownloading,
	models.StatusWaiting,
}

// cancelWhere cancels every active record matching where and returns the
// number of rows changed plus the affected owners.
func (db *DB) cancelWhere(ctx context.Context, message, where string, whereArgs ...any) (int64, []string, error) {
	var (
		count  int64
		owners []string
	)

	marks, statusArgs := statusPlaceholders(models.ActiveStatuses)
	filter := fmt.Sprintf("%s AND status IN (%s)", where, marks)
	args := append(append([]any{}, whereArgs...), statusArgs...)

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		count = 0
		owners = owners[:0]

		rows, err := tx.QueryContext(ctx, "SELECT DISTINCT username FROM download_history WHERE "+filter, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var username string
			if err := rows.Scan(&username); err != nil {
				rows.Close()
				return err
			}
			owners = append(owners, username)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		ts := now()
		update := `UPDATE download_history SET status = ?, error_message = ?, eta_seconds = NULL,
			completed_at = COALESCE(completed_at, ?), updated_at = ? WHERE ` + filter
		updateArgs := append([]any{string(models.StatusCancelled), message, ts, ts}, args...)
		result, err := tx.ExecContext(ctx, update, updateArgs...)
		if err != nil {
			return err
		}
		count, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, nil, err
	}

	for _, username := range owners {
		if _, err := db.RefreshUserStats(ctx, username); err != nil {
			return count, owners, err
		}
	}
	return count, owners, nil
}

// CancelPhantomDownloads cancels every active record of bookID. It repairs a
// desync where the live queue no longer tracks a book the history still calls active.
func (db *DB) CancelPhantomDownloads(ctx context.Context, bookID string) (int64, error) {
	count, _, err := db.cancelWhere(ctx, PhantomCancelMessage, "book_id = ?", bookID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel phantom downloads: %w", err)
	}
	if count > 0 {
		db.logger.Info("Cancelled phantom downloads", "book_id", bookID, "count", count)
	}
	return count, nil
}

// CancelRecordByOwner cancels a single active record owned by username
func (db *DB) CancelRecordByOwner(ctx context.Context, id int64, username, message string) (bool, error) {
	count, _, err := db.cancelWhere(ctx, message, "id = ? AND username = ?", id, username)
	if err != nil {
		return false, fmt.Errorf("failed to cancel download record: %w", err)
	}
	return count > 0, nil
}

// CleanupPhantomDownloadsOnStartup cancels records left active by a previous
// process. It must run before the API serves requests. Running it again
// changes nothing.
func (db *DB) CleanupPhantomDownloadsOnStartup(ctx context.Context) (int64, error) {
	marks, statusArgs := statusPlaceholders(orphanStatuses)

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, book_id, book_title, status FROM download_history WHERE status IN (%s) ORDER BY queued_at DESC`, marks),
		statusArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to find orphaned downloads: %w", err)
	}
	for rows.Next() {
		var (
			id     int64
			bookID string
			title  string
			status string
		)
		if err := rows.Scan(&id, &bookID, &title, &status); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan orphaned download: %w", err)
		}
		db.logger.Info("Cancelling orphaned download",
			"download_id", id,
			"book_id", bookID,
			"title", title,
			"was", status)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	count, owners, err := db.cancelWhere(ctx, StartupCancelMessage, fmt.Sprintf("status IN (%s)", marks), statusArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel orphaned downloads: %w", err)
	}

	if count == 0 {
		db.logger.Info("No orphaned downloads found during startup cleanup")
	} else {
		db.logger.Info("Startup cleanup cancelled orphaned downloads", "count", count, "users", len(owners))
	}
	return count, nil
}

// ClearUserDownloadHistory deletes every record owned by username
func (db *DB) ClearUserDownloadHistory(ctx context.Context, username string) (int64, error) {
	var count int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM download_history WHERE username = ?`, username)
		if err != nil {
			return err
		}
		count, err = result.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM user_stats WHERE username = ?`, username)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear download history: %w", err)
	}

	db.logger.Info("Cleared download history", "username", username, "count", count)
	return count, nil
}

// CleanupOldRecords deletes finished records created more than daysOld days ago
func (db *DB) CleanupOldRecords(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		return 0, fmt.Errorf("failed to clean up old records: days must be positive, got %d", daysOld)
	}

	cutoff := now().Add(-time.Duration(daysOld) * 24 * time.Hour)
	marks, statusArgs := statusPlaceholders(models.TerminalStatuses)

	var (
		count  int64
		owners []string
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		owners = owners[:0]
		filter := fmt.Sprintf("created_at < ? AND status IN (%s)", marks)
		args := append([]any{cutoff}, statusArgs...)

		rows, err := tx.QueryContext(ctx, "SELECT DISTINCT username FROM download_history WHERE "+filter, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var username string
			if err := rows.Scan(&username); err != nil {
				rows.Close()
				return err
			}
			owners = append(owners, username)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, "DELETE FROM download_history WHERE "+filter, args...)
		if err != nil {
			return err
		}
		count, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old records: %w", err)
	}

	for _, username := range owners {
		if _, err := db.RefreshUserStats(ctx, username); err != nil {
			return count, err
		}
	}

	db.logger.Info("Cleaned up old download records", "days_old", daysOld, "count", count)
	return count, nil
}
