package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"inkdrop/pkg/models"
)

// RefreshUserStats recomputes the cached aggregate for username from download_history
func (db *DB) RefreshUserStats(ctx context.Context, username string) (*models.UserStats, error) {
	stats := &models.UserStats{Username: username}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN COALESCE(file_size, 0) ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN COALESCE(download_duration, 0) ELSE 0 END), 0)
		FROM download_history WHERE username = ?
		`, username).Scan(
			&stats.TotalDownloads,
			&stats.SuccessfulDownloads,
			&stats.FailedDownloads,
			&stats.CancelledDownloads,
			&stats.TotalSizeBytes,
			&stats.TotalDownloadTime,
		)
		if err != nil {
			return err
		}

		// Read through the declared column so the driver returns a time value
		var last sql.NullTime
		err = tx.QueryRowContext(ctx,
			`SELECT created_at FROM download_history WHERE username = ? ORDER BY created_at DESC LIMIT 1`,
			username).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		stats.LastDownloadAt = nil
		if last.Valid {
			t := last.Time
			stats.LastDownloadAt = &t
		}

		stats.UpdatedAt = now()
		_, err = tx.ExecContext(ctx, `
		INSERT INTO user_stats (
			username, total_downloads, successful_downloads, failed_downloads,
			cancelled_downloads, total_size_bytes, total_download_time,
			last_download_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			total_downloads = excluded.total_downloads,
			successful_downloads = excluded.successful_downloads,
			failed_downloads = excluded.failed_downloads,
			cancelled_downloads = excluded.cancelled_downloads,
			total_size_bytes = excluded.total_size_bytes,
			total_download_time = excluded.total_download_time,
			last_download_at = excluded.last_download_at,
			updated_at = excluded.updated_at
		`, username, stats.TotalDownloads, stats.SuccessfulDownloads, stats.FailedDownloads,
			stats.CancelledDownloads, stats.TotalSizeBytes, stats.TotalDownloadTime,
			stats.LastDownloadAt, stats.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh user stats: %w", err)
	}

	return stats, nil
}

// GetUserStats returns the cached aggregate, computing it on first access
func (db *DB) GetUserStats(ctx context.Context, username string) (*models.UserStats, error) {
	var stats models.UserStats
	err := db.conn.QueryRowContext(ctx, `
	SELECT username, total_downloads, successful_downloads, failed_downloads,
		   cancelled_downloads, total_size_bytes, total_download_time,
		   last_download_at, updated_at
	FROM user_stats WHERE username = ?
	`, username).Scan(
		&stats.Username, &stats.TotalDownloads, &stats.SuccessfulDownloads,
		&stats.FailedDownloads, &stats.CancelledDownloads, &stats.TotalSizeBytes,
		&stats.TotalDownloadTime, &stats.LastDownloadAt, &stats.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return db.RefreshUserStats(ctx, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	return &stats, nil
}

// GetUserPreferences returns the saved preferences or the defaults when none are stored
func (db *DB) GetUserPreferences(ctx context.Context, username string) (*models.UserPreferences, error) {
	var prefs models.UserPreferences
	err := db.conn.QueryRowContext(ctx, `
	SELECT username, preferred_format, download_location, max_concurrent, auto_retry, created_at, updated_at
	FROM user_preferences WHERE username = ?
	`, username).Scan(
		&prefs.Username, &prefs.PreferredFormat, &prefs.DownloadLocation,
		&prefs.MaxConcurrent, &prefs.AutoRetry, &prefs.CreatedAt, &prefs.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultPreferences(username), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user preferences: %w", err)
	}
	return &prefs, nil
}

// SaveUserPreferences upserts the preferences for prefs.Username
func (db *DB) SaveUserPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	if prefs == nil || prefs.Username == "" {
		return fmt.Errorf("failed to save user preferences: username is required")
	}

	ts := now()
	_, err := db.execWithRetry(ctx, `
	INSERT INTO user_preferences (
		username, preferred_format, download_location, max_concurrent, auto_retry, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(username) DO UPDATE SET
		preferred_format = excluded.preferred_format,
		download_location = excluded.download_location,
		max_concurrent = excluded.max_concurrent,
		auto_retry = excluded.auto_retry,
		updated_at = excluded.updated_at
	`, prefs.Username, prefs.PreferredFormat, prefs.DownloadLocation, prefs.MaxConcurrent, prefs.AutoRetry, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to save user preferences: %w", err)
	}

	prefs.UpdatedAt = ts
	if prefs.CreatedAt.IsZero() {
		prefs.CreatedAt = ts
	}
	return nil
}
