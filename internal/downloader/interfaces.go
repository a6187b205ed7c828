package downloader

import (
	"context"

	"inkdrop/internal/database"
	"inkdrop/pkg/models"
)

// Store defines the download history operations used by the manager and workers
//
//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks
type Store interface {
	// Record lifecycle
	RecordDownloadQueued(ctx context.Context, username string, book models.BookInfo, searchURL string) (int64, error)
	UpdateDownloadStatus(ctx context.Context, id int64, status models.DownloadStatus, fields database.StatusFields) (bool, error)
	UpdateDownloadURLs(ctx context.Context, id int64, update database.URLUpdate) (bool, error)

	// Reads
	GetDownloadRecord(ctx context.Context, id int64, username string) (*models.DownloadRecord, error)
	GetUserDownloadsByStatus(ctx context.Context, username string) (map[models.DownloadStatus][]*models.DownloadRecord, error)

	// Phantom repair
	CancelPhantomDownloads(ctx context.Context, bookID string) (int64, error)
	CancelRecordByOwner(ctx context.Context, id int64, username, message string) (bool, error)
}
