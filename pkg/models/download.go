// Package models defines the data structures used throughout the application
package models

import (
	"time"
)

// DownloadStatus represents the durable status of a download record
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusProcessing  DownloadStatus = "processing"
	StatusDownloading DownloadStatus = "downloading"
	StatusWaiting     DownloadStatus = "waiting"
	StatusCompleted   DownloadStatus = "completed"
	StatusError       DownloadStatus = "error"
	StatusCancelled   DownloadStatus = "cancelled"
)

// AllStatuses lists every durable status in lifecycle order
var AllStatuses = []DownloadStatus{
	StatusQueued,
	StatusProcessing,
	StatusDownloading,
	StatusWaiting,
	StatusCompleted,
	StatusError,
	StatusCancelled,
}

// ActiveStatuses are the statuses a record holds while a worker may still act on it
var ActiveStatuses = []DownloadStatus{StatusQueued, StatusProcessing, StatusDownloading, StatusWaiting}

// TerminalStatuses are the statuses no record ever leaves
var TerminalStatuses = []DownloadStatus{StatusCompleted, StatusError, StatusCancelled}

// transitions is the directed status graph. Self-loops on active statuses are
// progress updates and are handled separately.
var transitions = map[DownloadStatus][]DownloadStatus{
	StatusQueued:      {StatusProcessing, StatusCancelled, StatusError},
	StatusProcessing:  {StatusDownloading, StatusWaiting, StatusCancelled, StatusError},
	StatusDownloading: {StatusWaiting, StatusCompleted, StatusError, StatusCancelled},
	StatusWaiting:     {StatusDownloading, StatusCancelled, StatusError},
}

// IsValid reports whether s is a known status
func (s DownloadStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is completed, error or cancelled
func (s DownloadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// IsActive reports whether s is a non-terminal status
func (s DownloadStatus) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// CanRedownload reports whether a record in status s may be fetched again
// from its stored final URL
func (s DownloadStatus) CanRedownload() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransitionTo reports whether a record in status s may move to next
func (s DownloadStatus) CanTransitionTo(next DownloadStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DownloadRecord is one row of download_history: a single queuing event for a book
type DownloadRecord struct {
	ID            int64          `json:"id"`
	Username      string         `json:"username"`
	BookID        string         `json:"book_id"`
	BookTitle     string         `json:"book_title"`
	BookAuthor    string         `json:"book_author"`
	BookPublisher string         `json:"book_publisher"`
	BookYear      string         `json:"book_year"`
	BookLanguage  string         `json:"book_language"`
	BookFormat    string         `json:"book_format"`
	CoverURL      string         `json:"cover_url"`
	Status        DownloadStatus `json:"status"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	// DownloadDuration is in seconds
	DownloadDuration *int64 `json:"download_duration"`

	FileSize     *int64  `json:"file_size"`
	FilePath     *string `json:"file_path"`
	ExpectedSize *int64  `json:"expected_size"`

	SearchURL       *string    `json:"anna_search_url"`
	FinalURL        *string    `json:"final_download_url"`
	URLDiscoveredAt *time.Time `json:"url_discovered_at"`
	URLExpiresAt    *time.Time `json:"url_expires_at"`

	ProgressPercent int        `json:"progress_percent"`
	DownloadSpeed   *string    `json:"download_speed"`
	ETASeconds      *int       `json:"eta_seconds"`
	WaitTime        *int       `json:"wait_time"`
	WaitStart       *time.Time `json:"wait_start"`

	ErrorMessage   *string `json:"error_message"`
	RetryCount     int     `json:"retry_count"`
	CanRetryDirect bool    `json:"can_retry_direct"`

	ContentHash  *string `json:"content_hash"`
	BookInfoJSON *string `json:"book_info_json"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedownloadableBook is the projection returned for direct re-download candidates
type RedownloadableBook struct {
	ID           int64     `json:"id"`
	BookID       string    `json:"book_id"`
	BookTitle    string    `json:"book_title"`
	BookAuthor   string    `json:"book_author"`
	FinalURL     string    `json:"final_download_url"`
	BookFormat   string    `json:"book_format"`
	ExpectedSize *int64    `json:"expected_size"`
	FileSize     *int64    `json:"file_size"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStats is the cached per-user aggregate of download_history
type UserStats struct {
	Username            string     `json:"username"`
	TotalDownloads      int64      `json:"total_downloads"`
	SuccessfulDownloads int64      `json:"successful_downloads"`
	FailedDownloads     int64      `json:"failed_downloads"`
	CancelledDownloads  int64      `json:"cancelled_downloads"`
	TotalSizeBytes      int64      `json:"total_size_bytes"`
	TotalDownloadTime   int64      `json:"total_download_time"` // seconds
	LastDownloadAt      *time.Time `json:"last_download_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// UserPreferences holds per-user download settings
type UserPreferences struct {
	Username         string    `json:"username"`
	PreferredFormat  string    `json:"preferred_format"`
	DownloadLocation string    `json:"download_location"`
	MaxConcurrent    int       `json:"max_concurrent"`
	AutoRetry        bool      `json:"auto_retry"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultPreferences returns the preferences a user has before saving any
func DefaultPreferences(username string) *UserPreferences {
	return &UserPreferences{
		Username:        username,
		PreferredFormat: "epub",
		MaxConcurrent:   3,
		AutoRetry:       true,
	}
}
