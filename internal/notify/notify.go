// Package notify keeps a short in-memory feed of download notifications
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a notification is about
type Kind string

const (
	KindDownloadCompleted Kind = "download_completed"
	KindDownloadFailed    Kind = "download_failed"
)

const (
	// MaxNotifications is how many notifications the feed retains
	MaxNotifications = 20

	successDuration = 5000
	failureDuration = 7000
)

// Toast describes how the frontend should present a notification
type Toast struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Duration int    `json:"duration"`
}

// Notification is a single entry in the feed
type Notification struct {
	ID        string    `json:"id"`
	Type      Kind      `json:"type"`
	Username  string    `json:"username,omitempty"`
	BookID    string    `json:"book_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Toast     Toast     `json:"toast"`
	Timestamp time.Time `json:"timestamp"`
}

// Feed is a bounded, concurrency-safe notification list, newest last
type Feed struct {
	mu     sync.Mutex
	items  []Notification
	logger *slog.Logger
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{logger: slog.Default()}
}

// DownloadCompleted records a finished download
func (f *Feed) DownloadCompleted(username, bookID, title string) Notification {
	return f.add(Notification{
		Type:     KindDownloadCompleted,
		Username: username,
		BookID:   bookID,
		Title:    title,
		Message:  fmt.Sprintf("%s has been added to your library", title),
		Toast: Toast{
			Type:     "success",
			Title:    "Download complete",
			Message:  title,
			Duration: successDuration,
		},
	})
}

// DownloadFailed records a failed download
func (f *Feed) DownloadFailed(username, bookID, title, reason string) Notification {
	return f.add(Notification{
		Type:     KindDownloadFailed,
		Username: username,
		BookID:   bookID,
		Title:    title,
		Message:  fmt.Sprintf("Download of %s failed: %s", title, reason),
		Toast: Toast{
			Type:     "error",
			Title:    "Download failed",
			Message:  reason,
			Duration: failureDuration,
		},
	})
}

func (f *Feed) add(n Notification) Notification {
	n.ID = uuid.NewString()
	n.Timestamp = time.Now().UTC()

	f.mu.Lock()
	f.items = append(f.items, n)
	if len(f.items) > MaxNotifications {
		f.items = append([]Notification(nil), f.items[len(f.items)-MaxNotifications:]...)
	}
	f.mu.Unlock()

	f.logger.Debug("Notification added", "type", n.Type, "book_id", n.BookID)
	return n
}

// Recent returns up to limit notifications, newest first. Notifications
// addressed to another user are skipped; an empty username sees everything.
func (f *Feed) Recent(username string, limit int) []Notification {
	if limit <= 0 || limit > MaxNotifications {
		limit = MaxNotifications
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]Notification, 0, limit)
	for i := len(f.items) - 1; i >= 0 && len(result) < limit; i-- {
		n := f.items[i]
		if username != "" && n.Username != "" && n.Username != username {
			continue
		}
		result = append(result, n)
	}
	return result
}
