package models

import (
	"strings"
	"time"
)

// Placeholder metadata values written by sources that could not resolve a book
const (
	UnknownTitle  = "Unknown"
	UnknownAuthor = "Unknown Author"
)

// BookInfo describes a book while it is tracked by the live queue
type BookInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Publisher string `json:"publisher,omitempty"`
	Year      string `json:"year,omitempty"`
	Language  string `json:"language,omitempty"`
	Format    string `json:"format,omitempty"`
	Size      string `json:"size,omitempty"`
	Preview   string `json:"preview,omitempty"`

	Progress      float64 `json:"progress"`
	DownloadSpeed string  `json:"download_speed,omitempty"`
	ETASeconds    *int    `json:"eta_seconds,omitempty"`
	// WaitTime is the length of the current wait in seconds, WaitStart when it began
	WaitTime  *int       `json:"wait_time,omitempty"`
	WaitStart *time.Time `json:"wait_start,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Clone returns a copy that shares no pointers with b
func (b BookInfo) Clone() BookInfo {
	c := b
	if b.ETASeconds != nil {
		v := *b.ETASeconds
		c.ETASeconds = &v
	}
	if b.WaitTime != nil {
		v := *b.WaitTime
		c.WaitTime = &v
	}
	if b.WaitStart != nil {
		v := *b.WaitStart
		c.WaitStart = &v
	}
	return c
}

// HasUsableTitle reports whether the title is non-blank and not a placeholder
func (b BookInfo) HasUsableTitle() bool {
	t := strings.TrimSpace(b.Title)
	return t != "" && t != UnknownTitle
}

// HasUsableAuthor reports whether the author is non-blank and not a placeholder
func (b BookInfo) HasUsableAuthor() bool {
	a := strings.TrimSpace(b.Author)
	return a != "" && a != UnknownAuthor
}

// IsPhantom reports whether the entry lacks the metadata a real queued book always has
func (b BookInfo) IsPhantom() bool {
	if strings.TrimSpace(b.Title) == "" && strings.TrimSpace(b.Author) == "" {
		return true
	}
	return b.Title == UnknownTitle
}

// QueueState is a live queue bucket
type QueueState string

const (
	QueueQueued      QueueState = "queued"
	QueueProcessing  QueueState = "processing"
	QueueDownloading QueueState = "downloading"
	QueueWaiting     QueueState = "waiting"
	QueueAvailable   QueueState = "available"
	QueueError       QueueState = "error"
	QueueCancelled   QueueState = "cancelled"
)

// QueueStates lists every bucket present in a snapshot
var QueueStates = []QueueState{
	QueueQueued,
	QueueProcessing,
	QueueDownloading,
	QueueWaiting,
	QueueAvailable,
	QueueError,
	QueueCancelled,
}

// IsInFlight reports whether a worker currently owns an entry in this state
func (s QueueState) IsInFlight() bool {
	return s == QueueProcessing || s == QueueDownloading || s == QueueWaiting
}

// IsActive reports whether the entry still blocks a new enqueue of the same book
func (s QueueState) IsActive() bool {
	return s == QueueQueued || s.IsInFlight()
}

// QueueStatus is a snapshot of the live queue grouped by state
type QueueStatus map[QueueState]map[string]BookInfo

// NewQueueStatus returns a snapshot with every bucket present and empty
func NewQueueStatus() QueueStatus {
	status := make(QueueStatus, len(QueueStates))
	for _, state := range QueueStates {
		status[state] = make(map[string]BookInfo)
	}
	return status
}

// Lookup finds a book in any bucket
func (q QueueStatus) Lookup(bookID string) (BookInfo, QueueState, bool) {
	for _, state := range QueueStates {
		if info, ok := q[state][bookID]; ok {
			return info, state, true
		}
	}
	return BookInfo{}, "", false
}
