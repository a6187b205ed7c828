// Package reconcile merges live queue progress with durable download history
// into the view served to a user.
package reconcile

import (
	"sort"
	"time"

	"inkdrop/pkg/models"
)

// Entry is one download as presented to a user
type Entry struct {
	ID             string                `json:"id"`
	RecordID       int64                 `json:"record_id"`
	Title          string                `json:"title"`
	Author         string                `json:"author"`
	Format         string                `json:"format"`
	CoverURL       string                `json:"cover_url"`
	Preview        string                `json:"preview"`
	Status         models.DownloadStatus `json:"status"`
	Progress       float64               `json:"progress"`
	DownloadSpeed  string                `json:"download_speed,omitempty"`
	ETASeconds     *int                  `json:"eta_seconds,omitempty"`
	WaitTime       *int                  `json:"wait_time,omitempty"`
	WaitStart      *time.Time            `json:"wait_start,omitempty"`
	Error          string                `json:"error,omitempty"`
	FileSize       *int64                `json:"file_size,omitempty"`
	CanRetryDirect bool                  `json:"can_retry_direct"`
	QueuedAt       time.Time             `json:"queued_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// View groups entries by durable status. Every status key is present.
type View map[models.DownloadStatus][]Entry

// suppressing are the live buckets whose books hide finished durable records
var suppressing = []models.QueueState{
	models.QueueQueued,
	models.QueueProcessing,
	models.QueueDownloading,
	models.QueueWaiting,
	models.QueueAvailable,
}

// ActiveIDs returns the book ids the live queue is still handling, including
// books that just finished and have not been drained yet.
func ActiveIDs(live models.QueueStatus) map[string]bool {
	ids := make(map[string]bool)
	for _, state := range suppressing {
		for id := range live[state] {
			ids[id] = true
		}
	}
	return ids
}

// Reconcile overlays live progress on active durable records and hides
// finished records of books the live queue still tracks. It does not modify
// its inputs.
func Reconcile(live models.QueueStatus, durable map[models.DownloadStatus][]*models.DownloadRecord) View {
	view := make(View, len(models.AllStatuses))
	for _, status := range models.AllStatuses {
		view[status] = []Entry{}
	}

	active := ActiveIDs(live)

	for _, status := range models.AllStatuses {
		for _, record := range durable[status] {
			if record == nil {
				continue
			}
			if status.IsTerminal() {
				if active[record.BookID] {
					continue
				}
				view[status] = append(view[status], fromRecord(record))
				continue
			}

			entry := fromRecord(record)
			if info, ok := lookupLive(live, models.QueueState(status), record.BookID); ok {
				overlay(&entry, info)
			}
			view[status] = append(view[status], entry)
		}
	}

	for _, entries := range view {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].QueuedAt.After(entries[j].QueuedAt)
		})
	}
	return view
}

// lookupLive prefers the bucket matching the durable status and falls back to
// any in-flight bucket, since the durable status can trail the live one.
func lookupLive(live models.QueueStatus, bucket models.QueueState, bookID string) (models.BookInfo, bool) {
	if info, ok := live[bucket][bookID]; ok {
		return info, true
	}
	for _, state := range []models.QueueState{models.QueueQueued, models.QueueProcessing, models.QueueDownloading, models.QueueWaiting} {
		if info, ok := live[state][bookID]; ok {
			return info, true
		}
	}
	return models.BookInfo{}, false
}

func fromRecord(r *models.DownloadRecord) Entry {
	e := Entry{
		ID:             r.BookID,
		RecordID:       r.ID,
		Title:          r.BookTitle,
		Author:         r.BookAuthor,
		Format:         r.BookFormat,
		CoverURL:       r.CoverURL,
		Preview:        r.CoverURL,
		Status:         r.Status,
		Progress:       float64(r.ProgressPercent),
		FileSize:       r.FileSize,
		CanRetryDirect: r.CanRetryDirect,
		QueuedAt:       r.QueuedAt,
		CompletedAt:    r.CompletedAt,
	}
	if r.DownloadSpeed != nil {
		e.DownloadSpeed = *r.DownloadSpeed
	}
	if r.ETASeconds != nil {
		v := *r.ETASeconds
		e.ETASeconds = &v
	}
	if r.WaitTime != nil {
		v := *r.WaitTime
		e.WaitTime = &v
	}
	if r.WaitStart != nil {
		v := *r.WaitStart
		e.WaitStart = &v
	}
	if r.ErrorMessage != nil {
		e.Error = *r.ErrorMessage
	}
	return e
}

// overlay copies live progress onto e. Metadata is only taken from the live
// entry when it is a real value, durable metadata stays authoritative.
func overlay(e *Entry, info models.BookInfo) {
	info = info.Clone()
	e.Progress = info.Progress
	e.DownloadSpeed = info.DownloadSpeed
	e.ETASeconds = info.ETASeconds
	e.WaitTime = info.WaitTime
	e.WaitStart = info.WaitStart
	e.Error = info.Error

	if info.HasUsableTitle() {
		e.Title = info.Title
	}
	if info.HasUsableAuthor() {
		e.Author = info.Author
	}
	if e.Preview == "" && info.Preview != "" {
		e.Preview = info.Preview
	}
}

// FindPhantoms returns the book ids of active durable records that have no
// counterpart anywhere in the live queue.
func FindPhantoms(live models.QueueStatus, durable map[models.DownloadStatus][]*models.DownloadRecord) []string {
	seen := make(map[string]bool)
	var phantoms []string

	for _, status := range models.ActiveStatuses {
		for _, record := range durable[status] {
			if record == nil || seen[record.BookID] {
				continue
			}
			seen[record.BookID] = true
			if _, _, ok := live.Lookup(record.BookID); ok {
				continue
			}
			phantoms = append(phantoms, record.BookID)
		}
	}

	sort.Strings(phantoms)
	return phantoms
}

// Count returns the number of entries across all statuses
func (v View) Count() int {
	n := 0
	for _, entries := range v {
		n += len(entries)
	}
	return n
}
