package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"inkdrop/internal/ingest"
	"inkdrop/internal/reconcile"
	"inkdrop/pkg/models"
)

var validFormats = map[string]bool{
	"epub": true, "pdf": true, "mobi": true, "azw3": true,
	"fb2": true, "djvu": true, "cbr": true, "cbz": true, "txt": true,
}

const maxConcurrentLimit = 10

// DownloadStatus returns the user's downloads merged from the live queue and history
func (h *Handlers) DownloadStatus(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	view, err := h.manager.UserDownloadStatus(r.Context(), username)
	if err != nil {
		h.logger.Error("Failed to build download status", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get download status")
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// DownloadHistory returns a page of the user's history
func (h *Handlers) DownloadHistory(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	status := models.DownloadStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		h.writeError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}
	limit, valid := queryInt(r, "limit", defaultHistoryLimit)
	if !valid || limit < 1 {
		h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset, valid := queryInt(r, "offset", 0)
	if !valid || offset < 0 {
		h.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	records, err := h.db.GetUserDownloads(r.Context(), username, status, limit, offset)
	if err != nil {
		h.logger.Error("Failed to get download history", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get download history")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"downloads": records,
		"limit":     limit,
		"offset":    offset,
	})
}

// ClearHistory deletes the user's whole download history
func (h *Handlers) ClearHistory(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	deleted, err := h.db.ClearUserDownloadHistory(r.Context(), username)
	if err != nil {
		h.logger.Error("Failed to clear download history", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to clear download history")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

// DownloadStats returns the user's aggregate counters
func (h *Handlers) DownloadStats(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	stats, err := h.db.GetUserStats(r.Context(), username)
	if err != nil {
		h.logger.Error("Failed to get download stats", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get download stats")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// Redownloadable lists records that can be fetched again from their stored URL
func (h *Handlers) Redownloadable(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	books, err := h.db.GetRedownloadableBooks(r.Context(), username, r.URL.Query().Get("book_id"))
	if err != nil {
		h.logger.Error("Failed to get redownloadable books", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get redownloadable books")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

// Redownload fetches a finished record again from its stored final URL
func (h *Handlers) Redownload(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	recordID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || recordID <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid download id")
		return
	}

	record, err := h.db.GetDownloadRecord(r.Context(), recordID, username)
	if err != nil {
		h.logger.Error("Failed to get download record", "download_id", recordID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get download record")
		return
	}
	if record == nil {
		h.writeError(w, http.StatusNotFound, "Download not found")
		return
	}
	if !record.Status.CanRedownload() {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:      "Only completed or failed downloads can be re-downloaded",
			Suggestion: "Wait for the download to finish, or queue the book again",
		})
		return
	}

	book := models.BookInfo{
		ID:     record.BookID,
		Title:  record.BookTitle,
		Author: record.BookAuthor,
		Format: record.BookFormat,
	}
	target := h.ingest.UniquePath(h.ingest.IngestDir(), ingest.FileName(book, record.BookFormat))

	if !h.retryEngine.DirectRedownload(r.Context(), recordID, target) {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:      "Re-download failed - URL may be expired",
			Suggestion: "Queue the book again to discover a fresh download URL",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"id":        recordID,
		"file_path": target,
	})
}

// CleanupPhantomDownloads cancels the user's active records that the live queue no longer tracks
func (h *Handlers) CleanupPhantomDownloads(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	cancelled, err := h.manager.CleanupPhantomDownloads(r.Context(), username)
	if err != nil {
		h.logger.Error("Failed to clean up phantom downloads", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to clean up phantom downloads")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "cancelled": cancelled})
}

// GetPreferences returns the user's download preferences
func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	prefs, err := h.db.GetUserPreferences(r.Context(), username)
	if err != nil {
		h.logger.Error("Failed to get preferences", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get preferences")
		return
	}

	h.writeJSON(w, http.StatusOK, prefs)
}

// SavePreferences replaces the user's download preferences
func (h *Handlers) SavePreferences(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var prefs models.UserPreferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	prefs.PreferredFormat = strings.ToLower(strings.TrimSpace(prefs.PreferredFormat))
	if !validFormats[prefs.PreferredFormat] {
		h.writeError(w, http.StatusBadRequest, "Unsupported preferred_format")
		return
	}
	if prefs.MaxConcurrent < 1 || prefs.MaxConcurrent > maxConcurrentLimit {
		h.writeError(w, http.StatusBadRequest, "max_concurrent must be between 1 and 10")
		return
	}
	prefs.Username = username

	if err := h.db.SaveUserPreferences(r.Context(), &prefs); err != nil {
		h.logger.Error("Failed to save preferences", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to save preferences")
		return
	}

	saved, err := h.db.GetUserPreferences(r.Context(), username)
	if err != nil {
		h.logger.Error("Failed to reload preferences", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, saved)
}

// DebugQueueStatus dumps the live queue next to the durable buckets
func (h *Handlers) DebugQueueStatus(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	durable, err := h.db.GetUserDownloadsByStatus(r.Context(), username)
	if err != nil {
		h.logger.Error("Failed to get durable downloads", "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get download records")
		return
	}
	live := h.manager.QueueStatus()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"queue":    live,
		"database": durable,
		"phantoms": reconcile.FindPhantoms(live, durable),
	})
}
