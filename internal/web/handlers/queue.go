package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"inkdrop/internal/downloader"
	"inkdrop/internal/mirror"
)

// QueueDownload queues a book for the current user
func (h *Handlers) QueueDownload(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	bookID := strings.TrimSpace(query.Get("id"))
	if bookID == "" {
		h.writeError(w, http.StatusBadRequest, "Book id is required")
		return
	}
	priority, valid := queryInt(r, "priority", 0)
	if !valid {
		h.writeError(w, http.StatusBadRequest, "priority must be an integer")
		return
	}

	queued, err := h.manager.QueueBook(r.Context(), downloader.QueueRequest{
		BookID:    bookID,
		Username:  username,
		Priority:  priority,
		SearchURL: query.Get("search_url"),
		CoverURL:  query.Get("cover_url"),
	})
	switch {
	case errors.Is(err, mirror.ErrBookNotFound):
		h.writeError(w, http.StatusNotFound, "Book not found")
		return
	case errors.Is(err, downloader.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "Invalid download request")
		return
	case err != nil:
		h.logger.Error("Failed to queue book", "book_id", bookID, "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to queue book")
		return
	}

	if !queued {
		h.writeError(w, http.StatusConflict, "Book is already in the queue")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "queued",
		"book_id":  bookID,
		"priority": priority,
	})
}

// QueueStatus returns the raw live queue snapshot
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.manager.QueueStatus())
}

// CancelDownload cancels one of the user's active books
func (h *Handlers) CancelDownload(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	bookID := r.PathValue("id")
	cancelled, err := h.manager.CancelDownload(r.Context(), username, bookID)
	if err != nil {
		h.logger.Error("Failed to cancel download", "book_id", bookID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to cancel download")
		return
	}
	if !cancelled {
		h.writeError(w, http.StatusNotFound, "Download not found or not active")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "book_id": bookID})
}

// ForceCancelDownload removes one of the user's books from the queue whatever its state
func (h *Handlers) ForceCancelDownload(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	bookID := r.PathValue("id")
	cancelled, err := h.manager.ForceCancelDownload(r.Context(), username, bookID)
	if err != nil {
		h.logger.Error("Failed to force cancel download", "book_id", bookID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to force cancel download")
		return
	}
	if !cancelled {
		h.writeError(w, http.StatusNotFound, "Download not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "book_id": bookID})
}

// RemoveTracking repairs a download stuck in one store but not the other.
// The id may be a record id or a book id.
func (h *Handlers) RemoveTracking(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	result, err := h.manager.RemoveTracking(r.Context(), username, id)
	switch {
	case errors.Is(err, downloader.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "Download not found")
		return
	case errors.Is(err, downloader.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "Download id is required")
		return
	case err != nil:
		h.logger.Error("Failed to remove download tracking", "id", id, "username", username, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to remove download tracking")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

// SetPriority changes the priority of a queued book
func (h *Handlers) SetPriority(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}

	var req struct {
		Priority *int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Priority == nil {
		h.writeError(w, http.StatusBadRequest, "priority is required")
		return
	}

	bookID := r.PathValue("id")
	if !h.manager.SetBookPriority(bookID, *req.Priority) {
		h.writeError(w, http.StatusNotFound, "Book is not queued")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "book_id": bookID, "priority": *req.Priority})
}

// ReorderQueue applies several priorities at once
func (h *Handlers) ReorderQueue(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}

	var req struct {
		BookPriorities map[string]int `json:"book_priorities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.BookPriorities) == 0 {
		h.writeError(w, http.StatusBadRequest, "book_priorities is required")
		return
	}

	if !h.manager.ReorderQueue(req.BookPriorities) {
		h.writeError(w, http.StatusNotFound, "None of the books are queued")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// QueueOrder returns queued books in the order they will start
func (h *Handlers) QueueOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"queue": h.manager.GetQueueOrder()})
}

// ActiveDownloads returns books currently held by a worker
func (h *Handlers) ActiveDownloads(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"downloads": h.manager.GetActiveDownloads()})
}

// ClearQueue drops finished entries from the live queue
func (h *Handlers) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"removed": h.manager.ClearCompleted()})
}

// CleanupQueuePhantoms purges live entries without usable metadata
func (h *Handlers) CleanupQueuePhantoms(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"removed": h.manager.CleanupPhantomEntries()})
}
