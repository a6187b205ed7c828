// Package handlers provides the JSON HTTP handlers of the download API
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"inkdrop/internal/database"
	"inkdrop/internal/downloader"
	"inkdrop/internal/ingest"
	"inkdrop/internal/notify"
	"inkdrop/internal/retry"
)

// Version is reported by the health endpoint
var Version = "dev"

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

type contextKey struct{}

// ContextWithUser returns a context carrying the authenticated username
func ContextWithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, contextKey{}, username)
}

// UserFromContext returns the username set by ContextWithUser
func UserFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(contextKey{}).(string)
	return username, ok && username != ""
}

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	db            *database.DB
	manager       *downloader.Manager
	retryEngine   *retry.Engine
	ingest        *ingest.Service
	notifications *notify.Feed
	logger        *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(db *database.DB, manager *downloader.Manager, retryEngine *retry.Engine, ingestService *ingest.Service, notifications *notify.Feed) *Handlers {
	return &Handlers{
		db:            db,
		manager:       manager,
		retryEngine:   retryEngine,
		ingest:        ingestService,
		notifications: notifications,
		logger:        slog.Default(),
	}
}

// errorResponse is the body of every non-2xx response
type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// requireUser returns the request's username or writes a 401
func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	username, ok := UserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return "", false
	}
	return username, true
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Health reports whether the service and its database are reachable
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("Health check database ping failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, map[string]string{
		"status":  status,
		"version": Version,
	})
}

// RecentNotifications returns the newest notifications for the user
func (h *Handlers) RecentNotifications(w http.ResponseWriter, r *http.Request) {
	username, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	limit, valid := queryInt(r, "limit", notify.MaxNotifications)
	if !valid || limit < 1 {
		h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": h.notifications.Recent(username, limit),
	})
}
