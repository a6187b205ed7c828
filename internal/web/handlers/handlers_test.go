package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"inkdrop/internal/database"
	"inkdrop/internal/downloader"
	"inkdrop/internal/fetch"
	"inkdrop/internal/ingest"
	"inkdrop/internal/mirror"
	mirrormocks "inkdrop/internal/mirror/mocks"
	"inkdrop/internal/notify"
	"inkdrop/internal/queue"
	"inkdrop/internal/retry"
	"inkdrop/internal/verify"
	"inkdrop/pkg/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type testEnv struct {
	handlers *Handlers
	db       *database.DB
	source   *mirrormocks.MockSource
	manager  *downloader.Manager
	ingest   *ingest.Service
	feed     *notify.Feed
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	source := mirrormocks.NewMockSource(ctrl)

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	ingestService := ingest.NewService(filepath.Join(root, "library"), filepath.Join(root, "tmp"))
	require.NoError(t, ingestService.EnsureDirectories())

	manager := downloader.NewManager(queue.New(), db, source)
	engine := retry.New(db, fetch.NewClient(10*time.Second), verify.New(true))
	feed := notify.NewFeed()

	return &testEnv{
		handlers: NewHandlers(db, manager, engine, ingestService, feed),
		db:       db,
		source:   source,
		manager:  manager,
		ingest:   ingestService,
		feed:     feed,
	}
}

func request(method, target, user string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if user != "" {
		req = req.WithContext(ContextWithUser(req.Context(), user))
	}
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func (e *testEnv) queueBook(t *testing.T, id string) {
	t.Helper()
	e.source.EXPECT().GetBookInfo(gomock.Any(), id).Return(&models.BookInfo{
		ID:     id,
		Title:  "Title " + id,
		Author: "Author " + id,
		Format: "epub",
	}, nil)

	w := httptest.NewRecorder()
	e.handlers.QueueDownload(w, request(http.MethodGet, "/api/download?id="+id, "alice", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.handlers.Health(w, request(http.MethodGet, "/api/health", "", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decode(t, w, &body)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, Version, body["version"])
}

func TestHandlers_RequireUser(t *testing.T) {
	env := newTestEnv(t)

	handlers := map[string]http.HandlerFunc{
		"download":       env.handlers.QueueDownload,
		"status":         env.handlers.DownloadStatus,
		"history":        env.handlers.DownloadHistory,
		"cancel":         env.handlers.CancelDownload,
		"reorder":        env.handlers.ReorderQueue,
		"notifications":  env.handlers.RecentNotifications,
		"debug":          env.handlers.DebugQueueStatus,
		"remove-tracker": env.handlers.RemoveTracking,
	}
	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler(w, request(http.MethodGet, "/", "", nil))
			require.Equal(t, http.StatusUnauthorized, w.Code)

			var body errorResponse
			decode(t, w, &body)
			require.Equal(t, "Authentication required", body.Error)
		})
	}
}

func TestQueueDownload(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		setup    func(source *mirrormocks.MockSource)
		wantCode int
	}{
		{
			name:   "queued",
			target: "/api/download?id=abc123&priority=2",
			setup: func(source *mirrormocks.MockSource) {
				source.EXPECT().GetBookInfo(gomock.Any(), "abc123").Return(&models.BookInfo{ID: "abc123", Title: "Dune"}, nil)
			},
			wantCode: http.StatusOK,
		},
		{
			name:     "missing id",
			target:   "/api/download",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "bad priority",
			target:   "/api/download?id=abc123&priority=high",
			wantCode: http.StatusBadRequest,
		},
		{
			name:   "unknown book",
			target: "/api/download?id=missing",
			setup: func(source *mirrormocks.MockSource) {
				source.EXPECT().GetBookInfo(gomock.Any(), "missing").Return(nil, mirror.ErrBookNotFound)
			},
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env.source)
			}

			w := httptest.NewRecorder()
			env.handlers.QueueDownload(w, request(http.MethodGet, tt.target, "alice", nil))
			require.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestQueueDownload_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.queueBook(t, "abc123")

	w := httptest.NewRecorder()
	env.handlers.QueueDownload(w, request(http.MethodGet, "/api/download?id=abc123", "alice", nil))
	require.Equal(t, http.StatusConflict, w.Code)

	records, err := env.db.GetUserDownloads(context.Background(), "alice", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestCancelDownload(t *testing.T) {
	env := newTestEnv(t)
	env.queueBook(t, "abc123")

	req := request(http.MethodDelete, "/api/download/abc123/cancel", "alice", nil)
	req.SetPathValue("id", "abc123")
	w := httptest.NewRecorder()
	env.handlers.CancelDownload(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	records, err := env.db.GetUserDownloads(context.Background(), "alice", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, records[0].Status)

	// A second cancel finds nothing active
	req = request(http.MethodDelete, "/api/download/abc123/cancel", "alice", nil)
	req.SetPathValue("id", "abc123")
	w = httptest.NewRecorder()
	env.handlers.CancelDownload(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelDownload_OtherUser(t *testing.T) {
	env := newTestEnv(t)
	env.queueBook(t, "abc123")

	handlers := map[string]http.HandlerFunc{
		"cancel":       env.handlers.CancelDownload,
		"force-cancel": env.handlers.ForceCancelDownload,
	}
	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			req := request(http.MethodDelete, "/", "bob", nil)
			req.SetPathValue("id", "abc123")
			w := httptest.NewRecorder()
			handler(w, req)
			require.Equal(t, http.StatusNotFound, w.Code)
		})
	}

	require.True(t, env.manager.Queue().Has("abc123"))
	records, err := env.db.GetUserDownloads(context.Background(), "alice", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, records[0].Status)
}

func TestForceCancelDownload_NotFound(t *testing.T) {
	env := newTestEnv(t)

	req := request(http.MethodDelete, "/api/download/nope/force-cancel", "alice", nil)
	req.SetPathValue("id", "nope")
	w := httptest.NewRecorder()
	env.handlers.ForceCancelDownload(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemoveTracking(t *testing.T) {
	env := newTestEnv(t)
	env.queueBook(t, "abc123")

	records, err := env.db.GetUserDownloads(context.Background(), "alice", "", 0, 0)
	require.NoError(t, err)
	recordID := strconv.FormatInt(records[0].ID, 10)

	// Another user's record is invisible
	req := request(http.MethodDelete, "/", "bob", nil)
	req.SetPathValue("id", recordID)
	w := httptest.NewRecorder()
	env.handlers.RemoveTracking(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)

	req = request(http.MethodDelete, "/", "alice", nil)
	req.SetPathValue("id", recordID)
	w = httptest.NewRecorder()
	env.handlers.RemoveTracking(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool                    `json:"success"`
		Result  downloader.RemoveResult `json:"result"`
	}
	decode(t, w, &body)
	require.True(t, body.Success)
	require.Equal(t, "abc123", body.Result.BookID)
	require.Equal(t, int64(1), body.Result.RecordsCancelled)
	require.True(t, body.Result.RemovedFromQueue)
	require.False(t, env.manager.Queue().Has("abc123"))
}

func TestSetPriority(t *testing.T) {
	env := newTestEnv(t)
	env.queueBook(t, "abc123")

	tests := []struct {
		name     string
		id       string
		body     any
		wantCode int
	}{
		{name: "updated", id: "abc123", body: map[string]int{"priority": 5}, wantCode: http.StatusOK},
		{name: "missing priority", id: "abc123", body: map[string]string{}, wantCode: http.StatusBadRequest},
		{name: "not queued", id: "other", body: map[string]int{"priority": 1}, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(http.MethodPut, "/", "alice", tt.body)
			req.SetPathValue("id", tt.id)
			w := httptest.NewRecorder()
			env.handlers.SetPriority(w, req)
			require.Equal(t, tt.wantCode, w.Code)
		})
	}

	item, ok := env.manager.Queue().Get("abc123")
	require.True(t, ok)
	require.Equal(t, 5, item.Priority)
}

func TestReorderQueue(t *testing.T) {
	env := newTestEnv(t)
	env.queueBook(t, "a")
	env.queueBook(t, "b")

	w := httptest.NewRecorder()
	env.handlers.ReorderQueue(w, request(http.MethodPost, "/", "alice", map[string]any{"book_priorities": map[string]int{}}))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	env.handlers.ReorderQueue(w, request(http.MethodPost, "/", "alice", map[string]any{"book_priorities": map[string]int{"zzz": 1}}))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	env.handlers.ReorderQueue(w, request(http.MethodPost, "/", "alice", map[string]any{"book_priorities": map[string]int{"b": -1}}))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	env.handlers.QueueOrder(w, request(http.MethodGet, "/", "alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Queue []queue.Item `json:"queue"`
	}
	decode(t, w, &body)
	require.Len(t, body.Queue, 2)
	require.Equal(t, "b", body.Queue[0].Book.ID)
}

func TestDownloadHistory(t *testing.T) {
	env := newTestEnv(t)
	env.queueBook(t, "abc123")

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantLimit int
	}{
		{name: "defaults", target: "/api/downloads/history", wantCode: http.StatusOK, wantLimit: 50},
		{name: "capped", target: "/api/downloads/history?limit=500", wantCode: http.StatusOK, wantLimit: 100},
		{name: "status filter", target: "/api/downloads/history?status=queued", wantCode: http.StatusOK, wantLimit: 50},
		{name: "invalid status", target: "/api/downloads/history?status=bogus", wantCode: http.StatusBadRequest},
		{name: "invalid limit", target: "/api/downloads/history?limit=abc", wantCode: http.StatusBadRequest},
		{name: "negative offset", target: "/api/downloads/history?offset=-1", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.handlers.DownloadHistory(w, request(http.MethodGet, tt.target, "alice", nil))
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}

			var body struct {
				Downloads []models.DownloadRecord `json:"downloads"`
				Limit     int                     `json:"limit"`
			}
			decode(t, w, &body)
			require.Equal(t, tt.wantLimit, body.Limit)
			require.Len(t, body.Downloads, 1)
		})
	}
}

func TestDownloadStatus(t *testing.T) {
	env := newTestEnv(t)
	env.queueBook(t, "abc123")

	w := httptest.NewRecorder()
	env.handlers.DownloadStatus(w, request(http.MethodGet, "/api/downloads/status", "alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string][]json.RawMessage
	decode(t, w, &body)
	require.Len(t, body["queued"], 1)
	require.Empty(t, body["completed"])
}

func TestPreferences(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.handlers.GetPreferences(w, request(http.MethodGet, "/", "alice", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var prefs models.UserPreferences
	decode(t, w, &prefs)
	require.Equal(t, "epub", prefs.PreferredFormat)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
	}{
		{name: "bad format", body: map[string]any{"preferred_format": "exe", "max_concurrent": 2}, wantCode: http.StatusBadRequest},
		{name: "too many workers", body: map[string]any{"preferred_format": "pdf", "max_concurrent": 50}, wantCode: http.StatusBadRequest},
		{name: "saved", body: map[string]any{"preferred_format": "PDF", "max_concurrent": 2, "auto_retry": false}, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.handlers.SavePreferences(w, request(http.MethodPut, "/", "alice", tt.body))
			require.Equal(t, tt.wantCode, w.Code)
		})
	}

	saved, err := env.db.GetUserPreferences(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "pdf", saved.PreferredFormat)
	require.Equal(t, 2, saved.MaxConcurrent)
	require.False(t, saved.AutoRetry)
}

func TestRedownload(t *testing.T) {
	const content = "%PDF-1.7 redownload"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(content))
	}))
	defer server.Close()

	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.db.RecordDownloadQueued(ctx, "alice", models.BookInfo{ID: "dune", Title: "Dune", Author: "Frank Herbert", Format: "pdf"}, "")
	require.NoError(t, err)
	_, err = env.db.UpdateDownloadStatus(ctx, id, models.StatusProcessing, database.StatusFields{})
	require.NoError(t, err)
	finalURL := server.URL + "/dune.pdf"
	_, err = env.db.UpdateDownloadURLs(ctx, id, database.URLUpdate{FinalURL: &finalURL})
	require.NoError(t, err)
	_, err = env.db.UpdateDownloadStatus(ctx, id, models.StatusError, database.StatusFields{})
	require.NoError(t, err)

	path := strconv.FormatInt(id, 10)

	t.Run("other user", func(t *testing.T) {
		req := request(http.MethodPost, "/", "bob", nil)
		req.SetPathValue("id", path)
		w := httptest.NewRecorder()
		env.handlers.Redownload(w, req)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		req := request(http.MethodPost, "/", "alice", nil)
		req.SetPathValue("id", "abc")
		w := httptest.NewRecorder()
		env.handlers.Redownload(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("success", func(t *testing.T) {
		req := request(http.MethodPost, "/", "alice", nil)
		req.SetPathValue("id", path)
		w := httptest.NewRecorder()
		env.handlers.Redownload(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			FilePath string `json:"file_path"`
		}
		decode(t, w, &body)
		require.Equal(t, filepath.Join(env.ingest.IngestDir(), "Frank Herbert - Dune.pdf"), body.FilePath)

		data, err := os.ReadFile(body.FilePath)
		require.NoError(t, err)
		require.Equal(t, content, string(data))
	})
}

func TestRedownload_UnfinishedRecord(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("%PDF-1.7 redownload"))
	}))
	defer server.Close()

	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.db.RecordDownloadQueued(ctx, "alice", models.BookInfo{ID: "dune", Title: "Dune", Format: "pdf"}, "")
	require.NoError(t, err)
	_, err = env.db.UpdateDownloadStatus(ctx, id, models.StatusProcessing, database.StatusFields{})
	require.NoError(t, err)
	finalURL := server.URL + "/dune.pdf"
	_, err = env.db.UpdateDownloadURLs(ctx, id, database.URLUpdate{FinalURL: &finalURL})
	require.NoError(t, err)
	_, err = env.db.UpdateDownloadStatus(ctx, id, models.StatusCancelled, database.StatusFields{})
	require.NoError(t, err)

	req := request(http.MethodPost, "/", "alice", nil)
	req.SetPathValue("id", strconv.FormatInt(id, 10))
	w := httptest.NewRecorder()
	env.handlers.Redownload(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	decode(t, w, &body)
	require.NotEmpty(t, body.Suggestion)
	require.Zero(t, hits.Load())

	entries, err := os.ReadDir(env.ingest.IngestDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRedownload_ExpiredURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No final URL was ever discovered
	id, err := env.db.RecordDownloadQueued(ctx, "alice", models.BookInfo{ID: "dune", Title: "Dune"}, "")
	require.NoError(t, err)
	_, err = env.db.UpdateDownloadStatus(ctx, id, models.StatusError, database.StatusFields{})
	require.NoError(t, err)

	req := request(http.MethodPost, "/", "alice", nil)
	req.SetPathValue("id", strconv.FormatInt(id, 10))
	w := httptest.NewRecorder()
	env.handlers.Redownload(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	decode(t, w, &body)
	require.Equal(t, "Re-download failed - URL may be expired", body.Error)
	require.NotEmpty(t, body.Suggestion)
}

func TestCleanupPhantomDownloads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A durable record the live queue never saw
	_, err := env.db.RecordDownloadQueued(ctx, "alice", models.BookInfo{ID: "ghost", Title: "Ghost"}, "")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	env.handlers.DebugQueueStatus(w, request(http.MethodGet, "/", "alice", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var debug struct {
		Phantoms []string `json:"phantoms"`
	}
	decode(t, w, &debug)
	require.Equal(t, []string{"ghost"}, debug.Phantoms)

	w = httptest.NewRecorder()
	env.handlers.CleanupPhantomDownloads(w, request(http.MethodPost, "/", "alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Cancelled int64 `json:"cancelled"`
	}
	decode(t, w, &body)
	require.Equal(t, int64(1), body.Cancelled)
}

func TestRecentNotifications(t *testing.T) {
	env := newTestEnv(t)
	env.feed.DownloadCompleted("alice", "a", "First")
	env.feed.DownloadFailed("alice", "b", "Second", "timeout")
	env.feed.DownloadCompleted("bob", "c", "Other")

	w := httptest.NewRecorder()
	env.handlers.RecentNotifications(w, request(http.MethodGet, "/api/notifications/recent?limit=1", "alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	decode(t, w, &body)
	require.Len(t, body.Notifications, 1)
	require.Equal(t, "b", body.Notifications[0].BookID)

	w = httptest.NewRecorder()
	env.handlers.RecentNotifications(w, request(http.MethodGet, "/api/notifications/recent?limit=0", "alice", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
