package downloader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"inkdrop/internal/database"
	"inkdrop/internal/fetch"
	"inkdrop/internal/ingest"
	"inkdrop/internal/mirror"
	mirrormocks "inkdrop/internal/mirror/mocks"
	"inkdrop/internal/notify"
	"inkdrop/internal/queue"
	"inkdrop/internal/verify"
	"inkdrop/pkg/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const bookSize = 1048576

type harness struct {
	manager *Manager
	db      *database.DB
	source  *mirrormocks.MockSource
	feed    *notify.Feed
	ingest  *ingest.Service
}

func newHarness(t *testing.T, cfg PoolConfig) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	source := mirrormocks.NewMockSource(ctrl)
	db := newTestDB(t)

	root := t.TempDir()
	ingestService := ingest.NewService(filepath.Join(root, "library"), filepath.Join(root, "tmp"))
	require.NoError(t, ingestService.EnsureDirectories())

	q := queue.New()
	feed := notify.NewFeed()
	pool := NewPool(q, db, source, fetch.NewClient(10*time.Second), verify.New(true), ingestService, feed, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	return &harness{
		manager: NewManager(q, db, source),
		db:      db,
		source:  source,
		feed:    feed,
		ingest:  ingestService,
	}
}

func pdfBody(size int) []byte {
	body := bytes.Repeat([]byte("x"), size)
	copy(body, "%PDF-1.7")
	return body
}

func serveBody(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
}

func (h *harness) recordStatus(t *testing.T, username string) func() models.DownloadStatus {
	return func() models.DownloadStatus {
		records, err := h.db.GetUserDownloads(context.Background(), username, "", 0, 0)
		require.NoError(t, err)
		if len(records) == 0 {
			return ""
		}
		return records[0].Status
	}
}

func TestPool_QueueAndComplete(t *testing.T) {
	server := serveBody(pdfBody(bookSize))
	defer server.Close()

	h := newHarness(t, PoolConfig{Workers: 2})
	ctx := context.Background()

	h.source.EXPECT().GetBookInfo(gomock.Any(), "abc123").Return(bookInfo("abc123"), nil)
	h.source.EXPECT().ResolveDownload(gomock.Any(), "abc123").Return(&mirror.Resolution{
		URL:       server.URL + "/abc123.pdf",
		Size:      bookSize,
		SearchURL: "https://books.example/md5/abc123",
	}, nil)

	queueFor(t, h.manager, "alice", "abc123", 0)

	status := h.recordStatus(t, "alice")
	require.Eventually(t, func() bool { return status() == models.StatusCompleted }, 5*time.Second, 10*time.Millisecond)

	records, err := h.db.GetUserDownloads(ctx, "alice", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	record := records[0]
	require.Equal(t, models.StatusCompleted, record.Status)
	require.NotNil(t, record.FileSize)
	require.Equal(t, int64(bookSize), *record.FileSize)
	require.Equal(t, 100, record.ProgressPercent)
	require.NotNil(t, record.StartedAt)
	require.NotNil(t, record.CompletedAt)
	require.True(t, record.CanRetryDirect)
	require.Equal(t, server.URL+"/abc123.pdf", *record.FinalURL)
	require.Equal(t, "https://books.example/md5/abc123", *record.SearchURL)
	require.NotNil(t, record.ContentHash)

	require.NotNil(t, record.FilePath)
	require.Equal(t, h.ingest.IngestDir(), filepath.Dir(*record.FilePath))
	require.FileExists(t, *record.FilePath)

	require.Eventually(t, func() bool {
		item, ok := h.manager.Queue().Get("abc123")
		return ok && item.State == models.QueueAvailable
	}, time.Second, 10*time.Millisecond)

	// The finished book is drained from the live queue by the second read
	view, err := h.manager.UserDownloadStatus(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, view[models.StatusCompleted])
	view, err = h.manager.UserDownloadStatus(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, view[models.StatusCompleted], 1)
	require.False(t, h.manager.Queue().Has("abc123"))

	notes := h.feed.Recent("alice", 0)
	require.Len(t, notes, 1)
	require.Equal(t, notify.KindDownloadCompleted, notes[0].Type)
}

func TestPool_NonRetryableFailure(t *testing.T) {
	h := newHarness(t, PoolConfig{MaxRetries: 3, BaseBackoff: time.Millisecond})

	h.source.EXPECT().GetBookInfo(gomock.Any(), "gone").Return(bookInfo("gone"), nil)
	h.source.EXPECT().ResolveDownload(gomock.Any(), "gone").Return(nil, mirror.ErrBookNotFound).Times(1)

	queueFor(t, h.manager, "alice", "gone", 0)

	status := h.recordStatus(t, "alice")
	require.Eventually(t, func() bool { return status() == models.StatusError }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		item, ok := h.manager.Queue().Get("gone")
		return ok && item.State == models.QueueError && item.Book.Error != ""
	}, time.Second, 10*time.Millisecond)

	notes := h.feed.Recent("alice", 0)
	require.Len(t, notes, 1)
	require.Equal(t, notify.KindDownloadFailed, notes[0].Type)
}

func TestPool_FailureOnClosedRecord(t *testing.T) {
	h := newHarness(t, PoolConfig{MaxRetries: 3, BaseBackoff: time.Millisecond})

	h.source.EXPECT().GetBookInfo(gomock.Any(), "gone").Return(bookInfo("gone"), nil)
	h.source.EXPECT().ResolveDownload(gomock.Any(), "gone").
		DoAndReturn(func(ctx context.Context, bookID string) (*mirror.Resolution, error) {
			// The record is closed behind the worker's back
			records, err := h.db.GetUserDownloads(context.Background(), "alice", "", 0, 0)
			require.NoError(t, err)
			ok, err := h.db.UpdateDownloadStatus(context.Background(), records[0].ID, models.StatusCancelled, database.StatusFields{})
			require.NoError(t, err)
			require.True(t, ok)
			return nil, mirror.ErrBookNotFound
		}).Times(1)

	queueFor(t, h.manager, "alice", "gone", 0)

	require.Eventually(t, func() bool {
		item, ok := h.manager.Queue().Get("gone")
		return ok && item.State == models.QueueError
	}, 5*time.Second, 10*time.Millisecond)

	status := h.recordStatus(t, "alice")
	require.Equal(t, models.StatusCancelled, status())
	require.Empty(t, h.feed.Recent("alice", 0))
}

func TestPool_RetriesAfterServerError(t *testing.T) {
	body := pdfBody(4096)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	}))
	defer server.Close()

	h := newHarness(t, PoolConfig{MaxRetries: 2, BaseBackoff: 10 * time.Millisecond})

	h.source.EXPECT().GetBookInfo(gomock.Any(), "flaky").Return(bookInfo("flaky"), nil)
	h.source.EXPECT().ResolveDownload(gomock.Any(), "flaky").Return(&mirror.Resolution{URL: server.URL}, nil).Times(2)

	queueFor(t, h.manager, "alice", "flaky", 0)

	status := h.recordStatus(t, "alice")
	require.Eventually(t, func() bool { return status() == models.StatusCompleted }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), hits.Load())
}

func TestPool_VerificationFailure(t *testing.T) {
	// The id is an MD5 the body will not hash to
	const id = "0123456789abcdef0123456789abcdef"
	server := serveBody(pdfBody(2048))
	defer server.Close()

	h := newHarness(t, PoolConfig{MaxRetries: 0})

	h.source.EXPECT().GetBookInfo(gomock.Any(), id).Return(bookInfo(id), nil)
	h.source.EXPECT().ResolveDownload(gomock.Any(), id).Return(&mirror.Resolution{URL: server.URL}, nil)

	queueFor(t, h.manager, "alice", id, 0)

	status := h.recordStatus(t, "alice")
	require.Eventually(t, func() bool { return status() == models.StatusError }, 5*time.Second, 10*time.Millisecond)

	records, err := h.db.GetUserDownloads(context.Background(), "alice", "", 0, 0)
	require.NoError(t, err)
	require.Contains(t, *records[0].ErrorMessage, "verification failed")

	entries, err := os.ReadDir(h.ingest.IngestDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPool_CancelInFlight(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write([]byte("%PDF-1.7"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	h := newHarness(t, PoolConfig{})
	ctx := context.Background()

	h.source.EXPECT().GetBookInfo(gomock.Any(), "slow").Return(bookInfo("slow"), nil)
	h.source.EXPECT().ResolveDownload(gomock.Any(), "slow").Return(&mirror.Resolution{URL: server.URL}, nil)

	queueFor(t, h.manager, "alice", "slow", 0)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	ok, err := h.manager.CancelDownload(ctx, "alice", "slow")
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return !h.manager.Queue().Has("slow") }, 5*time.Second, 10*time.Millisecond)

	records, err := h.db.GetUserDownloads(ctx, "alice", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, records[0].Status)
	require.Equal(t, "Cancelled by user", *records[0].ErrorMessage)
	require.Empty(t, h.feed.Recent("alice", 0))
}

func TestBookFormat(t *testing.T) {
	require.Equal(t, "epub", bookFormat(models.BookInfo{Format: "epub"}, "x.pdf"))
	require.Equal(t, "pdf", bookFormat(models.BookInfo{}, "Book.PDF"))
	require.Equal(t, "", bookFormat(models.BookInfo{}, ""))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cancelled", context.Canceled, false},
		{"unknown book", mirror.ErrBookNotFound, false},
		{"closed record", errRecordClosed, false},
		{"stale url", &fetch.StaleURLError{StatusCode: 410}, true},
		{"server error", &fetch.StatusError{StatusCode: 500}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, retryable(tt.err))
		})
	}
}
