package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"inkdrop/internal/config"
	"inkdrop/internal/database"
	"inkdrop/internal/downloader"
	"inkdrop/internal/fetch"
	"inkdrop/internal/ingest"
	mirrormocks "inkdrop/internal/mirror/mocks"
	"inkdrop/internal/notify"
	"inkdrop/internal/queue"
	"inkdrop/internal/retry"
	"inkdrop/internal/verify"
	"inkdrop/internal/web/handlers"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	source := mirrormocks.NewMockSource(gomock.NewController(t))
	root := t.TempDir()
	ingestService := ingest.NewService(filepath.Join(root, "library"), filepath.Join(root, "tmp"))

	h := handlers.NewHandlers(
		db,
		downloader.NewManager(queue.New(), db, source),
		retry.New(db, fetch.NewClient(time.Second), verify.New(true)),
		ingestService,
		notify.NewFeed(),
	)
	return NewServer(cfg, h)
}

func testConfig() *config.Config {
	return &config.Config{
		ServerPort:  "8080",
		LogLevel:    "info",
		AuthHeader:  "X-Remote-User",
		DefaultUser: "admin",
	}
}

func TestNewServer(t *testing.T) {
	server := newTestServer(t, testConfig())
	require.NotNil(t, server)
	require.Equal(t, ":8080", server.server.Addr)
}

func TestServer_Auth(t *testing.T) {
	tests := []struct {
		name        string
		disableAuth bool
		path        string
		header      string
		wantCode    int
	}{
		{name: "health is open", path: "/api/health", wantCode: http.StatusOK},
		{name: "missing header", path: "/api/queue/order", wantCode: http.StatusUnauthorized},
		{name: "blank header", path: "/api/queue/order", header: "   ", wantCode: http.StatusUnauthorized},
		{name: "proxy header", path: "/api/queue/order", header: "alice", wantCode: http.StatusOK},
		{name: "auth disabled", disableAuth: true, path: "/api/queue/order", wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.DisableAuth = tt.disableAuth
			server := newTestServer(t, cfg)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-Remote-User", tt.header)
			}
			w := httptest.NewRecorder()
			server.server.Handler.ServeHTTP(w, req)
			require.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestServer_Routes(t *testing.T) {
	server := newTestServer(t, testConfig())

	tests := []struct {
		method   string
		path     string
		wantCode int
	}{
		{http.MethodGet, "/api/status", http.StatusOK},
		{http.MethodGet, "/api/downloads/status", http.StatusOK},
		{http.MethodGet, "/api/downloads/history", http.StatusOK},
		{http.MethodGet, "/api/downloads/stats", http.StatusOK},
		{http.MethodGet, "/api/downloads/active", http.StatusOK},
		{http.MethodGet, "/api/downloads/preferences", http.StatusOK},
		{http.MethodGet, "/api/notifications/recent", http.StatusOK},
		{http.MethodGet, "/api/debug/queue-status", http.StatusOK},
		{http.MethodDelete, "/api/download/missing/cancel", http.StatusNotFound},
		{http.MethodDelete, "/api/download/missing/force-cancel", http.StatusNotFound},
		{http.MethodDelete, "/api/queue/clear", http.StatusOK},
		{http.MethodPost, "/api/downloads/redownload/999", http.StatusNotFound},
		{http.MethodPost, "/api/status", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("X-Remote-User", "alice")
			w := httptest.NewRecorder()
			server.server.Handler.ServeHTTP(w, req)
			require.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestServer_UnauthorizedBody(t *testing.T) {
	server := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "Authentication required", body["error"])
}

func TestServer_StartAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.ServerPort = "0" // Use random port
	server := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	err := server.Shutdown(ctx)
	require.NoError(t, err)

	select {
	case err := <-errChan:
		require.Equal(t, http.ErrServerClosed, err)
	case <-time.After(time.Second):
		t.Fatal("Server did not shutdown within timeout")
	}
}

func TestIsPrivateIPv4(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.10", true},
		{"10.0.0.5", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"172.15.0.1", false},
		{"8.8.8.8", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			require.Equal(t, tt.want, isPrivateIPv4(tt.ip))
		})
	}
}
