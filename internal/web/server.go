// Package web provides the HTTP server and routing
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"inkdrop/internal/config"
	"inkdrop/internal/web/handlers"
)

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	handlers *handlers.Handlers
	logger   *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handlers) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health)

	// Queueing and live queue control
	mux.HandleFunc("GET /api/download", h.QueueDownload)
	mux.HandleFunc("GET /api/status", h.QueueStatus)
	mux.HandleFunc("DELETE /api/download/{id}/cancel", h.CancelDownload)
	mux.HandleFunc("DELETE /api/download/{id}/force-cancel", h.ForceCancelDownload)
	mux.HandleFunc("DELETE /api/download/{id}/remove-tracking", h.RemoveTracking)
	mux.HandleFunc("PUT /api/queue/{id}/priority", h.SetPriority)
	mux.HandleFunc("POST /api/queue/reorder", h.ReorderQueue)
	mux.HandleFunc("GET /api/queue/order", h.QueueOrder)
	mux.HandleFunc("DELETE /api/queue/clear", h.ClearQueue)
	mux.HandleFunc("POST /api/queue/cleanup-phantom", h.CleanupQueuePhantoms)

	// Durable history
	mux.HandleFunc("GET /api/downloads/status", h.DownloadStatus)
	mux.HandleFunc("GET /api/downloads/history", h.DownloadHistory)
	mux.HandleFunc("DELETE /api/downloads/history/clear", h.ClearHistory)
	mux.HandleFunc("GET /api/downloads/stats", h.DownloadStats)
	mux.HandleFunc("GET /api/downloads/redownloadable", h.Redownloadable)
	mux.HandleFunc("POST /api/downloads/redownload/{id}", h.Redownload)
	mux.HandleFunc("GET /api/downloads/active", h.ActiveDownloads)
	mux.HandleFunc("POST /api/downloads/cleanup-phantom", h.CleanupPhantomDownloads)
	mux.HandleFunc("GET /api/downloads/preferences", h.GetPreferences)
	mux.HandleFunc("PUT /api/downloads/preferences", h.SavePreferences)

	mux.HandleFunc("GET /api/notifications/recent", h.RecentNotifications)
	mux.HandleFunc("GET /api/debug/queue-status", h.DebugQueueStatus)

	logger := slog.Default()
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      logRequests(logger, authenticate(cfg, mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		server:   server,
		handlers: h,
		logger:   logger,
	}
}

// authenticate resolves the username from the trusted proxy header. The
// health endpoint stays open so health checks need no credentials.
func authenticate(cfg *config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		username := cfg.DefaultUser
		if !cfg.DisableAuth {
			username = strings.TrimSpace(r.Header.Get(cfg.AuthHeader))
		}
		if username == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Authentication required"}` + "\n"))
			return
		}

		next.ServeHTTP(w, r.WithContext(handlers.ContextWithUser(r.Context(), username)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	localIP := getLocalIP()
	port := strings.TrimPrefix(s.server.Addr, ":")

	s.logger.Info("Starting HTTP server",
		"addr", s.server.Addr,
		"local_ip", localIP,
		"port", port,
		"url", fmt.Sprintf("http://%s:%s", localIP, port))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// getLocalIP returns a private network address for the startup log line
func getLocalIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "localhost"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			if isPrivateIPv4(ip.String()) {
				return ip.String()
			}
		}
	}

	return "localhost"
}

// isPrivateIPv4 reports whether ipStr is in 10/8, 172.16/12 or 192.168/16
func isPrivateIPv4(ipStr string) bool {
	if strings.HasPrefix(ipStr, "192.168.") || strings.HasPrefix(ipStr, "10.") {
		return true
	}

	parts := strings.Split(ipStr, ".")
	if len(parts) < 2 || parts[0] != "172" {
		return false
	}

	var secondOctet int
	if _, err := fmt.Sscanf(parts[1], "%d", &secondOctet); err != nil {
		return false
	}
	return secondOctet >= 16 && secondOctet <= 31
}
