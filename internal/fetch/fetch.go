// Package fetch streams a remote file to disk with resume and progress reporting
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	defaultRetryAfter = 30 * time.Second
	progressInterval  = 500 * time.Millisecond
	copyBufferSize    = 32 * 1024
)

// StaleURLError means the URL no longer serves the file and should not be retried
type StaleURLError struct {
	URL        string
	StatusCode int
}

func (e *StaleURLError) Error() string {
	return fmt.Sprintf("download url is no longer valid: server returned status %d", e.StatusCode)
}

// RetryAfterError means the server asked the client to come back later
type RetryAfterError struct {
	StatusCode int
	Wait       time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("server returned status %d, retry after %s", e.StatusCode, e.Wait)
}

// StatusError is any other unexpected HTTP status
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

// IsStale reports whether err means the URL is permanently unusable
func IsStale(err error) bool {
	var stale *StaleURLError
	return errors.As(err, &stale)
}

// Progress describes a download in flight
type Progress struct {
	Downloaded int64
	Total      int64
	Speed      float64 // bytes per second, smoothed
}

// Percent returns progress in the 0-100 range, 0 when the total is unknown
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Downloaded) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ProgressFunc receives periodic progress updates
type ProgressFunc func(Progress)

// Client downloads files over HTTP
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a client whose requests time out after timeout
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "inkdrop/1.0",
		logger:     slog.Default(),
	}
}

// NewClientWithHTTP wraps an existing http.Client
func NewClientWithHTTP(httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient, userAgent: "inkdrop/1.0", logger: slog.Default()}
}

// Download writes url to tempPath, resuming a partial file when one exists.
// It returns the final size of tempPath.
func (c *Client) Download(ctx context.Context, url, tempPath string, onProgress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	var resumeFrom int64
	if stat, err := os.Stat(tempPath); err == nil && stat.Size() > 0 {
		resumeFrom = stat.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		c.logger.Info("Resuming download from byte", "path", tempPath, "resume_from", resumeFrom)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to start download: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, url); err != nil {
		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			// The partial file is unusable, start over on the next attempt
			_ = os.Remove(tempPath)
		}
		return 0, err
	}

	if resp.StatusCode == http.StatusOK && resumeFrom > 0 {
		c.logger.Info("Server ignored range request, restarting download", "path", tempPath)
		resumeFrom = 0
	}

	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	var file *os.File
	if resumeFrom > 0 {
		file, err = os.OpenFile(tempPath, os.O_APPEND|os.O_WRONLY, 0o644)
	} else {
		file, err = os.Create(tempPath)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	var total int64
	if resp.ContentLength > 0 {
		total = resp.ContentLength + resumeFrom
	}

	written, err := copyWithProgress(ctx, file, resp.Body, resumeFrom, total, onProgress)
	if err != nil {
		return written, err
	}
	if err := file.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync file: %w", err)
	}
	return written, nil
}

func checkStatus(resp *http.Response, url string) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return &StaleURLError{URL: url, StatusCode: resp.StatusCode}
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return &RetryAfterError{StatusCode: resp.StatusCode, Wait: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	default:
		return &StatusError{StatusCode: resp.StatusCode}
	}
}

// ParseRetryAfter reads a Retry-After header in either seconds or HTTP-date form
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return defaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
		return 0
	}
	return defaultRetryAfter
}

// copyWithProgress copies src to dst, reporting smoothed progress every
// progressInterval. It returns the total bytes now in dst.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, resumeFrom, total int64, onProgress ProgressFunc) (int64, error) {
	buffer := make([]byte, copyBufferSize)
	totalRead := resumeFrom

	history := NewSpeedHistory()
	lastUpdate := time.Now()
	lastSampleTime := lastUpdate
	lastSampleBytes := resumeFrom

	report := func(now time.Time) {
		if onProgress == nil {
			return
		}
		recentTime := now.Sub(lastSampleTime).Seconds()
		recentBytes := totalRead - lastSampleBytes
		onProgress(Progress{
			Downloaded: totalRead,
			Total:      total,
			Speed:      history.Speed(recentBytes, recentTime),
		})
	}

	for {
		if err := ctx.Err(); err != nil {
			return totalRead, err
		}

		n, err := src.Read(buffer)
		if n > 0 {
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return totalRead, fmt.Errorf("failed to write to file: %w", writeErr)
			}
			totalRead += int64(n)

			now := time.Now()
			if now.Sub(lastUpdate) >= progressInterval {
				if since := now.Sub(lastSampleTime).Seconds(); since >= sampleMinDuration {
					history.AddSample(totalRead-lastSampleBytes, since)
					lastSampleTime = now
					lastSampleBytes = totalRead
				}
				report(now)
				lastUpdate = now
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				report(time.Now())
				return totalRead, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return totalRead, ctxErr
			}
			return totalRead, fmt.Errorf("failed to read from response: %w", err)
		}
	}
}
