// Package mirror provides a client for the book source API used to look up
// metadata and resolve direct download links
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"inkdrop/pkg/models"
)

// ErrBookNotFound is returned when the source does not know the book id
var ErrBookNotFound = errors.New("book not found")

// Source defines the book source operations used by the downloader
//
//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks
type Source interface {
	GetBookInfo(ctx context.Context, bookID string) (*models.BookInfo, error)
	ResolveDownload(ctx context.Context, bookID string) (*Resolution, error)
	CheckAPIKey(ctx context.Context) error
}

// Client represents a book source API client
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Resolution is a direct download link handed out by the source
type Resolution struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	SearchURL string `json:"page_url"`
	// Countdown is the number of seconds the source asks to wait before the link works
	Countdown int        `json:"countdown"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type bookPayload struct {
	ID        string `json:"md5"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Publisher string `json:"publisher"`
	Year      string `json:"year"`
	Language  string `json:"language"`
	Format    string `json:"extension"`
	Size      string `json:"filesize_human"`
	Cover     string `json:"cover_url"`
}

// APIResponse represents the envelope every source response uses
type APIResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *APIError       `json:"error,omitempty"`
}

// APIError represents an error response from the API
type APIError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

// Error implements the error interface for APIError
func (e *APIError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("%s (code: %v)", e.Message, e.Code)
	}
	return e.Message
}

// New creates a new source client
func New(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	params := url.Values{}
	params.Set("agent", "inkdrop")
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrBookNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}

	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if apiResp.Status != "success" {
		if apiResp.Error != nil {
			return apiResp.Error
		}
		return fmt.Errorf("API returned status: %s", apiResp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(apiResp.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

// GetBookInfo looks up the metadata of a book
func (c *Client) GetBookInfo(ctx context.Context, bookID string) (*models.BookInfo, error) {
	var payload bookPayload
	if err := c.get(ctx, "/books/"+url.PathEscape(bookID), &payload); err != nil {
		return nil, err
	}

	id := payload.ID
	if id == "" {
		id = bookID
	}
	return &models.BookInfo{
		ID:        id,
		Title:     payload.Title,
		Author:    payload.Author,
		Publisher: payload.Publisher,
		Year:      payload.Year,
		Language:  payload.Language,
		Format:    strings.ToLower(payload.Format),
		Size:      payload.Size,
		Preview:   payload.Cover,
	}, nil
}

// ResolveDownload asks the source for a direct download link
func (c *Client) ResolveDownload(ctx context.Context, bookID string) (*Resolution, error) {
	var res Resolution
	if err := c.get(ctx, "/books/"+url.PathEscape(bookID)+"/download", &res); err != nil {
		return nil, err
	}
	if res.URL == "" {
		return nil, fmt.Errorf("source returned no download url for %s", bookID)
	}
	if res.Countdown < 0 {
		res.Countdown = 0
	}
	return &res, nil
}

// CheckAPIKey validates the API key by making a test request
func (c *Client) CheckAPIKey(ctx context.Context) error {
	if err := c.get(ctx, "/account", nil); err != nil {
		return fmt.Errorf("API key validation failed: %w", err)
	}
	return nil
}
