// Package bookclient is a typed HTTP client for the ledger service.
package bookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bookrecord/pkg/domain"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Status    int
	Message   string
	Code      string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a BOOK_NOT_FOUND response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "BOOK_NOT_FOUND"
}

// NewBook is the body of POST /books.
type NewBook struct {
	Title     string `json:"title"`
	Year      int64  `json:"year"`
	Author    string `json:"author"`
	Completed bool   `json:"completed"`
}

// AddResult is returned by AddBook.
type AddResult struct {
	ID    uint64       `json:"id"`
	Event domain.Event `json:"event"`
}

// SetCompletedResult is returned by SetCompleted.
type SetCompletedResult struct {
	ID        uint64       `json:"id"`
	Completed bool         `json:"completed"`
	Event     domain.Event `json:"event"`
}

// ExportResult is returned by Export.
type ExportResult struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Count     int       `json:"count"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type listBooksResponse struct {
	Items []domain.BookEntry `json:"items"`
	Count int                `json:"count"`
}

type listEventsResponse struct {
	Items []domain.Event `json:"items"`
	Count int            `json:"count"`
}

// Client calls the ledger service as one caller.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New returns a client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) AddBook(ctx context.Context, book NewBook) (AddResult, error) {
	var out AddResult
	err := c.call(ctx, http.MethodPost, "/books", book, &out)
	return out, err
}

func (c *Client) SetCompleted(ctx context.Context, id uint64, completed bool) (SetCompletedResult, error) {
	var out SetCompletedResult
	body := map[string]bool{"completed": completed}
	err := c.call(ctx, http.MethodPatch, "/books/"+strconv.FormatUint(id, 10), body, &out)
	return out, err
}

func (c *Client) Books(ctx context.Context) ([]domain.BookEntry, error) {
	return c.listBooks(ctx, "/books")
}

func (c *Client) CompletedBooks(ctx context.Context) ([]domain.BookEntry, error) {
	return c.listBooks(ctx, "/books/completed")
}

func (c *Client) UncompletedBooks(ctx context.Context) ([]domain.BookEntry, error) {
	return c.listBooks(ctx, "/books/uncompleted")
}

// Events returns notifications with seq greater than after. limit <= 0
// leaves the server default.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listEventsResponse
	if err := c.call(ctx, http.MethodGet, "/events?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Export(ctx context.Context) (ExportResult, error) {
	var out ExportResult
	err := c.call(ctx, http.MethodPost, "/books/export", nil, &out)
	return out, err
}

// Healthz returns nil when the service answers ok.
func (c *Client) Healthz(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) listBooks(ctx context.Context, path string) ([]domain.BookEntry, error) {
	var out listBooksResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		out.Items = []domain.BookEntry{}
	}
	return out.Items, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			RequestID string `json:"requestId"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{
			Status:    resp.StatusCode,
			Message:   msg,
			Code:      strings.TrimSpace(errResp.Code),
			RequestID: errResp.RequestID,
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
