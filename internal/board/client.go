// Package board is the HTTP client for the external board service the sync
// reconciler talks to. Contacts and organizations each live on one board;
// items carry column values keyed by column id.
package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

// BoardType selects which board an operation targets.
type BoardType string

const (
	BoardContacts      BoardType = "contacts"
	BoardOrganizations BoardType = "organizations"
)

// Item is a board item as the API returns it.
type Item struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ColumnValues map[string]any `json:"column_values"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ItemPage is one page of a board walk.
type ItemPage struct {
	Items  []Item  `json:"items"`
	Cursor *string `json:"cursor"`
}

// RateLimitError is returned on HTTP 429, carrying the server's requested
// delay when present.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("board: rate limited, retry after %s", e.RetryAfter)
}

// AuthError is returned on HTTP 401/403. Never retried.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("board: authentication failed with status %d", e.StatusCode)
}

// NotFoundError is returned when an item id does not exist on the board.
type NotFoundError struct {
	ItemID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("board: item %s not found", e.ItemID)
}

const maxRateLimitRetries = 3

// Client talks to the board API with rate-limit retries behind a circuit
// breaker.
type Client struct {
	baseURL  string
	apiToken string
	boards   map[BoardType]string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	rand     *rand.Rand
}

// Config holds board client settings.
type Config struct {
	BaseURL  string
	APIToken string
	// BoardIDs maps each board type to its id on the external service.
	BoardIDs map[BoardType]string
	Timeout  time.Duration
}

// NewClient builds a board client. The breaker opens after consecutive
// failures and recovers through a half-open probe, so a dead board service
// fails fast instead of holding worker ticks hostage.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "board-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("board circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
		boards:   cfg.BoardIDs,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		logger:   logger,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Configured reports whether the given board can be reached at all: both the
// API base URL and that board's id must be set. Callers skip sync work for
// unconfigured boards instead of erroring.
func (c *Client) Configured(b BoardType) bool {
	return c.baseURL != "" && c.boards[b] != ""
}

// CreateItem creates a board item and returns its id.
func (c *Client) CreateItem(ctx context.Context, board BoardType, name string, columnValues map[string]any) (string, error) {
	body := map[string]any{"name": name, "column_values": columnValues}
	var out struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, c.boardPath(board, "/items"), body, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateItem overwrites column values on an existing item.
func (c *Client) UpdateItem(ctx context.Context, board BoardType, itemID string, columnValues map[string]any) error {
	body := map[string]any{"column_values": columnValues}
	return c.call(ctx, http.MethodPut, c.boardPath(board, "/items/"+url.PathEscape(itemID)), body, nil)
}

// DeleteItem removes an item from the board. Deleting an already-deleted
// item returns a NotFoundError.
func (c *Client) DeleteItem(ctx context.Context, board BoardType, itemID string) error {
	return c.call(ctx, http.MethodDelete, c.boardPath(board, "/items/"+url.PathEscape(itemID)), nil, nil)
}

// GetItem fetches a single item.
func (c *Client) GetItem(ctx context.Context, board BoardType, itemID string) (Item, error) {
	var item Item
	err := c.call(ctx, http.MethodGet, c.boardPath(board, "/items/"+url.PathEscape(itemID)), nil, &item)
	return item, err
}

// GetBoardItems walks a board one page at a time. Pass a nil cursor for the
// first page; a nil cursor in the returned page means the walk is done.
func (c *Client) GetBoardItems(ctx context.Context, board BoardType, cursor *string, pageSize int) (ItemPage, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	path := c.boardPath(board, fmt.Sprintf("/items?limit=%d", pageSize))
	if cursor != nil {
		path += "&cursor=" + url.QueryEscape(*cursor)
	}
	var page ItemPage
	err := c.call(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

// SearchContacts finds contact items whose email column matches exactly.
func (c *Client) SearchContacts(ctx context.Context, email string) ([]Item, error) {
	path := c.boardPath(BoardContacts, "/items/search?email="+url.QueryEscape(email))
	var out struct {
		Items []Item `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) boardPath(board BoardType, suffix string) string {
	return "/boards/" + url.PathEscape(c.boards[board]) + suffix
}

// call runs one API operation through the breaker, retrying rate limits with
// exponential back-off plus jitter. Other failures surface immediately.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	for attempt := 0; ; attempt++ {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doOnce(ctx, method, path, body, out)
		})
		if err == nil {
			return nil
		}

		var rle *RateLimitError
		if !errors.As(err, &rle) || attempt >= maxRateLimitRetries {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("board: service unavailable: %w", err)
			}
			return err
		}

		delay := rle.RetryAfter
		if delay <= 0 {
			delay = time.Duration(1<<attempt) * time.Second
		}
		delay += time.Duration(c.rand.Float64() * float64(time.Second))
		c.logger.Warn("board rate limited, backing off", "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("board: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("board: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("board: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{ItemID: path}
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("board: %s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("board: decode response: %w", err)
	}
	return nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}
