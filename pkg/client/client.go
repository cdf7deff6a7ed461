// Package client provides a Go client for the permetix license server.
//
// It covers the REST surface (borrow, return, status) and the live
// telemetry stream. Borrowed licenses come back as a Handle whose
// Release method returns the seat to the pool.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error is returned for non-2xx responses that carry a structured
// error body.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("license server: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("license server: HTTP %d (%s)", e.StatusCode, e.Code)
}

// IsExhausted reports whether err means the pool had no seat to hand out.
func IsExhausted(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == "capacity_exceeded"
}

// PoolStatus mirrors the server's per-tool status payload.
type PoolStatus struct {
	Tool               string  `json:"tool"`
	Total              int     `json:"total"`
	Borrowed           int     `json:"borrowed"`
	Available          int     `json:"available"`
	Commit             int     `json:"commit"`
	MaxOverage         int     `json:"max_overage"`
	Overage            int     `json:"overage"`
	InCommit           bool    `json:"in_commit"`
	CommitPrice        float64 `json:"commit_price"`
	OveragePrice       float64 `json:"overage_price_per_license"`
	CurrentOverageCost float64 `json:"current_overage_cost"`
	TotalCost          float64 `json:"total_cost"`
}

// Event is one pool event carried inside a stream snapshot.
type Event struct {
	Kind      string    `json:"kind"`
	Tool      string    `json:"tool"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	IsOverage bool      `json:"is_overage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// BucketSample is one minute of per-tool borrow activity.
type BucketSample struct {
	Timestamp    time.Time `json:"timestamp"`
	Count        int       `json:"count"`
	OverageCount int       `json:"overage_count"`
	Users        []string  `json:"users"`
}

// RateSummary carries the rolling per-minute rates.
type RateSummary struct {
	BorrowPerMin   float64 `json:"borrow_per_min"`
	ReturnPerMin   float64 `json:"return_per_min"`
	FailurePerMin  float64 `json:"failure_per_min"`
	OveragePercent float64 `json:"overage_percent"`
}

// Snapshot is one full-state frame from the telemetry stream. Each
// frame stands alone; consumers never need a previous frame to make
// sense of the next one.
type Snapshot struct {
	Tools        []PoolStatus              `json:"tools"`
	Rates        RateSummary               `json:"rates"`
	RecentEvents RecentEvents              `json:"recent_events"`
	ToolMetrics  map[string][]BucketSample `json:"tool_metrics"`
	BufferStats  BufferStats               `json:"buffer_stats"`
}

// RecentEvents groups the trailing borrow events in a snapshot.
type RecentEvents struct {
	Borrows []Event `json:"borrows"`
}

// BufferStats reports the server-side event buffer occupancy.
type BufferStats struct {
	TotalEvents int `json:"total_events"`
}

// Handle is a borrowed license. Call Release to return the seat;
// releasing twice is harmless.
type Handle struct {
	ID         string
	Tool       string
	User       string
	BorrowedAt time.Time
	IsOverage  bool

	client   *Client
	released bool
}

// Release returns the license to the pool.
func (h *Handle) Release(ctx context.Context) error {
	if h.released {
		return nil
	}
	if err := h.client.Return(ctx, h.ID); err != nil {
		return err
	}
	h.released = true
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for REST calls. The
// streaming path keeps its own client: see WithStreamHTTPClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithStreamHTTPClient replaces the HTTP client used for Watch. It
// must not carry a Timeout: http.Client.Timeout bounds the whole body
// read, which would sever a healthy long-lived stream.
func WithStreamHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.streamHTTP = hc }
}

// WithBackoff sets the reconnect backoff bounds for Watch.
func WithBackoff(initial, max time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		c.backoffInitial = initial
		c.backoffMax = max
		c.maxAttempts = maxAttempts
	}
}

// Client talks to a permetix server.
type Client struct {
	baseURL string
	http    *http.Client
	// streamHTTP serves Watch connections. Deliberately no
	// client-level Timeout: that deadline covers the entire body
	// read and would cut every healthy stream after it elapses. Only
	// the connect and response-header phases are bounded.
	streamHTTP *http.Client

	backoffInitial time.Duration
	backoffMax     time.Duration
	maxAttempts    int
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		streamHTTP: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
		backoffInitial: 500 * time.Millisecond,
		backoffMax:     30 * time.Second,
		maxAttempts:    8,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type borrowRequest struct {
	Tool string `json:"tool"`
	User string `json:"user"`
}

type borrowResponse struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	User       string    `json:"user"`
	BorrowedAt time.Time `json:"borrowed_at"`
	IsOverage  bool      `json:"is_overage"`
}

type returnRequest struct {
	ID string `json:"id"`
}

// Borrow takes one seat of tool for user.
func (c *Client) Borrow(ctx context.Context, tool, user string) (*Handle, error) {
	var resp borrowResponse
	err := c.doJSON(ctx, http.MethodPost, "/licenses/borrow", borrowRequest{Tool: tool, User: user}, &resp)
	if err != nil {
		return nil, err
	}
	return &Handle{
		ID:         resp.ID,
		Tool:       resp.Tool,
		User:       resp.User,
		BorrowedAt: resp.BorrowedAt,
		IsOverage:  resp.IsOverage,
		client:     c,
	}, nil
}

// Return gives back the seat identified by borrowID.
func (c *Client) Return(ctx context.Context, borrowID string) error {
	return c.doJSON(ctx, http.MethodPost, "/licenses/return", returnRequest{ID: borrowID}, nil)
}

// Status fetches the status of a single pool.
func (c *Client) Status(ctx context.Context, tool string) (*PoolStatus, error) {
	var status PoolStatus
	if err := c.doJSON(ctx, http.MethodGet, "/licenses/"+tool+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StatusAll fetches the status of every pool.
func (c *Client) StatusAll(ctx context.Context) ([]PoolStatus, error) {
	var statuses []PoolStatus
	if err := c.doJSON(ctx, http.MethodGet, "/licenses/status", nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Error
		apiErr.Message = body.Message
	}
	return apiErr
}

// Watch subscribes to the server's telemetry stream and invokes fn for
// every snapshot frame until ctx is cancelled.
//
// Dropped connections are retried with capped exponential backoff. The
// attempt counter resets once a frame arrives, so a healthy stream can
// run forever; a server that stays unreachable makes Watch give up
// after the configured attempt ceiling and report the last error.
func (c *Client) Watch(ctx context.Context, fn func(Snapshot)) error {
	backoff := c.backoffInitial
	attempts := 0

	for {
		delivered, err := c.streamOnce(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if delivered > 0 {
			attempts = 0
			backoff = c.backoffInitial
		}
		attempts++
		if attempts >= c.maxAttempts {
			return fmt.Errorf("stream disconnected after %d attempts: %w", attempts, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

// streamOnce holds one stream connection open, reporting how many
// frames it delivered before the connection ended.
func (c *Client) streamOnce(ctx context.Context, fn func(Snapshot)) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/licenses/stream", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, &Error{StatusCode: resp.StatusCode, Code: "stream_unavailable"}
	}

	delivered := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(line[len("data: "):]), &snap); err != nil {
			continue
		}
		delivered++
		fn(snap)
	}
	if err := scanner.Err(); err != nil {
		return delivered, err
	}
	return delivered, io.EOF
}
