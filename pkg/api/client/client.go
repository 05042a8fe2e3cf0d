// Package client provides typed access to a callwatch monitor's HTTP surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to one monitor instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	token      string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sends a bearer token on operator requests such as Clear.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided monitor base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4100"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid monitor base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the monitor.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("monitor request failed with status %d", e.Status)
	}
	return fmt.Sprintf("monitor request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Aggregate is one row of the monitor's aggregate table.
type Aggregate struct {
	Backend    string    `json:"backend"`
	Endpoint   string    `json:"endpoint"`
	Page       string    `json:"page"`
	User       string    `json:"user"`
	Count      int64     `json:"count"`
	ErrorCount int64     `json:"error_count"`
	TotalTime  float64   `json:"total_time"`
	AvgTime    float64   `json:"avg_time"`
	LastTime   float64   `json:"last_time"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is a shared call record as stored by every instance.
type Event struct {
	ID        string    `json:"id"`
	PCName    string    `json:"pc_name"`
	Backend   string    `json:"backend"`
	Endpoint  string    `json:"endpoint"`
	Page      string    `json:"page,omitempty"`
	UserName  string    `json:"user_name"`
	Status    string    `json:"status"`
	Duration  float64   `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary carries the monitor's headline counters.
type Summary struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalErrors      int64   `json:"total_errors"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	Endpoints        int     `json:"endpoints"`
	InFlight         int64   `json:"in_flight"`
	RealtimeState    string  `json:"realtime_state"`
}

// Aggregates returns the aggregate table in first-seen order.
func (c *Client) Aggregates(ctx context.Context) ([]Aggregate, error) {
	var rows []Aggregate
	if err := c.do(ctx, http.MethodGet, "/monitor/aggregates", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Summary fetches the headline counters.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var summary Summary
	if err := c.do(ctx, http.MethodGet, "/monitor/summary", nil, &summary); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// Export streams the JSON export document into w.
func (c *Client) Export(ctx context.Context, w io.Writer) error {
	resp, err := c.request(ctx, http.MethodGet, "/monitor/export", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("copy export: %w", err)
	}
	return nil
}

// Clear asks the monitor to drop its local state and the shared store.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/monitor/clear", nil, nil)
}

// Recent queries the shared store for events from the last windowMinutes. Zero values use
// the monitor's defaults.
func (c *Client) Recent(ctx context.Context, windowMinutes, limit int) ([]Event, error) {
	query := url.Values{}
	if windowMinutes > 0 {
		query.Set("window", fmt.Sprint(windowMinutes))
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	path := "/monitor/realtime"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var events []Event
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// History returns the monitor's cached realtime history, newest first.
func (c *Client) History(ctx context.Context) ([]Event, error) {
	var events []Event
	if err := c.do(ctx, http.MethodGet, "/monitor/history", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Frame is one message of the live stream.
type Frame struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	SentAt time.Time       `json:"sent_at"`
}

// Tail follows the live websocket stream, handing each frame to fn until ctx ends, the
// connection drops or fn returns an error.
func (c *Client) Tail(ctx context.Context, fn func(Frame) error) error {
	endpoint := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/monitor"
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}
