package ridelinesdk

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
)

// Client is a minimal rideline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "v0",
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

type Link struct {
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// Row represents the API row model.
type Row struct {
	ID        string   `json:"id"`
	Position  int      `json:"position"`
	StartDate string   `json:"start_date,omitempty"`
	StartTime string   `json:"start_time,omitempty"`
	Group     string   `json:"group,omitempty"`
	Route     Link     `json:"route"`
	Ride      Link     `json:"ride"`
	Leaders   []string `json:"leaders,omitempty"`
	Location  string   `json:"location,omitempty"`
	Address   string   `json:"address,omitempty"`
	State     string   `json:"state"`
}

type NewRow struct {
	StartDate string   `json:"start_date"`
	StartTime string   `json:"start_time,omitempty"`
	Group     string   `json:"group,omitempty"`
	RouteURL  string   `json:"route_url,omitempty"`
	RouteName string   `json:"route_name,omitempty"`
	Leaders   []string `json:"leaders,omitempty"`
	Location  string   `json:"location,omitempty"`
	Address   string   `json:"address,omitempty"`
}

type RowIssues struct {
	ID       string   `json:"id"`
	Position int      `json:"position"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type RowFailure struct {
	ID          string `json:"id"`
	Position    int    `json:"position"`
	Error       string `json:"error"`
	QueuedRetry string `json:"queued_retry,omitempty"`
}

// CommandResult is the outcome of one ride command.
type CommandResult struct {
	Command  string       `json:"command"`
	Aborted  bool         `json:"aborted"`
	Applied  []Row        `json:"applied"`
	Blocked  []RowIssues  `json:"blocked"`
	Warned   []RowIssues  `json:"warned"`
	Failed   []RowFailure `json:"failed"`
	Messages []string     `json:"messages"`
}

type RetryItem struct {
	ID            string         `json:"id"`
	OperationType string         `json:"operation_type"`
	RowID         string         `json:"row_id,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	NextRetryAt   time.Time      `json:"next_retry_at"`
	AttemptCount  int            `json:"attempt_count"`
	LastError     string         `json:"last_error,omitempty"`
}

type RetryStats struct {
	Total  int `json:"total"`
	DueNow int `json:"due_now"`
	ByAge  struct {
		UnderHour int `json:"under_1h"`
		UnderDay  int `json:"under_24h"`
		DayOrMore int `json:"over_24h"`
	} `json:"by_age"`
	Oldest   *time.Time `json:"oldest_enqueued_at,omitempty"`
	NextDue  *time.Time `json:"next_retry_at,omitempty"`
	Attempts int        `json:"attempts"`
}

// RetryPass lists what one server-side retry pass did.
type RetryPass struct {
	Succeeded   []RetryItem `json:"succeeded"`
	Rescheduled []RetryItem `json:"rescheduled"`
	Expired     []RetryItem `json:"expired"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// Rows lists rows, optionally filtered by state.
func (c *Client) Rows(ctx context.Context, state string) ([]Row, error) {
	endpoint := "rows"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []Row
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Row fetches a row by id or position.
func (c *Client) Row(ctx context.Context, ref string) (Row, error) {
	var resp Row
	err := c.do(ctx, http.MethodGet, "rows/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

func (c *Client) AddRow(ctx context.Context, row NewRow) (Row, error) {
	var resp Row
	err := c.do(ctx, http.MethodPost, "rows", row, &resp)
	return resp, err
}

// RunCommand applies schedule, cancel, reinstate, unschedule or update to
// the referenced rows.
func (c *Client) RunCommand(ctx context.Context, command string, refs []string, force bool) (CommandResult, error) {
	body := map[string]any{"rows": refs, "force": force}
	var resp CommandResult
	err := c.do(ctx, http.MethodPost, "rides/"+url.PathEscape(command), body, &resp)
	return resp, err
}

func (c *Client) RetryItems(ctx context.Context) ([]RetryItem, error) {
	var resp []RetryItem
	err := c.do(ctx, http.MethodGet, "retry/items", nil, &resp)
	return resp, err
}

func (c *Client) RetryStats(ctx context.Context) (RetryStats, error) {
	var resp RetryStats
	err := c.do(ctx, http.MethodGet, "retry/stats", nil, &resp)
	return resp, err
}

// ProcessRetries asks the server to run one retry pass now.
func (c *Client) ProcessRetries(ctx context.Context) (RetryPass, error) {
	var resp RetryPass
	err := c.do(ctx, http.MethodPost, "retry/process", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
