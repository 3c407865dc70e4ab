package sitesyncsdk

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

// Client is a minimal Sitesync HTTP API client for field apps and tooling.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Action is one queued offline action. ID must be stable across retries.
type Action struct {
	ID         string         `json:"id"`
	ActionType string         `json:"action_type"`
	EntityType string         `json:"entity_type,omitempty"`
	ProjectID  string         `json:"project_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

type AppliedAction struct {
	ActionID   string         `json:"action_id"`
	ActionType string         `json:"action_type"`
	EntityID   string         `json:"entity_id"`
	Data       map[string]any `json:"data,omitempty"`
}

type RejectedAction struct {
	ID         string `json:"id"`
	ActionType string `json:"action_type"`
	Reason     string `json:"reason"`
}

type SkippedAction struct {
	ID         string         `json:"id"`
	ActionType string         `json:"action_type"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason"`
	EntityID   string         `json:"entity_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type Summary struct {
	Total         int `json:"total"`
	AppliedCount  int `json:"applied_count"`
	RejectedCount int `json:"rejected_count"`
	SkippedCount  int `json:"skipped_count"`
}

type BatchResult struct {
	Applied  []AppliedAction  `json:"applied"`
	Rejected []RejectedAction `json:"rejected"`
	Skipped  []SkippedAction  `json:"skipped"`
	Summary  Summary          `json:"summary"`
}

// Done returns the ids the client may drop from its outbound queue.
func (r BatchResult) Done() []string {
	ids := make([]string, 0, len(r.Applied)+len(r.Skipped))
	for _, a := range r.Applied {
		ids = append(ids, a.ActionID)
	}
	for _, s := range r.Skipped {
		ids = append(ids, s.ID)
	}
	return ids
}

type Location struct {
	ID        string   `json:"id,omitempty"`
	ProjectID string   `json:"project_id"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type AttendanceResult struct {
	Success      bool     `json:"success"`
	AttendanceID string   `json:"attendance_id,omitempty"`
	SyncStatus   string   `json:"sync_status"`
	Error        string   `json:"error,omitempty"`
	WorkHours    *float64 `json:"work_hours,omitempty"`
}

type ActionStatus struct {
	ActionID    string         `json:"action_id"`
	ActionType  string         `json:"action_type"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id,omitempty"`
	Status      string         `json:"status"`
	ActorID     string         `json:"actor_id"`
	ProjectID   string         `json:"project_id"`
	Reason      string         `json:"reason,omitempty"`
	ProcessedAt string         `json:"processed_at"`
	Data        map[string]any `json:"data,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// UploadBatch sends actions through the generic channel.
func (c *Client) UploadBatch(ctx context.Context, actions []Action) (BatchResult, error) {
	return c.upload(ctx, "v0/sync/batch", actions)
}

// UploadLabourBatch sends actions through the labour channel.
func (c *Client) UploadLabourBatch(ctx context.Context, actions []Action) (BatchResult, error) {
	return c.upload(ctx, "v0/sync/labour/batch", actions)
}

// UploadEngineerBatch sends actions through the site engineer channel.
func (c *Client) UploadEngineerBatch(ctx context.Context, actions []Action) (BatchResult, error) {
	return c.upload(ctx, "v0/sync/engineer/batch", actions)
}

func (c *Client) upload(ctx context.Context, endpoint string, actions []Action) (BatchResult, error) {
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"actions": actions}, &resp)
	return resp, err
}

func (c *Client) CheckIn(ctx context.Context, loc Location) (AttendanceResult, error) {
	var resp AttendanceResult
	err := c.do(ctx, http.MethodPost, "v0/attendance/check-in", loc, &resp)
	return resp, err
}

func (c *Client) CheckOut(ctx context.Context, loc Location) (AttendanceResult, error) {
	var resp AttendanceResult
	err := c.do(ctx, http.MethodPost, "v0/attendance/check-out", loc, &resp)
	return resp, err
}

// ActionStatus fetches the ledger entry for an uploaded action.
func (c *Client) ActionStatus(ctx context.Context, actionID string) (ActionStatus, error) {
	var resp ActionStatus
	err := c.do(ctx, http.MethodGet, "v0/sync/actions/"+url.PathEscape(actionID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
