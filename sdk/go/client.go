// Package vibeflowsdk is a minimal Vibeflow HTTP API client for
// dashboards and automation scripts.
package vibeflowsdk

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

// Client is a minimal Vibeflow HTTP API client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Overview        string  `json:"overview,omitempty"`
	Monetization    string  `json:"monetization,omitempty"`
	Target          string  `json:"target,omitempty"`
	Difficulty      string  `json:"difficulty,omitempty"`
	Type            string  `json:"type,omitempty"`
	Status          string  `json:"status"`
	IsProcessing    bool    `json:"is_processing"`
	FeedbackComment *string `json:"feedback_comment,omitempty"`
	DirectoryName   *string `json:"directory_name,omitempty"`
	ReviewURL       *string `json:"review_url,omitempty"`
	Deadline        *string `json:"deadline,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask seeds a new idea; empty status means draft.
func (c *Client) CreateTask(ctx context.Context, title, overview, status string) (Task, error) {
	body := map[string]any{"title": title}
	if overview != "" {
		body["overview"] = overview
	}
	if status != "" {
		body["status"] = status
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// Tasks lists tasks, optionally filtered to comma-separated statuses.
func (c *Client) Tasks(ctx context.Context, status string, limit int) ([]Task, error) {
	endpoint := "v0/tasks"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tasks, err
}

// Task fetches one task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetStatus writes a status, the human side of the lifecycle. A
// feedback comment can ride along with feedback_pending.
func (c *Client) SetStatus(ctx context.Context, id, status, feedbackComment string) (Task, error) {
	body := map[string]any{"status": status}
	if feedbackComment != "" {
		body["feedback_comment"] = feedbackComment
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Approve greenlights an idea for provisioning.
func (c *Client) Approve(ctx context.Context, id string) (Task, error) {
	return c.SetStatus(ctx, id, "approved", "")
}

// Reject declines an idea; the planner cleans up after it.
func (c *Client) Reject(ctx context.Context, id string) (Task, error) {
	return c.SetStatus(ctx, id, "rejected", "")
}

// RequestChanges leaves revision instructions on an idea.
func (c *Client) RequestChanges(ctx context.Context, id, comment string) (Task, error) {
	return c.SetStatus(ctx, id, "feedback_pending", comment)
}

// StartDevelopment hands a designed idea to the build pipeline.
func (c *Client) StartDevelopment(ctx context.Context, id string) (Task, error) {
	return c.SetStatus(ctx, id, "development_started", "")
}

// Trigger fires a webhook action (draft, approved, or build).
func (c *Client) Trigger(ctx context.Context, action, taskID string) error {
	body := map[string]any{"action": action, "task_id": taskID}
	return c.do(ctx, http.MethodPost, "v0/webhook", body, nil)
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
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
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
	return strings.TrimRight(c.BaseURL, "/")
}
