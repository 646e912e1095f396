package client

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
)

// Client provides typed access to the voicetodo API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
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

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any, headers ...string) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] != "" {
			req.Header.Set(headers[i], headers[i+1])
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
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

// Task mirrors the API task payload.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority"`
	Completed   bool       `json:"completed"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateTaskInput describes a new task. Due accepts phrases like "tomorrow".
type CreateTaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Due         string `json:"due,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// UpdateTaskInput carries optional task changes.
type UpdateTaskInput struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Due         *string `json:"due,omitempty"`
	ClearDue    bool    `json:"clear_due,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
}

// ListTasksInput filters ListTasks.
type ListTasksInput struct {
	Status  string
	Limit   int
	Overdue bool
}

// ListTasks returns tasks matching the filter.
func (c *Client) ListTasks(ctx context.Context, input ListTasksInput) ([]Task, error) {
	query := url.Values{}
	if input.Status != "" {
		query.Set("status", input.Status)
	}
	if input.Limit > 0 {
		query.Set("limit", strconv.Itoa(input.Limit))
	}
	if input.Overdue {
		query.Set("overdue", "true")
	}
	path := "/tasks"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, path, nil, "", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTask adds a task.
func (c *Client) CreateTask(ctx context.Context, input CreateTaskInput) (Task, error) {
	var created Task
	err := c.do(ctx, http.MethodPost, "/tasks", input, "", &created)
	return created, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var found Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, "", &found)
	return found, err
}

// UpdateTask patches a task.
func (c *Client) UpdateTask(ctx context.Context, id string, input UpdateTaskInput) (Task, error) {
	var updated Task
	err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id), input, "", &updated)
	return updated, err
}

// CompleteTask marks a task done.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var done Task
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/complete", nil, "", &done)
	return done, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, "", nil)
}

// ConnectInput requests a voice session.
type ConnectInput struct {
	Room     string `json:"room,omitempty"`
	Identity string `json:"identity,omitempty"`
	Name     string `json:"name,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Client   string `json:"client,omitempty"`
}

// Session is the join information for a voice session.
type Session struct {
	Room       string `json:"room"`
	Identity   string `json:"identity"`
	DispatchID string `json:"dispatch_id"`
	Reused     bool   `json:"reused"`
	Token      string `json:"token"`
	URL        string `json:"url"`
}

// SessionStatus reports a room's agent dispatch.
type SessionStatus struct {
	Room             string     `json:"room"`
	HasAgent         bool       `json:"has_agent"`
	DispatchID       string     `json:"dispatch_id,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	ParticipantCount *int       `json:"participant_count,omitempty"`
	TTLExpiresAt     *time.Time `json:"ttl_expires_at,omitempty"`
}

// Connect starts or joins a voice session.
func (c *Client) Connect(ctx context.Context, input ConnectInput) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/sessions/connect", input, "", &session)
	return session, err
}

// SessionStatus returns the agent status of room.
func (c *Client) SessionStatus(ctx context.Context, room string) (SessionStatus, error) {
	var status SessionStatus
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(room)+"/status", nil, "", &status)
	return status, err
}

// Disconnect releases room's agent dispatch.
func (c *Client) Disconnect(ctx context.Context, room string) (SessionStatus, error) {
	var status SessionStatus
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(room)+"/disconnect", nil, "", &status)
	return status, err
}

// CommandResult is the assistant's answer to a text command.
type CommandResult struct {
	Reply string `json:"reply"`
	Calls []struct {
		Name  string `json:"name"`
		Error string `json:"error,omitempty"`
	} `json:"calls"`
}

// Command sends a text command to the assistant.
func (c *Client) Command(ctx context.Context, text, timezone string) (CommandResult, error) {
	var result CommandResult
	payload := map[string]string{"text": text, "timezone": timezone}
	err := c.do(ctx, http.MethodPost, "/assistant/command", payload, "", &result)
	return result, err
}

// ExecuteTool runs one assistant tool on behalf of the voice agent worker.
func (c *Client) ExecuteTool(ctx context.Context, agentToken, room, name string, args map[string]any, timezone string) (map[string]any, error) {
	var resp struct {
		Result map[string]any `json:"result"`
	}
	payload := map[string]any{"args": args, "timezone": timezone}
	if err := c.do(ctx, http.MethodPost, "/assistant/tools/"+url.PathEscape(name), payload, agentToken, &resp, "X-Room", room); err != nil {
		return nil, err
	}
	return resp.Result, nil
}
