package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/threadline-dev/threadline/internal/history"
)

// Client talks to a threadlined API server. Used by the threadline CLI.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. apiKey may be empty.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// apiError is the JSON error payload every endpoint returns on failure.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Health checks that the server is responding.
func (c *Client) Health() error {
	var resp map[string]string
	return c.get("/api/health", nil, &resp)
}

// ListSessionsResult is the response of ListSessions.
type ListSessionsResult struct {
	Sessions []*history.SessionSummary `json:"sessions"`
	Total    int                       `json:"total"`
}

// ListSessions queries session summaries with the given filter.
func (c *Client) ListSessions(f history.SessionFilter) (*ListSessionsResult, error) {
	q := url.Values{}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	if f.Name != "" {
		q.Set("name", f.Name)
	}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Tool != "" {
		q.Set("tool", f.Tool)
	}
	if f.MinTokens > 0 {
		q.Set("min_tokens", strconv.Itoa(f.MinTokens))
	}
	if !f.After.IsZero() {
		q.Set("after", f.After.Format(time.RFC3339))
	}
	if !f.Before.IsZero() {
		q.Set("before", f.Before.Format(time.RFC3339))
	}
	if f.SortBy != "" {
		q.Set("sort", f.SortBy)
	}
	if !f.Desc {
		q.Set("order", "asc")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}

	var out ListSessionsResult
	if err := c.get("/api/sessions", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession fetches one session's full record.
func (c *Client) GetSession(id string) (*history.Session, error) {
	var out history.Session
	if err := c.get("/api/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessagesResult is the response of GetMessages.
type GetMessagesResult struct {
	Messages []*history.Message `json:"messages"`
	Total    int                `json:"total"`
}

// GetMessages fetches a session's transcript.
func (c *Client) GetMessages(id string, f history.MessageFilter) (*GetMessagesResult, error) {
	q := url.Values{}
	if f.Role != "" {
		q.Set("role", f.Role)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}

	var out GetMessagesResult
	if err := c.get("/api/sessions/"+url.PathEscape(id)+"/messages", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeResult is the response of ResumeSession.
type ResumeResult struct {
	SessionID        string `json:"session_id"`
	State            string `json:"state"`
	Resumed          bool   `json:"resumed"`
	BackendSessionID string `json:"backend_session_id,omitempty"`
}

// ResumeSession asks the server to bring a session back into the live
// registry. Terminal sessions report Resumed=false.
func (c *Client) ResumeSession(id string) (*ResumeResult, error) {
	var out ResumeResult
	if err := c.do(http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSession removes a session and its history. Returns whether anything
// was actually deleted.
func (c *Client) DeleteSession(id string) (bool, error) {
	var out struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do(http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return false, err
	}
	return out.Deleted, nil
}

// RenameSession sets a session's display name.
func (c *Client) RenameSession(id, name string) error {
	body := map[string]string{"name": name}
	return c.do(http.MethodPut, "/api/sessions/"+url.PathEscape(id)+"/name", body, nil)
}

func (c *Client) get(path string, q url.Values, out any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.do(http.MethodGet, path, nil, out)
}

func (c *Client) do(method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("request failed: status %d", resp.StatusCode)
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
