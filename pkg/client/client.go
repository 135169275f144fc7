// Package client is a Go client for the innoweaver HTTP API.
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

// Config holds client configuration
type Config struct {
	BaseURL string
	Token   string

	// Bounds a whole request; drawing may legitimately run for minutes
	Timeout time.Duration

	HTTPClient *http.Client
}

// Client calls the stage pipeline and account endpoints
type Client struct {
	config Config
	http   *http.Client
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Stage      string `json:"stage"`
	TaskID     string `json:"task_id"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s stage failed (%d): %s", e.Stage, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// StageResult is the reply of a non-final stage
type StageResult struct {
	Status   string                 `json:"status"`
	TaskID   string                 `json:"task_id"`
	Progress int                    `json:"progress"`
	Solution map[string]interface{} `json:"solution,omitempty"`
}

// Status is the poll view of a task
type Status struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// User is the account returned by Login
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	UserType string `json:"user_type"`
}

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatDelta is one streamed piece of a chat reply
type ChatDelta struct {
	Delta   string `json:"delta"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// New creates a new client instance
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Timeout == 0 {
		config.Timeout = 15 * time.Minute
	}

	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		config: config,
		http:   hc,
	}, nil
}

// SetToken replaces the bearer token used for later calls
func (c *Client) SetToken(token string) {
	c.config.Token = token
}

// Login exchanges a password for a token and keeps it for later calls
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/login", body, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return &resp.User, nil
}

// SetAPIKey stores the completion credentials used for the caller's stages
func (c *Client) SetAPIKey(ctx context.Context, apiKey, apiURL, model string) error {
	body := map[string]string{"api_key": apiKey, "api_url": apiURL, "model_name": model}
	return c.do(ctx, http.MethodPost, "/api/user/api_key", body, nil)
}

// APICheck is the outcome of TestAPIKey
type APICheck struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Response  string `json:"response,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// TestAPIKey checks completion credentials without storing them. Empty url
// or model fall back to the stored ones.
func (c *Client) TestAPIKey(ctx context.Context, apiKey, apiURL, model string) (*APICheck, error) {
	var out APICheck
	body := map[string]string{"api_key": apiKey, "api_url": apiURL, "model_name": model}
	if err := c.do(ctx, http.MethodPost, "/api/user/test_api", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeQuery turns a design query into the analysis Initialize takes
func (c *Client) AnalyzeQuery(ctx context.Context, query, designDoc string) (map[string]interface{}, error) {
	var out map[string]interface{}
	body := map[string]string{"query": query, "design_doc": designDoc}
	if err := c.do(ctx, http.MethodPost, "/api/query", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExtractKnowledge summarises a paper's text
func (c *Client) ExtractKnowledge(ctx context.Context, paper string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodPost, "/api/knowledge_extraction", map[string]string{"paper": paper}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Initialize starts a task from a query analysis
func (c *Client) Initialize(ctx context.Context, analysis map[string]interface{}) (*StageResult, error) {
	var out StageResult
	if err := c.do(ctx, http.MethodPost, "/api/complete/initialize", map[string]interface{}{"data": analysis}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stage runs a stage that only takes a task id
func (c *Client) Stage(ctx context.Context, stage, taskID string) (*StageResult, error) {
	var out StageResult
	if err := c.do(ctx, http.MethodPost, "/api/complete/"+stage, map[string]string{"task_id": taskID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Papers adds the named papers to the task's retrieval results
func (c *Client) Papers(ctx context.Context, taskID string, paperIDs []string) (*StageResult, error) {
	var out StageResult
	body := map[string]interface{}{"task_id": taskID, "paper_ids": paperIDs}
	if err := c.do(ctx, http.MethodPost, "/api/complete/paper", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Examples appends stored solutions to the task's retrieval results
func (c *Client) Examples(ctx context.Context, taskID string, solutionIDs []string) (*StageResult, error) {
	ids, err := json.Marshal(solutionIDs)
	if err != nil {
		return nil, err
	}
	var out StageResult
	body := map[string]string{"task_id": taskID, "data": string(ids)}
	if err := c.do(ctx, http.MethodPost, "/api/complete/example", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Final returns the assembled result. The task is gone afterwards.
func (c *Client) Final(ctx context.Context, taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodPost, "/api/complete/final", map[string]string{"task_id": taskID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatus polls a task
func (c *Client) GetStatus(ctx context.Context, taskID string) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/complete/status/"+taskID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunOptions selects the optional stages of Run
type RunOptions struct {
	PaperIDs    []string
	SolutionIDs []string
	Draw        bool

	// Called after every successful stage
	OnStage func(stage string, res *StageResult)
}

// Run drives a task through the standard stage order and returns the
// final body
func (c *Client) Run(ctx context.Context, analysis map[string]interface{}, opts RunOptions) (map[string]interface{}, error) {
	res, err := c.Initialize(ctx, analysis)
	if err != nil {
		return nil, err
	}
	taskID := res.TaskID
	notify := func(stage string, r *StageResult) {
		if opts.OnStage != nil {
			opts.OnStage(stage, r)
		}
	}
	notify("initialize", res)

	steps := []struct {
		stage string
		run   func() (*StageResult, error)
	}{
		{"rag", func() (*StageResult, error) { return c.Stage(ctx, "rag", taskID) }},
		{"paper", func() (*StageResult, error) { return c.Papers(ctx, taskID, opts.PaperIDs) }},
		{"example", func() (*StageResult, error) { return c.Examples(ctx, taskID, opts.SolutionIDs) }},
		{"domain", func() (*StageResult, error) { return c.Stage(ctx, "domain", taskID) }},
		{"interdisciplinary", func() (*StageResult, error) { return c.Stage(ctx, "interdisciplinary", taskID) }},
		{"evaluation", func() (*StageResult, error) { return c.Stage(ctx, "evaluation", taskID) }},
		{"drawing", func() (*StageResult, error) { return c.Stage(ctx, "drawing", taskID) }},
	}
	for _, step := range steps {
		switch {
		case step.stage == "paper" && len(opts.PaperIDs) == 0,
			step.stage == "example" && len(opts.SolutionIDs) == 0,
			step.stage == "drawing" && !opts.Draw:
			continue
		}
		r, err := step.run()
		if err != nil {
			return nil, err
		}
		notify(step.stage, r)
	}

	return c.Final(ctx, taskID)
}

// Chat sends one chat turn and returns the parsed reply
func (c *Client) Chat(ctx context.Context, inspirationID, message string, history []Message) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodPost, "/api/inspiration/chat", chatBody(inspirationID, message, history, false), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatStream sends one chat turn and calls fn for every delta. A stream
// error frame is returned as an error.
func (c *Client) ChatStream(ctx context.Context, inspirationID, message string, history []Message, fn func(ChatDelta)) error {
	resp, err := c.send(ctx, http.MethodPost, "/api/inspiration/chat", chatBody(inspirationID, message, history, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var d ChatDelta
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &d); err != nil {
			return fmt.Errorf("failed to decode stream frame: %w", err)
		}
		if d.Error != "" {
			return errors.New(d.Error)
		}
		fn(d)
	}
	return scanner.Err()
}

func chatBody(inspirationID, message string, history []Message, stream bool) map[string]interface{} {
	body := map[string]interface{}{
		"inspiration_id": inspirationID,
		"new_message":    message,
		"stream":         stream,
	}
	if len(history) > 0 {
		body["chat_history"] = history
	}
	return body
}

// Metrics returns the server's metrics snapshot
func (c *Client) Metrics(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/metrics", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports whether the server and its store are reachable
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// send performs the request and turns non-2xx replies into *APIError
func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return nil, apiErr
}
