// Package llm is a chat-completion client for OpenAI-compatible endpoints.
package llm

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

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
)

// ErrNoCredentials is returned when neither the caller nor the config
// supplies an API key
var ErrNoCredentials = errors.New("llm api key not configured")

// Config holds default endpoint settings
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *logger.Logger
}

// Client implements capability.Completer
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logger.Logger
}

var _ capability.Completer = (*Client)(nil)

// NewClient creates a completion client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		// deadlines come from the request context so streams are not cut short
		httpClient: &http.Client{},
		logger:     cfg.Logger.WithComponent("llm"),
	}
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []capability.Message `json:"messages"`
	Stream   bool                 `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message *capability.Message `json:"message,omitempty"`
		Delta   *struct {
			Content string `json:"content"`
		} `json:"delta,omitempty"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type endpoint struct {
	baseURL string
	apiKey  string
	model   string
}

func (c *Client) resolve(creds capability.Credentials) (endpoint, error) {
	ep := endpoint{baseURL: c.baseURL, apiKey: c.apiKey, model: c.model}
	if creds.BaseURL != "" {
		ep.baseURL = strings.TrimRight(creds.BaseURL, "/")
	}
	if creds.APIKey != "" {
		ep.apiKey = creds.APIKey
	}
	if creds.Model != "" {
		ep.model = creds.Model
	}
	if ep.apiKey == "" {
		return ep, ErrNoCredentials
	}
	return ep, nil
}

func (c *Client) newRequest(ctx context.Context, ep endpoint, msgs []capability.Message, stream bool) (*http.Request, error) {
	body, err := json.Marshal(chatRequest{Model: ep.model, Messages: msgs, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ep.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// Complete returns the full assistant reply
func (c *Client) Complete(ctx context.Context, in capability.CompletionRequest) (string, error) {
	ep, err := c.resolve(in.Credentials)
	if err != nil {
		return "", err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	req, err := c.newRequest(ctx, ep, in.Messages, false)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion failed with status %d: %s", resp.StatusCode, string(data))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("API error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message == nil {
		return "", fmt.Errorf("no completion returned")
	}

	content := out.Choices[0].Message.Content
	c.logger.Debug("Completion finished", logger.Fields{
		"model":    ep.model,
		"duration": time.Since(start).String(),
		"length":   len(content),
	})
	return content, nil
}

// Stream sends content deltas as they arrive. The stream ends at the
// [DONE] sentinel, at end of body, or when ctx is cancelled.
func (c *Client) Stream(ctx context.Context, in capability.CompletionRequest) (<-chan string, <-chan error) {
	contentCh := make(chan string, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		ep, err := c.resolve(in.Credentials)
		if err != nil {
			errCh <- err
			return
		}

		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		start := time.Now()
		req, err := c.newRequest(ctx, ep, in.Messages, true)
		if err != nil {
			errCh <- err
			return
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errCh <- fmt.Errorf("stream request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			errCh <- fmt.Errorf("stream failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return
		}

		// Closing the body unblocks the scanner on cancellation
		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()

		if err := c.readStream(ctx, resp.Body, contentCh); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			c.logger.Warn("Stream ended with error", logger.Fields{
				"model":    ep.model,
				"duration": time.Since(start).String(),
				"error":    err,
			})
			errCh <- err
			return
		}

		c.logger.Debug("Stream finished", logger.Fields{
			"model":    ep.model,
			"duration": time.Since(start).String(),
		})
	}()

	return contentCh, errCh
}

func (c *Client) readStream(ctx context.Context, body io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skipping undecodable chunk", logger.Fields{"error": err})
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		select {
		case out <- chunk.Choices[0].Delta.Content:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return ctx.Err()
}
