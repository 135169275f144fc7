// Package image generates illustrations and re-hosts them on an image host.
package image

import (
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

// ErrNoImage is returned when the generation response carries no image
var ErrNoImage = errors.New("no image returned")

// GeneratorConfig holds image generation endpoint settings
type GeneratorConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Size    string
	Timeout time.Duration
	Logger  *logger.Logger
}

// Generator implements capability.ImageGenerator against /images/generations
type Generator struct {
	baseURL    string
	apiKey     string
	model      string
	size       string
	httpClient *http.Client
	logger     *logger.Logger
}

var _ capability.ImageGenerator = (*Generator)(nil)

// NewGenerator creates an image generation client
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Model == "" {
		cfg.Model = "dall-e-3"
	}
	if cfg.Size == "" {
		cfg.Size = "1024x1024"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &Generator{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		size:       cfg.Size,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger.WithComponent("image"),
	}
}

type generationRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	N       int    `json:"n"`
}

type generationResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate returns the URL of a freshly generated image
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generationRequest{
		Model:   g.model,
		Prompt:  prompt,
		Size:    g.size,
		Quality: "standard",
		N:       1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	g.logger.Debug("Requesting image", logger.Fields{
		"model": g.model,
	})

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image request failed with status %d: %s", resp.StatusCode, string(data))
	}

	var out generationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("API error: %s", out.Error.Message)
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return "", ErrNoImage
	}
	return out.Data[0].URL, nil
}
