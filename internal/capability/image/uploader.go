package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	stdimage "image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	// decoders for generated images
	_ "image/gif"
	_ "image/png"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/google/uuid"
)

const maxImageBytes = 32 << 20

// UploaderConfig holds image host settings
type UploaderConfig struct {
	UploadURL   string
	APIKey      string
	JPEGQuality int
	Timeout     time.Duration
	Logger      *logger.Logger
}

// Uploader implements capability.ImageUploader for SM.MS-style hosts
type Uploader struct {
	uploadURL  string
	apiKey     string
	quality    int
	httpClient *http.Client
	logger     *logger.Logger
}

var _ capability.ImageUploader = (*Uploader)(nil)

// NewUploader creates an uploader
func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.UploadURL == "" {
		cfg.UploadURL = "https://sm.ms/api/v2/upload"
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &Uploader{
		uploadURL:  cfg.UploadURL,
		apiKey:     cfg.APIKey,
		quality:    cfg.JPEGQuality,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger.WithComponent("image"),
	}
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// an object on success; some hosts send a string or nothing otherwise
	Data json.RawMessage `json:"data"`
	// set instead of data when the host already has this image
	Images string `json:"images"`
}

// Upload downloads imageURL, re-encodes it as JPEG and posts it to the host
func (u *Uploader) Upload(ctx context.Context, imageURL string) (string, string, error) {
	raw, err := u.download(ctx, imageURL)
	if err != nil {
		return "", "", err
	}

	encoded, err := u.reencode(raw)
	if err != nil {
		return "", "", err
	}

	name := uuid.New().String()
	url, err := u.post(ctx, name, encoded)
	if err != nil {
		return "", "", err
	}

	u.logger.Debug("Image uploaded", logger.Fields{
		"name":  name,
		"bytes": len(encoded),
	})
	return url, name, nil
}

func (u *Uploader) download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

func (u *Uploader) reencode(raw []byte) ([]byte, error) {
	img, format, err := stdimage.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: u.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode %s image as jpeg: %w", format, err)
	}
	return buf.Bytes(), nil
}

func (u *Uploader) post(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("smfile", name+".jpg")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.apiKey != "" {
		req.Header.Set("Authorization", u.apiKey)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("image upload failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image upload failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var out uploadResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}

	if out.Success {
		var data struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(out.Data, &data); err == nil && data.URL != "" {
			return data.URL, nil
		}
	}

	switch {
	case out.Code == "image_repeated" && out.Images != "":
		return out.Images, nil
	default:
		return "", fmt.Errorf("image upload rejected: %s", out.Message)
	}
}
