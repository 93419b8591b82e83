// ABOUTME: HTTP client for the image and file recognition services
// ABOUTME: Turns an image URL or document path into descriptive text

package recognize

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
)

// ErrNotConfigured is returned when no service URL is set.
var ErrNotConfigured = errors.New("recognition service not configured")

const maxErrorBody = 512

// Recognizer describes attachments as text.
type Recognizer interface {
	Image(ctx context.Context, imageURL, question string) (string, error)
	File(ctx context.Context, filePath, question string) (string, error)
}

type imageRequest struct {
	ImageURL string `json:"image_url"`
	Question string `json:"question"`
}

type fileRequest struct {
	FilePath string `json:"file_path"`
	Question string `json:"question"`
}

type recognizeResponse struct {
	Success bool    `json:"success"`
	Result  *string `json:"result"`
	Message string  `json:"message,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Client calls POST {baseURL}/image and POST {baseURL}/file.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client. An empty baseURL yields a client that
// always returns ErrNotConfigured.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a service URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Image describes the image at imageURL, guided by question.
func (c *Client) Image(ctx context.Context, imageURL, question string) (string, error) {
	return c.call(ctx, "/image", imageRequest{ImageURL: imageURL, Question: question})
}

// File summarises the document at filePath, guided by question.
func (c *Client) File(ctx context.Context, filePath, question string) (string, error) {
	return c.call(ctx, "/file", fileRequest{FilePath: filePath, Question: question})
}

func (c *Client) call(ctx context.Context, path string, payload any) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding %s response: %w", path, err)
	}
	if !out.Success {
		reason := out.Message
		if reason == "" {
			reason = out.Error
		}
		if reason == "" {
			reason = "success=false"
		}
		return "", fmt.Errorf("%s failed: %s", path, reason)
	}
	if out.Result == nil {
		return "", fmt.Errorf("%s response has no result", path)
	}
	return *out.Result, nil
}

var _ Recognizer = (*Client)(nil)
