// ABOUTME: HTTP client for the entity-extraction service
// ABOUTME: Finds disease and drug mentions in a finished answer text

package entity

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
var ErrNotConfigured = errors.New("entity service not configured")

// maxErrorBody bounds how much of a failed response ends up in an error.
const maxErrorBody = 512

// Entities is the recognised data block. Entries are kept as raw JSON so
// whatever the service attaches (overviews, ids, match words) reaches the
// client unchanged.
type Entities struct {
	Diseases []json.RawMessage `json:"diseases"`
	Drugs    []json.RawMessage `json:"drugs"`
}

// Empty reports whether nothing was recognised.
func (e *Entities) Empty() bool {
	return e == nil || (len(e.Diseases) == 0 && len(e.Drugs) == 0)
}

// Extractor finds entities in text.
type Extractor interface {
	Extract(ctx context.Context, content string) (*Entities, error)
}

type extractRequest struct {
	Content string `json:"content"`
	MatchDB bool   `json:"match_db"`
}

type extractResponse struct {
	Code int      `json:"code"`
	Msg  string   `json:"msg"`
	Data Entities `json:"data"`
}

// Client calls POST {baseURL}/api/entity_indentify.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client. An empty baseURL yields a client whose
// Extract always returns ErrNotConfigured.
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

// Extract sends content to the service and returns what it matched.
func (c *Client) Extract(ctx context.Context, content string) (*Entities, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(extractRequest{Content: content, MatchDB: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/entity_indentify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling entity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("entity service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if out.Msg != "success" {
		return nil, fmt.Errorf("entity service reported %q (code %d)", out.Msg, out.Code)
	}
	return &out.Data, nil
}

var _ Extractor = (*Client)(nil)
