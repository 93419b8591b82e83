// ABOUTME: HTTP client that starts an agent turn and reads its SSE event stream
// ABOUTME: Also formats SSE frames so test agents can speak the same protocol

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/coven-relay/internal/wire"
)

// maxEventSize bounds a single SSE line. Tool outputs can be large.
const maxEventSize = 4 << 20

// Request starts one agent turn.
type Request struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Question  string         `json:"question"`
	History   []wire.Message `json:"history"`
	Tools     []string       `json:"tools,omitempty"`
}

// Handler receives each event in stream order. Returning an error stops
// the stream and is returned from Stream.
type Handler func(Event) error

// Streamer runs agent turns.
type Streamer interface {
	Stream(ctx context.Context, req *Request, handle Handler) error
}

// Client talks to one agent over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the agent at baseURL. The turn deadline
// comes from the caller's context, so the HTTP client has no timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Stream POSTs req to {baseURL}/stream and feeds every event to handle.
// A stream that ends without a final event returns nil.
func (c *Client) Stream(ctx context.Context, req *Request, handle Handler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Session-ID", req.SessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("invoking agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return parseSSE(resp.Body, func(name, data string) error {
		return handle(ParseEvent(name, data))
	})
}

// parseSSE calls emit once per complete event. Comment lines and fields
// other than event and data are ignored.
func parseSSE(r io.Reader, emit func(name, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var name string
	var data []string

	flush := func() error {
		if name == "" && len(data) == 0 {
			return nil
		}
		if name == "" {
			name = "message"
		}
		err := emit(name, strings.Join(data, "\n"))
		name, data = "", nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading agent stream: %w", err)
	}

	return flush()
}

// WriteEvent writes ev to w as one SSE frame.
func WriteEvent(w io.Writer, ev Event) error {
	name, data, err := FormatEvent(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

var _ Streamer = (*Client)(nil)
