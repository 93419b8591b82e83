// ABOUTME: Request envelope published by the gateway onto the question queue
// ABOUTME: Message content is either a plain string or a list of typed parts

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Part types accepted inside a multi-part message.
const (
	PartText  = "text"
	PartImage = "image"
	PartFile  = "file"
)

// ErrNoMessages is returned when an envelope carries an empty conversation.
var ErrNoMessages = errors.New("messages must not be empty")

// Envelope is one client request as it travels through the question queue.
type Envelope struct {
	SessionID  string         `json:"sessionId"`
	UserID     string         `json:"userId"`
	FunctionID int            `json:"functionId"`
	Messages   []Message      `json:"messages"`
	Attachment map[string]any `json:"attachment,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (e *Envelope) Validate() error {
	if e.SessionID == "" {
		return errors.New("sessionId is required")
	}
	if len(e.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

// Tools returns the tool subset selected by the client in attachment.tools.
// Non-string entries are ignored.
func (e *Envelope) Tools() []string {
	raw, ok := e.Attachment["tools"].([]any)
	if !ok {
		return nil
	}
	tools := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok && s != "" {
			tools = append(tools, s)
		}
	}
	return tools
}

// Message is one conversation turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Part is one element of a multi-part message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Content holds either a plain string or a list of parts. It encodes back
// to whichever form it was built from.
type Content struct {
	Text  string
	Parts []Part
}

// TextContent builds plain string content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// PartsContent builds multi-part content.
func PartsContent(parts ...Part) Content {
	return Content{Parts: parts}
}

// IsMultipart reports whether the content is a list of parts.
func (c Content) IsMultipart() bool {
	return c.Parts != nil
}

// String flattens the content to text. Text parts are joined by newlines;
// attachments are skipped.
func (c Content) String() string {
	if !c.IsMultipart() {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// MarshalJSON implements json.Marshaler. HTML characters are left
// unescaped, matching Encode.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultipart() {
		return marshal(c.Parts)
	}
	return marshal(c.Text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
	case '[':
		parts := []Part{}
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
	default:
		return fmt.Errorf("content must be a string or a list of parts, got %q", string(trimmed[:1]))
	}
	return nil
}
