// ABOUTME: Double JSON encoding used on both broker queues
// ABOUTME: Bodies are a JSON string whose contents are the JSON object

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps every decoding failure so consumers can apply the
// poison-message policy with errors.Is.
var ErrMalformed = errors.New("malformed message body")

// Encode serialises v to JSON, then serialises that text as a JSON string.
func Encode(v any) ([]byte, error) {
	inner, err := marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	outer, err := marshal(string(inner))
	if err != nil {
		return nil, fmt.Errorf("encoding payload string: %w", err)
	}
	return outer, nil
}

// Decode reverses Encode. A body holding a bare JSON object is accepted as
// well, since older workers published answer events single-encoded.
func Decode(body []byte, v any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}

	payload := trimmed
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		payload = []byte(inner)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeEnvelope decodes and validates a question-queue body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := Decode(body, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// DecodeAnswer decodes an answer-queue body.
func DecodeAnswer(body []byte) (*AnswerEvent, error) {
	var ev AnswerEvent
	if err := Decode(body, &ev); err != nil {
		return nil, err
	}
	if ev.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	return &ev, nil
}

// MarshalPayload encodes a structured type 5/6/7 message body.
func MarshalPayload(v any) (string, error) {
	b, err := marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
