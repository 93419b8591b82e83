// ABOUTME: Tests for the recognition client and multi-part message rewriting
// ABOUTME: Covers question hints, inline failures, placeholders, and unknown parts

package recognize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/wire"
)

type recordedCall struct {
	Path     string
	ImageURL string `json:"image_url"`
	FilePath string `json:"file_path"`
	Question string `json:"question"`
}

func newRecognitionServer(t *testing.T, respond func(path string) (int, string)) (*httptest.Server, func() []recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c recordedCall
		_ = json.NewDecoder(r.Body).Decode(&c)
		c.Path = r.URL.Path
		mu.Lock()
		calls = append(calls, c)
		mu.Unlock()

		status, body := respond(r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func TestClient_ImageAndFile(t *testing.T) {
	srv, calls := newRecognitionServer(t, func(path string) (int, string) {
		if path == "/image" {
			return http.StatusOK, `{"success":true,"result":"a cat"}`
		}
		return http.StatusOK, `{"success":true,"result":"a contract"}`
	})

	c := NewClient(srv.URL, time.Second)
	got, err := c.Image(context.Background(), "http://img/cat.jpg", "what is this?")
	require.NoError(t, err)
	assert.Equal(t, "a cat", got)

	got, err = c.File(context.Background(), "/docs/c.pdf", "summarise")
	require.NoError(t, err)
	assert.Equal(t, "a contract", got)

	recorded := calls()
	require.Len(t, recorded, 2)
	assert.Equal(t, recordedCall{Path: "/image", ImageURL: "http://img/cat.jpg", Question: "what is this?"}, recorded[0])
	assert.Equal(t, recordedCall{Path: "/file", FilePath: "/docs/c.pdf", Question: "summarise"}, recorded[1])
}

func TestClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusBadGateway, "upstream", "status 502"},
		{"success false with message", http.StatusOK, `{"success":false,"message":"unreadable"}`, "unreadable"},
		{"success false bare", http.StatusOK, `{"success":false}`, "success=false"},
		{"missing result", http.StatusOK, `{"success":true}`, "no result"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newRecognitionServer(t, func(string) (int, string) { return tt.status, tt.body })
			_, err := NewClient(srv.URL, time.Second).Image(context.Background(), "u", "q")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClient_NotConfigured(t *testing.T) {
	_, err := NewClient("", time.Second).File(context.Background(), "p", "q")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestRewriteMessages_UsesPrecedingTextAsQuestion(t *testing.T) {
	srv, calls := newRecognitionServer(t, func(path string) (int, string) {
		if path == "/image" {
			return http.StatusOK, `{"success":true,"result":"an x-ray of a wrist"}`
		}
		return http.StatusOK, `{"success":true,"result":"discharge summary"}`
	})
	rw := NewRewriter(NewClient(srv.URL, time.Second), nil)

	msgs := []wire.Message{
		{Role: "user", Content: wire.PartsContent(
			wire.Part{Type: wire.PartImage, URL: "http://img/1.png"},
			wire.Part{Type: wire.PartText, Text: "  is this broken?  "},
			wire.Part{Type: wire.PartFile, URL: "/f/report.pdf"},
		)},
		{Role: "assistant", Content: wire.TextContent("it looks fine")},
	}

	out := rw.RewriteMessages(context.Background(), msgs)
	require.Len(t, out, 2)
	assert.False(t, out[0].Content.IsMultipart())
	assert.Equal(t, "an x-ray of a wrist\nis this broken?\ndischarge summary", out[0].Content.Text)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "it looks fine", out[1].Content.Text)

	// The input slice is left alone.
	assert.True(t, msgs[0].Content.IsMultipart())

	recorded := calls()
	require.Len(t, recorded, 2)
	assert.Equal(t, defaultImageQuestion, recorded[0].Question)
	assert.Equal(t, "is this broken?", recorded[1].Question)
}

func TestRewriteMessages_RecognitionResultBecomesNextHint(t *testing.T) {
	srv, calls := newRecognitionServer(t, func(path string) (int, string) {
		return http.StatusOK, `{"success":true,"result":"first description"}`
	})
	rw := NewRewriter(NewClient(srv.URL, time.Second), nil)

	rw.RewriteMessages(context.Background(), []wire.Message{{Role: "user", Content: wire.PartsContent(
		wire.Part{Type: wire.PartImage, URL: "a"},
		wire.Part{Type: wire.PartImage, URL: "b"},
	)}})

	recorded := calls()
	require.Len(t, recorded, 2)
	assert.Equal(t, "first description", recorded[1].Question)
}

func TestRewriteMessages_FailuresBecomeInlineText(t *testing.T) {
	srv, _ := newRecognitionServer(t, func(path string) (int, string) {
		if path == "/image" {
			return http.StatusInternalServerError, "model crashed"
		}
		return http.StatusOK, `{"success":true,"result":""}`
	})
	rw := NewRewriter(NewClient(srv.URL, time.Second), nil)

	out := rw.RewriteMessages(context.Background(), []wire.Message{{Role: "user", Content: wire.PartsContent(
		wire.Part{Type: wire.PartImage, URL: "a"},
		wire.Part{Type: wire.PartFile, URL: "b"},
		wire.Part{Type: "audio", URL: "c"},
	)}})

	text := out[0].Content.Text
	assert.Contains(t, text, "[recognition error]")
	assert.Contains(t, text, "status 500")
	assert.Contains(t, text, "[recognition failed] the file service returned no result")
	assert.Contains(t, text, `[unprocessed part] type="audio"`)
}

func TestRewriteMessages_NotConfigured(t *testing.T) {
	for _, rw := range []*Rewriter{
		NewRewriter(nil, nil),
		NewRewriter(NewClient("", time.Second), nil),
	} {
		out := rw.RewriteMessages(context.Background(), []wire.Message{{Role: "user", Content: wire.PartsContent(
			wire.Part{Type: wire.PartText, Text: "look"},
			wire.Part{Type: wire.PartImage, URL: "http://img/x.png"},
		)}})
		assert.Equal(t, "look\n[image: http://img/x.png]", out[0].Content.Text)
	}
}
