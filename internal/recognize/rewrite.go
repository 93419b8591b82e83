// ABOUTME: Rewrites multi-part chat messages into plain text before publishing
// ABOUTME: Image and file parts are replaced by what the recognition services say about them

package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-relay/internal/wire"
)

const (
	defaultImageQuestion = "The user uploaded an image"
	defaultFileQuestion  = "The user uploaded a document"
)

// Rewriter flattens multi-part messages. Plain string messages pass
// through untouched.
type Rewriter struct {
	rec    Recognizer
	logger *slog.Logger
}

// NewRewriter creates a rewriter. A nil recognizer behaves as an
// unconfigured one: attachments become placeholders naming their URL.
func NewRewriter(rec Recognizer, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{rec: rec, logger: logger.With("component", "recognize")}
}

// RewriteMessages returns a copy of msgs in which every multi-part content
// is replaced by the newline-joined text of its parts.
func (w *Rewriter) RewriteMessages(ctx context.Context, msgs []wire.Message) []wire.Message {
	out := make([]wire.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Content.IsMultipart() {
			out[i].Content = wire.TextContent(w.rewriteParts(ctx, m.Content.Parts))
		}
	}
	return out
}

func (w *Rewriter) rewriteParts(ctx context.Context, parts []wire.Part) string {
	var texts []string
	// hint is the latest non-empty text seen so far; it steers recognition.
	var hint string

	for _, p := range parts {
		switch {
		case p.Type == wire.PartText:
			if t := strings.TrimSpace(p.Text); t != "" {
				texts = append(texts, t)
				hint = t
			}

		case (p.Type == wire.PartImage || p.Type == wire.PartFile) && p.URL != "":
			text := w.describe(ctx, p, hint)
			texts = append(texts, text)
			if strings.TrimSpace(text) != "" {
				hint = text
			}

		default:
			texts = append(texts, fmt.Sprintf("[unprocessed part] type=%q url=%q text=%q", p.Type, p.URL, p.Text))
		}
	}
	return strings.Join(texts, "\n")
}

func (w *Rewriter) describe(ctx context.Context, p wire.Part, hint string) string {
	var (
		result string
		err    error
	)

	if w.rec == nil {
		err = ErrNotConfigured
	} else if p.Type == wire.PartImage {
		q := hint
		if q == "" {
			q = defaultImageQuestion
		}
		result, err = w.rec.Image(ctx, p.URL, q)
	} else {
		q := hint
		if q == "" {
			q = defaultFileQuestion
		}
		result, err = w.rec.File(ctx, p.URL, q)
	}

	switch {
	case errors.Is(err, ErrNotConfigured):
		return fmt.Sprintf("[%s: %s]", p.Type, p.URL)
	case err != nil:
		w.logger.Warn("recognition failed", "type", p.Type, "url", p.URL, "error", err)
		return fmt.Sprintf("[recognition error] %v", err)
	case result == "":
		return fmt.Sprintf("[recognition failed] the %s service returned no result", p.Type)
	}
	return result
}
