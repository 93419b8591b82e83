// ABOUTME: Minimal fake agent for E2E testing: serves POST /stream and echoes the question as SSE.
// ABOUTME: Usage: fake-agent [-addr 127.0.0.1:9000] [-delay 30ms]; questions mentioning "search" also run a fake tool call
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/agent"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "HTTP listen address")
	delay := flag.Duration("delay", 30*time.Millisecond, "Delay between streamed words")
	flag.Parse()

	if err := run(*addr, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		handleStream(w, r, delay)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake agent listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func handleStream(w http.ResponseWriter, r *http.Request, delay time.Duration) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req agent.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	log.Printf("received question [%s]: %s (history %d, tools %v)", req.SessionID, req.Question, len(req.History), req.Tools)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(ev agent.Event) bool {
		if err := agent.WriteEvent(w, ev); err != nil {
			log.Printf("write error [%s]: %v", req.SessionID, err)
			return false
		}
		flusher.Flush()
		return true
	}

	for _, ev := range script(req) {
		if !send(ev) {
			return
		}
		if _, isText := ev.(agent.TextDelta); isText {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// script builds the events for one turn.
func script(req agent.Request) []agent.Event {
	var events []agent.Event
	events = append(events, agent.ReasoningDelta{Text: "Reading the question."})

	if strings.Contains(strings.ToLower(req.Question), "search") {
		args, _ := json.Marshal(map[string]string{"query": req.Question})
		output, _ := json.Marshal([]map[string]string{{"title": "Fake result", "snippet": "Nothing to see here."}})
		events = append(events,
			agent.ToolCallFragment{Index: 0, ID: "call_0", Type: "function", Name: "search_document_db"},
			agent.ToolCallFragment{Index: 0, Arguments: string(args)},
			agent.FinishReason{Reason: agent.FinishToolCalls},
			agent.ToolResults{Results: []agent.ToolResult{{CallID: "call_0", Name: "search_document_db", Output: output}}},
			agent.SearchMetadata{Sources: []agent.SearchSource{{DB: "search_document_db", Result: output}}},
		)
	}

	reply := fmt.Sprintf("Echo: %s", req.Question)
	for i, word := range strings.Fields(reply) {
		if i > 0 {
			word = " " + word
		}
		events = append(events, agent.TextDelta{Text: word})
	}

	return append(events, agent.Artifact{Text: reply}, agent.EndOfTurn{})
}
