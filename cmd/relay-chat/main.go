// ABOUTME: Interactive chat client for the relay gateway's POST /chat endpoint.
// ABOUTME: Reads questions from stdin and renders the SSE answer stream with JWT auth.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/wire"
)

// getToken returns the JWT from RELAY_TOKEN or ~/.config/coven-relay/token.
func getToken() string {
	if token := os.Getenv("RELAY_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "coven-relay", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// chatRequest is the JSON body sent to POST /chat.
type chatRequest struct {
	UserID     string         `json:"userId,omitempty"`
	FunctionID int            `json:"functionId,omitempty"`
	Messages   []wire.Message `json:"messages"`
	Attachment map[string]any `json:"attachment,omitempty"`
}

// toolStatus mirrors the fields of a type 5 element the client displays.
type toolStatus struct {
	Status  string `json:"status"`
	Display string `json:"display"`
	Name    string `json:"name"`
}

type chatState struct {
	server     string
	user       string
	functionID int
	tools      []string
	// history holds completed turns so follow-up questions carry context.
	history []wire.Message
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	user := flag.String("user", "", "User id sent with each request (ignored when a token is configured)")
	function := flag.Int("function", 0, "Function id (0 uses the gateway default)")
	flag.Parse()

	fmt.Printf("relay-chat connected to %s\n", *server)
	if getToken() != "" {
		fmt.Println("Auth: JWT token configured (RELAY_TOKEN)")
	} else {
		fmt.Println("Auth: none (set RELAY_TOKEN for authentication)")
	}
	fmt.Println("Type a question and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	state := &chatState{server: strings.TrimRight(*server, "/"), user: *user, functionID: *function}
	if err := run(ctx, state); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, state *chatState) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if state.functionID != 0 {
			fmt.Printf("[%d]> ", state.functionID)
		} else {
			fmt.Print("> ")
		}

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if handled := handleCommand(state, input); handled {
			fmt.Println()
			continue
		}

		answer, err := ask(ctx, state, input, os.Stdout)
		if err != nil {
			color.New(color.FgRed).Printf("[error] %v\n", err)
		} else {
			state.history = append(state.history,
				wire.Message{Role: "user", Content: wire.TextContent(input)},
				wire.Message{Role: "assistant", Content: wire.TextContent(answer)},
			)
		}
		fmt.Println()
	}
}

// handleCommand applies a slash command to state. It returns false for
// plain questions.
func handleCommand(state *chatState, input string) bool {
	switch {
	case input == "/help":
		printHelp()
	case input == "/reset":
		state.history = nil
		fmt.Println("Conversation cleared")
	case strings.HasPrefix(input, "/function"):
		arg := strings.TrimSpace(strings.TrimPrefix(input, "/function"))
		if arg == "" {
			state.functionID = 0
			fmt.Println("Using the gateway default function")
			return true
		}
		id, err := strconv.Atoi(arg)
		if err != nil || id < 1 {
			fmt.Println("Function id must be a positive integer")
			return true
		}
		state.functionID = id
		fmt.Printf("Now using function %d\n", id)
	case strings.HasPrefix(input, "/tools"):
		arg := strings.TrimSpace(strings.TrimPrefix(input, "/tools"))
		if arg == "" {
			state.tools = nil
			fmt.Println("Cleared tool selection")
			return true
		}
		state.tools = strings.Fields(strings.ReplaceAll(arg, ",", " "))
		fmt.Printf("Tools: %s\n", strings.Join(state.tools, ", "))
	default:
		return false
	}
	return true
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /function <id>   Route questions to a function")
	fmt.Println("  /function        Use the gateway default function")
	fmt.Println("  /tools a,b       Restrict the agent to these tools")
	fmt.Println("  /tools           Clear tool selection")
	fmt.Println("  /reset           Forget the conversation so far")
	fmt.Println("  /help            Show this help")
	fmt.Println("  /quit            Exit")
}

// buildRequest assembles the POST /chat body for a new question.
func (s *chatState) buildRequest(question string) chatRequest {
	messages := make([]wire.Message, 0, len(s.history)+1)
	messages = append(messages, s.history...)
	messages = append(messages, wire.Message{Role: "user", Content: wire.TextContent(question)})

	req := chatRequest{UserID: s.user, FunctionID: s.functionID, Messages: messages}
	if len(s.tools) > 0 {
		tools := make([]any, len(s.tools))
		for i, t := range s.tools {
			tools[i] = t
		}
		req.Attachment = map[string]any{"tools": tools}
	}
	return req
}

// ask posts one question and renders the answer stream to out. It returns
// the concatenated answer text.
func ask(ctx context.Context, state *chatState, question string, out io.Writer) (string, error) {
	body, err := json.Marshal(state.buildRequest(question))
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, state.server+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if token := getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var errResp map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
				if msg, ok := errResp["error"]; ok {
					return "", fmt.Errorf("%s", msg)
				}
			}
		}
		return "", fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	r := newRenderer(out)
	if err := streamSSE(ctx, resp.Body, r.handle); err != nil {
		return r.answer.String(), err
	}
	if !r.ended {
		return r.answer.String(), fmt.Errorf("stream closed before the answer finished")
	}
	return r.answer.String(), nil
}

// streamSSE splits body into events and calls handle for each one. An event
// with no event: line is reported as "message".
func streamSSE(ctx context.Context, body io.Reader, handle func(event, data string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				if eventType == "" {
					eventType = "message"
				}
				if err := handle(eventType, strings.Join(dataLines, "\n")); err != nil {
					return err
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	return scanner.Err()
}

// renderer prints answer events as they arrive.
type renderer struct {
	out       io.Writer
	answer    strings.Builder
	sessionID string
	ended     bool

	dim    *color.Color
	yellow *color.Color
	green  *color.Color
	red    *color.Color
	cyan   *color.Color
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:    out,
		dim:    color.New(color.FgHiBlack),
		yellow: color.New(color.FgYellow),
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		cyan:   color.New(color.FgCyan),
	}
}

func (r *renderer) handle(event, data string) error {
	switch event {
	case "session":
		var frame struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("parsing session frame: %w", err)
		}
		r.sessionID = frame.SessionID
		r.dim.Fprintf(r.out, "[session %s]\n", frame.SessionID)
	case "end":
		r.ended = true
		fmt.Fprintln(r.out)
	case "message":
		var ev wire.AnswerEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("parsing answer event: %w", err)
		}
		r.answerEvent(ev)
	}
	return nil
}

func (r *renderer) answerEvent(ev wire.AnswerEvent) {
	switch ev.Type {
	case wire.TypeText:
		switch {
		case ev.IsStop():
			// the end frame follows
		case ev.ReasoningMessage != "":
			r.dim.Fprintf(r.out, "[thinking] %s\n", truncate(ev.ReasoningMessage, 80))
		case strings.HasPrefix(ev.Message, "error: "):
			r.red.Fprintf(r.out, "\n[%s]\n", ev.Message)
		default:
			r.answer.WriteString(ev.Message)
			fmt.Fprint(r.out, ev.Message)
		}
	case wire.TypeToolStatus:
		var statuses []toolStatus
		if err := json.Unmarshal([]byte(ev.Message), &statuses); err != nil {
			r.yellow.Fprintf(r.out, "[tool] %s\n", truncate(ev.Message, 80))
			return
		}
		for _, s := range statuses {
			label := strings.TrimSpace(s.Display)
			if label == "" {
				label = s.Name
			}
			if s.Status == "Done" {
				r.green.Fprintf(r.out, "[tool done] %s\n", label)
			} else {
				r.yellow.Fprintf(r.out, "[tool] %s\n", label)
			}
		}
	case wire.TypeReference:
		var refs []json.RawMessage
		if err := json.Unmarshal([]byte(ev.Message), &refs); err == nil {
			r.cyan.Fprintf(r.out, "[references] %d\n", len(refs))
		}
	case wire.TypeEntities:
		var ents struct {
			Diseases []json.RawMessage `json:"diseases"`
			Drugs    []json.RawMessage `json:"drugs"`
		}
		if err := json.Unmarshal([]byte(ev.Message), &ents); err == nil {
			r.cyan.Fprintf(r.out, "[entities] %d diseases, %d drugs\n", len(ents.Diseases), len(ents.Drugs))
		}
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
