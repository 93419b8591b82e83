// ABOUTME: Answer events published by workers onto the answer queue
// ABOUTME: The type tag selects how a client renders the message payload

package wire

// EventType is the numeric discriminator carried in every answer event.
type EventType int

const (
	// TypeText carries a text or reasoning delta, an error text, or the
	// stop sentinel.
	TypeText EventType = 4
	// TypeToolStatus carries a JSON array of tool status objects.
	TypeToolStatus EventType = 5
	// TypeReference carries retrieved citation data.
	TypeReference EventType = 6
	// TypeEntities carries recognised disease and drug entities.
	TypeEntities EventType = 7
)

// StopSentinel marks the last event of a session.
const StopSentinel = "[stop]"

// AnswerEvent is one result frame for one session.
type AnswerEvent struct {
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	FunctionID       int       `json:"functionId"`
	Message          string    `json:"message"`
	ReasoningMessage string    `json:"reasoningMessage"`
	Type             EventType `json:"type"`
}

// IsStop reports whether this event terminates its session.
func (a AnswerEvent) IsStop() bool {
	return a.Type == TypeText && a.Message == StopSentinel
}

// Route identifies the session an answer event belongs to.
type Route struct {
	SessionID  string
	UserID     string
	FunctionID int
}

// RouteOf returns the routing fields of an envelope.
func RouteOf(e *Envelope) Route {
	return Route{SessionID: e.SessionID, UserID: e.UserID, FunctionID: e.FunctionID}
}

// Text builds a text delta event.
func (r Route) Text(message string) AnswerEvent {
	return r.event(TypeText, message, "")
}

// Reasoning builds a reasoning delta event.
func (r Route) Reasoning(reasoning string) AnswerEvent {
	return r.event(TypeText, "", reasoning)
}

// Stop builds the terminal event.
func (r Route) Stop() AnswerEvent {
	return r.event(TypeText, StopSentinel, "")
}

// Error builds the text frame that precedes a Stop when a turn fails.
func (r Route) Error(msg string) AnswerEvent {
	return r.event(TypeText, "error: "+msg, "")
}

// Payload builds a structured event whose message is pre-encoded JSON.
func (r Route) Payload(t EventType, payload string) AnswerEvent {
	return r.event(t, payload, "")
}

func (r Route) event(t EventType, message, reasoning string) AnswerEvent {
	return AnswerEvent{
		SessionID:        r.SessionID,
		UserID:           r.UserID,
		FunctionID:       r.FunctionID,
		Message:          message,
		ReasoningMessage: reasoning,
		Type:             t,
	}
}
