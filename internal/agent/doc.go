// Package agent is the worker's view of the language-model agent.
//
// An agent turn is started with POST {agent_url}/stream and answered with a
// server-sent event stream. Each SSE event name maps to exactly one Go type
// implementing Event:
//
//	text            TextDelta
//	reasoning       ReasoningDelta
//	tool_call_chunk ToolCallFragment
//	finish          FinishReason
//	tool_result     ToolResults
//	metadata        SearchMetadata
//	artifact        Artifact
//	final           EndOfTurn
//
// Any other name, or a payload that does not decode, becomes Unknown so
// callers can log and skip it. Event is a
// closed interface; adding a kind means adding a type here and a case in
// every switch over it.
package agent
