// Package translator turns an agent's event stream into answer events.
//
// A Turn is created per question and fed every agent.Event in order:
//
//   - text and reasoning deltas become type 4 frames
//   - tool-call fragments are merged per index and, on a tool_calls finish,
//     reported as one type 5 frame of "Working" statuses
//   - tool results become a type 5 "Done" frame and a type 6 frame with the
//     raw outputs
//   - search metadata becomes a type 6 frame
//   - the artifact triggers a single entity extraction, reported as type 7
//     only when something was recognised
//   - end of turn becomes the [stop] frame
//
// Each tool name is reported as working at most once and done at most once
// per turn. Finish guarantees that every turn ends with exactly one [stop],
// preceded by an error frame when the turn failed.
package translator
