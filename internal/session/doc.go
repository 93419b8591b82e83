// Package session holds the gateway's in-memory session registry.
//
// A session exists for exactly as long as one client's streaming response.
// The HTTP handler registers it before publishing the request, the answer
// consumer delivers events into it, and the handler deregisters it on every
// exit path.
//
// Each entry owns a bounded channel. Deliver never blocks the shared answer
// consumer: when a client falls behind, the oldest queued event is dropped.
// The stop sentinel is always the newest event of a turn, so it survives.
//
// Session state is not persisted. A gateway restart loses every live
// session and its clients see their streams end.
package session
