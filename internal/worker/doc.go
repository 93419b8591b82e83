// Package worker runs questions from the question queue through agents.
//
// The Pool consumes the queue with a bounded number of concurrent turns.
// For every delivery it decodes the envelope (malformed bodies are rejected
// without requeue), skips session ids it has already started, waits for a
// free slot, starts the turn on its own goroutine and only then acks. A
// crash after the ack loses that turn; this is the accepted at-least-once
// trade-off.
//
// Each turn is routed by function id to a Handler, runs under a timeout,
// and recovers its own panics. Whatever happens, the client's stream is
// closed with a [stop] frame, preceded by an error frame when the turn
// failed.
//
// HealthServer exposes grpc.health.v1 so orchestrators can tell whether the
// worker currently holds a broker connection.
package worker
