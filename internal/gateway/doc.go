// Package gateway is the HTTP side of coven-relay.
//
// # Overview
//
// A Gateway accepts chat requests, publishes them to the question queue and
// streams the answers back to the caller as server-sent events. It owns:
//
//   - the session registry, which maps live session ids to delivery channels
//   - a publishing broker client for the question queue
//   - the answer consumer, on its own broker client, feeding the registry
//   - the session ledger (SQLite)
//   - optionally an embedded worker pool, for single-process deployments
//
// # Request Flow
//
// POST /chat allocates a fresh session id, registers it, records it in the
// ledger and only then publishes the request. If publishing fails the
// session is deregistered and the client gets 503. Otherwise the response
// becomes an SSE stream:
//
//	event: session
//	data: {"sessionId":"..."}
//
//	data: {"sessionId":"...","type":4,"message":"Hel",...}
//	data: {"sessionId":"...","type":4,"message":"lo",...}
//
//	event: end
//	data: {"sessionId":"..."}
//
// The stream ends on the [stop] frame, on client disconnect, when the
// registry is closed at shutdown, or when gateway.max_session_lifetime is
// reached. Every exit deregisters the session and records its outcome.
//
// # HTTP API
//
//   - POST /chat - Start a session (SSE streaming response)
//   - GET /api/sessions - List ledger entries (?limit=N&user=ID)
//   - GET /api/sessions/{id} - One ledger entry
//   - GET /api/stats/sessions - Ledger totals plus live counters (?since=24h)
//   - GET /health - Liveness check
//   - GET /health/ready - 503 until the answer consumer is connected
//
// Everything except the health endpoints requires a bearer token when
// auth.jwt_secret is set.
//
// # Listeners
//
// The HTTP server listens on gateway.http_addr, or on a Tailscale tsnet node
// when tailscale.enabled is set (port 80, or 443 with tailnet certificates
// when https or funnel is enabled).
package gateway
