// Package store persists the gateway's session ledger in SQLite.
//
// Each POST /chat creates one row when the session opens and updates it
// when the stream ends, with the outcome and frame counters. The ledger
// backs the /api/sessions endpoints and is never consulted for routing:
// live routing state stays in the in-memory session registry.
//
// Times are stored as fixed-width RFC 3339 UTC text. Use ":memory:" as the path for a
// throwaway ledger.
package store
