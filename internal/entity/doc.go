// Package entity talks to the entity-extraction service.
//
// The worker calls it once per turn, after the agent's final artifact, with
// the full answer text. Recognised diseases and drugs are relayed to the
// client as a type 7 answer event; an empty result or any failure means no
// frame at all.
package entity
