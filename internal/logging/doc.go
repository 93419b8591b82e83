// Package logging configures log/slog for the relay binaries.
package logging
