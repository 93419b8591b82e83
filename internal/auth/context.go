// ABOUTME: Request identity carried through handler contexts
// ABOUTME: Provides WithIdentity/FromContext for the authenticated user id

package auth

import (
	"context"
)

// Identity is the authenticated caller of an HTTP request.
type Identity struct {
	UserID string
}

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the request identity, or nil for anonymous requests.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
