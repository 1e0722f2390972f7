// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/2389/support-broker/internal/registry"
)

// identityKey is the key type for storing the identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id registry.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity from the context.
func FromContext(ctx context.Context) (registry.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(registry.Identity)
	return id, ok
}

// MustFromContext retrieves the identity, panicking if not present.
func MustFromContext(ctx context.Context) registry.Identity {
	id, ok := FromContext(ctx)
	if !ok {
		panic("auth: identity not found in context")
	}
	return id
}
