package myft

import "context"

// Identity is the acting user as resolved from the session mechanism.
type Identity struct {
	// UserID is the opaque user identifier used in endpoint paths.
	UserID string
	// SessionToken authenticates API requests.
	SessionToken string
}

// IdentityProvider resolves the acting user's identity.
//
// Implementations return an error wrapping ErrNoSession when no session exists.
type IdentityProvider interface {
	ResolveIdentity(ctx context.Context) (Identity, error)
}

// IdentityProviderFunc adapts a function into an IdentityProvider.
type IdentityProviderFunc func(ctx context.Context) (Identity, error)

// ResolveIdentity calls f.
func (f IdentityProviderFunc) ResolveIdentity(ctx context.Context) (Identity, error) {
	return f(ctx)
}
