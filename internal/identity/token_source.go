package identity

import (
	"context"
	"os"
	"strings"
)

// TokenSource supplies the raw session token. An empty token means no session.
type TokenSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// StaticToken is a fixed session token.
type StaticToken string

// SessionToken returns the token.
func (t StaticToken) SessionToken(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// EnvToken reads the session token from the named environment variable on each call.
type EnvToken string

// SessionToken returns the variable value.
func (t EnvToken) SessionToken(context.Context) (string, error) {
	return strings.TrimSpace(os.Getenv(string(t))), nil
}
