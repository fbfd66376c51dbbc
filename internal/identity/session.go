package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"myft-client/pkg/myft"
)

const sessionUUIDEndpoint = "uuid"

// SessionProvider resolves identity by asking the session service for the
// user id owning the session token.
type SessionProvider struct {
	transport myft.Transport
	tokens    TokenSource
}

// NewSessionProvider creates a provider calling GET {sessionRoot}/uuid through transport.
func NewSessionProvider(transport myft.Transport, tokens TokenSource) (*SessionProvider, error) {
	if transport == nil {
		return nil, fmt.Errorf("new session provider: nil transport")
	}
	if tokens == nil {
		return nil, fmt.Errorf("new session provider: nil token source")
	}

	return &SessionProvider{transport: transport, tokens: tokens}, nil
}

// ResolveIdentity returns the session owner.
func (p *SessionProvider) ResolveIdentity(ctx context.Context) (myft.Identity, error) {
	token, err := p.tokens.SessionToken(ctx)
	if err != nil {
		return myft.Identity{}, fmt.Errorf("resolve identity: read session token: %w", err)
	}
	if token == "" {
		return myft.Identity{}, fmt.Errorf("resolve identity: no session cookie found: %w", myft.ErrNoSession)
	}

	body, err := p.transport.Do(ctx, myft.Request{
		Method:       http.MethodGet,
		Endpoint:     sessionUUIDEndpoint,
		SessionToken: token,
	})
	if err != nil {
		if rejectedSession(err) {
			return myft.Identity{}, fmt.Errorf("resolve identity: session rejected: %w: %w", myft.ErrNoSession, err)
		}
		return myft.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}

	userID := gjson.GetBytes(body, "uuid").String()
	if userID == "" {
		return myft.Identity{}, fmt.Errorf("resolve identity: session has no uuid: %w", myft.ErrNoSession)
	}

	return myft.Identity{UserID: userID, SessionToken: token}, nil
}

// rejectedSession reports whether the session service refused the token.
func rejectedSession(err error) bool {
	if errors.Is(err, myft.ErrNoUserData) {
		return true
	}
	transportErr, ok := myft.AsTransportError(err)
	if !ok {
		return false
	}
	switch transportErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}
