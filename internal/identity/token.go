package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"myft-client/pkg/myft"
)

const uuidClaim = "uuid"

// TokenProvider resolves identity from a JWT session token.
//
// With a signing key the token signature and expiry are verified; without one
// the claims are read unverified and the API remains the authority.
type TokenProvider struct {
	tokens     TokenSource
	signingKey []byte
}

// NewTokenProvider creates a provider reading the user id from the token's
// "sub" claim, falling back to a "uuid" claim.
func NewTokenProvider(tokens TokenSource, signingKey []byte) (*TokenProvider, error) {
	if tokens == nil {
		return nil, fmt.Errorf("new token provider: nil token source")
	}

	return &TokenProvider{tokens: tokens, signingKey: signingKey}, nil
}

// ResolveIdentity returns the user owning the session token.
func (p *TokenProvider) ResolveIdentity(ctx context.Context) (myft.Identity, error) {
	token, err := p.tokens.SessionToken(ctx)
	if err != nil {
		return myft.Identity{}, fmt.Errorf("resolve identity: read session token: %w", err)
	}
	if token == "" {
		return myft.Identity{}, fmt.Errorf("resolve identity: no session cookie found: %w", myft.ErrNoSession)
	}

	claims := jwt.MapClaims{}
	if err := p.parse(token, claims); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return myft.Identity{}, fmt.Errorf("resolve identity: %w: %w", myft.ErrNoSession, err)
		}
		return myft.Identity{}, fmt.Errorf("resolve identity: parse session token: %w", err)
	}

	userID, err := claims.GetSubject()
	if err != nil {
		return myft.Identity{}, fmt.Errorf("resolve identity: read subject: %w", err)
	}
	if userID == "" {
		userID, _ = claims[uuidClaim].(string)
	}
	if userID == "" {
		return myft.Identity{}, fmt.Errorf("resolve identity: session token has no subject: %w", myft.ErrNoSession)
	}

	return myft.Identity{UserID: userID, SessionToken: token}, nil
}

func (p *TokenProvider) parse(token string, claims jwt.MapClaims) error {
	if len(p.signingKey) == 0 {
		_, _, err := jwt.NewParser().ParseUnverified(token, claims)
		return err
	}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.signingKey, nil
	}, jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}))

	return err
}
