// Package identity resolves the acting user from the session mechanism.
//
// SessionProvider asks the session service who owns the current session token;
// TokenProvider reads the user id from the session token itself. Both report a
// missing or rejected session as myft.ErrNoSession so callers can treat the user
// as anonymous.
package identity
