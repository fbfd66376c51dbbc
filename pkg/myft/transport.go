package myft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request is one API call relative to the configured API root.
type Request struct {
	// Method is the HTTP method.
	Method string
	// Endpoint is the path relative to the API root.
	Endpoint string
	// Body is JSON-encoded for non-GET requests when non-nil.
	Body any
	// SessionToken authenticates the call through the session header and cookie.
	SessionToken string
	// Header carries additional request headers.
	Header http.Header
}

// Transport performs API calls and decodes JSON responses.
//
// A successful call with an empty body returns a nil message. Failures are
// returned as *TransportError.
type Transport interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Do calls f.
func (f TransportFunc) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// JoinEndpoint escapes and joins path segments.
func JoinEndpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}

	return strings.Join(escaped, "/")
}

// TransportErrorKind describes coarse-grained transport failure classification.
type TransportErrorKind string

const (
	// TransportErrorKindNoData indicates the API holds no data for the user.
	TransportErrorKindNoData TransportErrorKind = "no_data"
	// TransportErrorKindClient indicates a 4xx response.
	TransportErrorKindClient TransportErrorKind = "client"
	// TransportErrorKindServer indicates a 5xx or otherwise unexpected response.
	TransportErrorKindServer TransportErrorKind = "server"
	// TransportErrorKindDecode indicates a body that is not valid JSON.
	TransportErrorKindDecode TransportErrorKind = "decode"
	// TransportErrorKindNetwork indicates the request never produced a response.
	TransportErrorKindNetwork TransportErrorKind = "network"
)

// TransportError carries structured metadata for one failed API call.
type TransportError struct {
	// Method is the HTTP method of the failed call.
	Method string
	// Endpoint is the path relative to the API root.
	Endpoint string
	// Kind classifies the failure.
	Kind TransportErrorKind
	// StatusCode is the HTTP status when a response was received.
	StatusCode int
	// Message is the server-provided message when known.
	Message string
	// Cause is the wrapped underlying error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 5)
	if e.Method != "" || e.Endpoint != "" {
		fields = append(fields, strings.TrimSpace(e.Method+" "+e.Endpoint))
	}
	if e.Kind != "" {
		fields = append(fields, "kind="+string(e.Kind))
	}
	if e.StatusCode != 0 {
		fields = append(fields, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if message := strings.TrimSpace(e.Message); message != "" {
		fields = append(fields, fmt.Sprintf("message=%q", message))
	}

	summary := "transport error"
	if len(fields) > 0 {
		summary += ": " + strings.Join(fields, " ")
	}
	if e.Cause != nil {
		summary += ": " + e.Cause.Error()
	}

	return summary
}

// Unwrap returns the wrapped root cause.
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// Is reports no-data failures as ErrNoUserData.
func (e *TransportError) Is(target error) bool {
	return e != nil && target == ErrNoUserData && e.Kind == TransportErrorKindNoData
}

// AsTransportError extracts one TransportError from wrapped error chains.
func AsTransportError(err error) (*TransportError, bool) {
	if err == nil {
		return nil, false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr, true
	}

	return nil, false
}

// IsNoUserData reports whether err is the recoverable "no user data exists" failure.
func IsNoUserData(err error) bool {
	return errors.Is(err, ErrNoUserData)
}
