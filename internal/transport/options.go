package transport

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"myft-client/internal/telemetry"
)

const (
	// DefaultSessionHeader carries the session token on every API call.
	DefaultSessionHeader = "X-FT-Session-Token"
	// DefaultSessionCookie carries the session token as a credential cookie.
	DefaultSessionCookie = "FTSession"

	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 8 << 20
)

// Option mutates transport construction configuration.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. A nil jar is replaced by a
// public-suffix aware cookie jar so credentials are always sent.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithTimeout bounds each request. Zero disables the per-request bound.
func WithTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout >= 0 {
			client.timeout = timeout
		}
	}
}

// WithSessionHeader overrides the session token header name.
func WithSessionHeader(name string) Option {
	return func(client *Client) {
		if name != "" {
			client.sessionHeader = name
		}
	}
}

// WithSessionCookie overrides the session cookie name. Empty disables the cookie.
func WithSessionCookie(name string) Option {
	return func(client *Client) {
		client.sessionCookie = name
	}
}

// WithMetrics records request metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(client *Client) {
		client.metrics = metrics
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(client *Client) {
		if provider != nil {
			client.tracer = provider.Tracer(tracerName)
		}
	}
}

// WithLogger configures debug request logging.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}
