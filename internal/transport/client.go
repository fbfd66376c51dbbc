package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"

	"myft-client/internal/telemetry"
	"myft-client/pkg/myft"
)

const (
	tracerName = "myft-client/internal/transport"

	noUserDataMessage = "No user data exists"
	maxMessageLength  = 256
)

// Client is the HTTP JSON transport for the relationship API.
type Client struct {
	root          string
	httpClient    *http.Client
	timeout       time.Duration
	sessionHeader string
	sessionCookie string
	metrics       *telemetry.Metrics
	tracer        trace.Tracer
	logger        *slog.Logger
}

// New creates a transport addressing endpoints relative to root.
func New(root string, options ...Option) (*Client, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("new transport: %w", myft.ErrMissingAPIRoot)
	}
	parsed, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("new transport: parse root %q: %w", root, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("new transport: root %q must be an absolute url", root)
	}

	client := &Client{
		root:          strings.TrimRight(root, "/") + "/",
		httpClient:    &http.Client{},
		timeout:       defaultRequestTimeout,
		sessionHeader: DefaultSessionHeader,
		sessionCookie: DefaultSessionCookie,
		tracer:        otel.Tracer(tracerName),
		logger:        slog.Default(),
	}
	for _, option := range options {
		option(client)
	}

	if client.httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("new transport: cookie jar: %w", err)
		}
		withJar := *client.httpClient
		withJar.Jar = jar
		client.httpClient = &withJar
	}

	return client, nil
}

// Root returns the normalized root every endpoint is resolved against.
func (c *Client) Root() string {
	return c.root
}

// Do performs one API call and returns the raw JSON body.
//
// An empty 2xx body yields a nil message. Failures are *myft.TransportError.
func (c *Client) Do(ctx context.Context, req myft.Request) (json.RawMessage, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := c.tracer.Start(ctx, "myft "+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("myft.endpoint", req.Endpoint),
	)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	done := c.metrics.RequestStarted(method)
	body, statusCode, err := c.do(ctx, method, req)
	if err != nil {
		var kind string
		if transportErr, ok := myft.AsTransportError(err); ok {
			kind = string(transportErr.Kind)
		}
		done(statusCode, kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		return nil, err
	}
	done(statusCode, "")
	span.SetAttributes(attribute.Int("http.response.status_code", statusCode))

	return body, nil
}

func (c *Client) do(ctx context.Context, method string, req myft.Request) (json.RawMessage, int, error) {
	fail := func(kind myft.TransportErrorKind, statusCode int, message string, cause error) error {
		return &myft.TransportError{
			Method:     method,
			Endpoint:   req.Endpoint,
			Kind:       kind,
			StatusCode: statusCode,
			Message:    message,
			Cause:      cause,
		}
	}

	var payload io.Reader
	if method != http.MethodGet && req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, 0, fail(myft.TransportErrorKindDecode, 0, "", fmt.Errorf("encode body: %w", err))
		}
		payload = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.root+strings.TrimLeft(req.Endpoint, "/"), payload)
	if err != nil {
		return nil, 0, fail(myft.TransportErrorKindNetwork, 0, "", fmt.Errorf("build request: %w", err))
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.SessionToken != "" {
		httpReq.Header.Set(c.sessionHeader, req.SessionToken)
		if c.sessionCookie != "" {
			httpReq.AddCookie(&http.Cookie{Name: c.sessionCookie, Value: req.SessionToken})
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fail(myft.TransportErrorKindNetwork, 0, "", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fail(myft.TransportErrorKindNetwork, resp.StatusCode, "", fmt.Errorf("read body: %w", err))
	}
	c.logger.DebugContext(ctx, "myft api call",
		"method", method,
		"endpoint", req.Endpoint,
		"status", resp.StatusCode,
		"bytes", len(body),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := responseMessage(body)
		return nil, resp.StatusCode, fail(classifyStatus(method, resp.StatusCode, message), resp.StatusCode, message, nil)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, resp.StatusCode, nil
	}
	if !json.Valid(trimmed) {
		return nil, resp.StatusCode, fail(myft.TransportErrorKindDecode, resp.StatusCode, "", errors.New("response body is not valid json"))
	}

	return json.RawMessage(trimmed), resp.StatusCode, nil
}

// classifyStatus maps a non-2xx response onto a failure kind.
// A missing collection (GET 404) and the explicit no-data message are both no_data.
func classifyStatus(method string, statusCode int, message string) myft.TransportErrorKind {
	switch {
	case strings.Contains(message, noUserDataMessage):
		return myft.TransportErrorKindNoData
	case statusCode == http.StatusNotFound && method == http.MethodGet:
		return myft.TransportErrorKindNoData
	case statusCode >= 400 && statusCode < 500:
		return myft.TransportErrorKindClient
	default:
		return myft.TransportErrorKindServer
	}
}

// responseMessage extracts a human-readable message from an error body.
func responseMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	if gjson.ValidBytes(trimmed) {
		parsed := gjson.ParseBytes(trimmed)
		if parsed.Type == gjson.String {
			return truncate(parsed.String())
		}
		for _, path := range []string{"message", "error.message", "error", "errorMessage"} {
			if value := parsed.Get(path); value.Type == gjson.String && value.String() != "" {
				return truncate(value.String())
			}
		}
		return ""
	}

	return truncate(string(trimmed))
}

func truncate(message string) string {
	message = strings.TrimSpace(message)
	if len(message) > maxMessageLength {
		return message[:maxMessageLength]
	}

	return message
}
