package client

import (
	"context"
	"fmt"
	"log/slog"

	"myft-client/internal/personalise"
	"myft-client/internal/telemetry"
	"myft-client/internal/transport"
	"myft-client/pkg/myft"
)

// options stores resolved client collaborators after option application.
type options struct {
	logger           *slog.Logger
	metrics          *telemetry.Metrics
	transport        myft.Transport
	transportOptions []transport.Option
	identity         myft.IdentityProvider
	bus              myft.EventBus
	personaliser     *personalise.Personaliser
}

// Option mutates client construction.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		identity: myft.IdentityProviderFunc(func(context.Context) (myft.Identity, error) {
			return myft.Identity{}, fmt.Errorf("no identity provider configured: %w", myft.ErrNoSession)
		}),
		personaliser: personalise.New(),
	}
}

// WithLogger configures the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithMetrics records requests, loads, mutations, and events.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(opts *options) {
		opts.metrics = metrics
	}
}

// WithTransport replaces the HTTP transport built from the API root.
func WithTransport(t myft.Transport) Option {
	return func(opts *options) {
		if t != nil {
			opts.transport = t
		}
	}
}

// WithTransportOptions configures the HTTP transport built from the API root.
func WithTransportOptions(transportOptions ...transport.Option) Option {
	return func(opts *options) {
		opts.transportOptions = append(opts.transportOptions, transportOptions...)
	}
}

// WithIdentityProvider configures how the acting user is resolved.
// Without one every client is anonymous.
func WithIdentityProvider(provider myft.IdentityProvider) Option {
	return func(opts *options) {
		if provider != nil {
			opts.identity = provider
		}
	}
}

// WithEventBus shares an existing bus. The client does not close a shared bus.
func WithEventBus(eventBus myft.EventBus) Option {
	return func(opts *options) {
		if eventBus != nil {
			opts.bus = eventBus
		}
	}
}

// WithPersonaliser configures URL personalisation rules.
func WithPersonaliser(personaliser *personalise.Personaliser) Option {
	return func(opts *options) {
		if personaliser != nil {
			opts.personaliser = personaliser
		}
	}
}
