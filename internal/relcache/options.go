package relcache

import (
	"context"
	"log/slog"

	"myft-client/internal/telemetry"
	"myft-client/pkg/myft"
)

// config stores resolved cache settings after option application.
type config struct {
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	onAsyncError func(context.Context, myft.RelationshipKey, error)
}

// Option mutates cache construction configuration.
type Option func(*config)

func defaultConfig() config {
	logger := slog.Default()

	return config{
		logger: logger,
		onAsyncError: func(ctx context.Context, key myft.RelationshipKey, err error) {
			logger.ErrorContext(ctx, "myft relationship load failed", "relationship", key.String(), "error", err)
		},
	}
}

// WithLogger configures the cache logger and the default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = func(ctx context.Context, key myft.RelationshipKey, err error) {
			logger.ErrorContext(ctx, "myft relationship load failed", "relationship", key.String(), "error", err)
		}
	}
}

// WithMetrics records load outcomes and published events.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = metrics
	}
}

// WithAsyncErrorHandler configures reporting of background load failures.
func WithAsyncErrorHandler(handler func(context.Context, myft.RelationshipKey, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}
