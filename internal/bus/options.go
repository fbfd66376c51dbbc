package bus

import (
	"context"
	"log/slog"
	"time"

	"myft-client/pkg/myft"
)

const (
	defaultSubscriptionBuffer = 64
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 5 * time.Second
)

// config stores resolved bus settings after option application.
type config struct {
	subscriptionBuffer int
	subscriptionWorker int
	handlerTimeout     time.Duration
	backpressure       myft.BackpressurePolicy
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
}

// Option mutates bus construction configuration.
type Option func(*config)

// defaultConfig returns defaults that never lose events for queued subscribers.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionWorker: defaultSubscriptionWorker,
		handlerTimeout:     defaultHandlerTimeout,
		backpressure:       myft.BackpressureBlock,
		logger:             logger,
		onAsyncError: func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "myft bus async error", "scope", scope, "error", err)
		},
	}
}

// WithDefaultBuffer configures default subscriber queue depth.
func WithDefaultBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultWorkers configures default subscriber worker count.
func WithDefaultWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorker = workers
		}
	}
}

// WithDefaultHandlerTimeout configures default per-event handler timeout.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithDefaultBackpressure configures the policy used when a spec omits one.
func WithDefaultBackpressure(policy myft.BackpressurePolicy) Option {
	return func(cfg *config) {
		switch policy {
		case myft.BackpressureBlock, myft.BackpressureDropNewest, myft.BackpressureDropOldest:
			cfg.backpressure = policy
		}
	}
}

// WithLogger configures the logger used by the default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "myft bus async error", "scope", scope, "error", err)
		}
	}
}

// WithAsyncErrorHandler configures handler failure reporting.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}
