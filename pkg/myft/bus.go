package myft

import (
	"context"
	"strings"
	"time"
)

// BackpressurePolicy defines how queues behave when subscriber buffers are full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming event when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued event before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock blocks until queue space is available or context is canceled.
	BackpressureBlock BackpressurePolicy = "block"
)

// EventHandler processes a single event.
type EventHandler func(ctx context.Context, event *Event) error

// EventSink accepts events for delivery to subscribers.
type EventSink interface {
	// Publish delivers an event to every matching subscriber.
	Publish(ctx context.Context, event *Event) error
}

// Topics selects events by dotted name.
//
// A pattern matches a name with the same number of segments where each pattern
// segment equals the name segment or is "*". An empty Topics matches every event.
type Topics []string

// Matches reports whether name is selected.
func (t Topics) Matches(name string) bool {
	if len(t) == 0 {
		return true
	}
	for _, pattern := range t {
		if topicMatches(pattern, name) {
			return true
		}
	}

	return false
}

func topicMatches(pattern, name string) bool {
	if pattern == name {
		return true
	}
	patternSegments := strings.Split(pattern, ".")
	nameSegments := strings.Split(name, ".")
	if len(patternSegments) != len(nameSegments) {
		return false
	}
	for idx, segment := range patternSegments {
		if segment != "*" && segment != nameSegments[idx] {
			return false
		}
	}

	return true
}

// SubscriptionSpec configures a single consumer subscription.
type SubscriptionSpec struct {
	// Name identifies the subscription in logs.
	Name string
	// Topics selects which events are delivered.
	Topics Topics
	// Queued hands events to a bounded worker queue instead of running the handler
	// in the publisher goroutine. Queued handlers give up registration-order delivery.
	Queued bool
	// Once detaches the subscription after the first delivered event.
	Once bool
	// Buffer is the queue depth of a queued subscription.
	Buffer int
	// Workers is the number of queue consumers of a queued subscription.
	Workers int
	// HandlerTimeout bounds one handler call.
	HandlerTimeout time.Duration
	// Backpressure selects the full-queue policy of a queued subscription.
	Backpressure BackpressurePolicy
}

// Subscription controls an active event stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// EventBus is the in-process named-topic pub/sub contract.
type EventBus interface {
	EventSink
	// Subscribe registers a handler. Events published before registration are never replayed.
	Subscribe(ctx context.Context, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}
