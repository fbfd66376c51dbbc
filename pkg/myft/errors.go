package myft

import "errors"

var (
	// ErrMissingAPIRoot indicates a client was constructed without an API root.
	ErrMissingAPIRoot = errors.New("myft: api root is required")
	// ErrNoSession indicates that no user session exists for identity resolution.
	ErrNoSession = errors.New("myft: no session")
	// ErrNoUserData indicates the API holds no data for the requested relationship.
	ErrNoUserData = errors.New("myft: no user data exists")
	// ErrInvalidActor indicates a mutation for a non-user actor without an actor id.
	ErrInvalidActor = errors.New("myft: invalid actor")
	// ErrUnknownRelationship indicates a query for a relationship that was never requested.
	ErrUnknownRelationship = errors.New("myft: unknown relationship")
	// ErrNotInitialized indicates a query issued before client initialization started.
	ErrNotInitialized = errors.New("myft: client not initialized")
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("myft: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("myft: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("myft: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("myft: event dropped due to backpressure")
	// ErrBusClosed indicates publish or subscribe on a closed bus.
	ErrBusClosed = errors.New("myft: event bus closed")
)
