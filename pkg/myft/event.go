package myft

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActorUser is the actor owning the acting user's own relationships.
const ActorUser = "user"

// MutationAction identifies the kind of relationship mutation.
type MutationAction string

const (
	// MutationActionAdd creates a relationship.
	MutationActionAdd MutationAction = "add"
	// MutationActionRemove deletes a relationship.
	MutationActionRemove MutationAction = "remove"
)

const loadAction = "load"

// Event is the envelope delivered through the event bus.
type Event struct {
	// ID is a unique identifier for this event instance.
	ID string
	// Name is the dotted topic, for example "user.followed.topic.load".
	Name string
	// OccurredAt records when the event was created.
	OccurredAt time.Time
	// Payload is a Collection for load events and MutationDetails for mutations.
	Payload any
}

// NewEvent creates an event with a fresh id.
func NewEvent(name string, payload any) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Validate checks event invariants required by the bus.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidEvent)
	}
	for _, segment := range strings.Split(e.Name, ".") {
		if segment == "" || segment == "*" {
			return fmt.Errorf("%w: malformed name %q", ErrInvalidEvent, e.Name)
		}
	}

	return nil
}

// Collection returns the load payload when the event carries one.
func (e *Event) Collection() (Collection, bool) {
	if e == nil {
		return Collection{}, false
	}
	collection, ok := e.Payload.(Collection)

	return collection, ok
}

// Details returns the mutation payload when the event carries one.
func (e *Event) Details() (MutationDetails, bool) {
	if e == nil {
		return MutationDetails{}, false
	}
	details, ok := e.Payload.(MutationDetails)

	return details, ok
}

// LoadEventName returns "user.<relationship>.<type>.load".
func LoadEventName(key RelationshipKey) string {
	return ActorUser + "." + key.String() + "." + loadAction
}

// MutationEventName returns "<actor>.<relationship>.<type>.<action>".
func MutationEventName(actor string, key RelationshipKey, action MutationAction) string {
	return actor + "." + key.String() + "." + string(action)
}

// Mutation describes one add or remove request.
type Mutation struct {
	// Actor owns the relationship; usually ActorUser.
	Actor string
	// ActorID identifies the actor. Empty means the current user for ActorUser.
	ActorID string
	// Key addresses the relationship collection.
	Key RelationshipKey
	// Subject identifies the related content.
	Subject string
	// Data is sent as the JSON body of an add and echoed in events.
	Data any
}

// Endpoint returns "<actor>/<actorId>/<relationship>/<type>/<subject>" for a resolved actor id.
func (m Mutation) Endpoint(actorID string) string {
	return JoinEndpoint(m.Actor, actorID, m.Key.Relationship, m.Key.Type, m.Subject)
}

// MutationDetails is the payload of mutation events and the result of add/remove.
type MutationDetails struct {
	ActorID string          `json:"actorId"`
	Results json.RawMessage `json:"results,omitempty"`
	Subject string          `json:"subject"`
	Data    any             `json:"data,omitempty"`
}
