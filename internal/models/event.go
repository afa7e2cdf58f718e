package models

import (
	"encoding/json"
	"time"
)

// EventType categorizes notifications published by the engine.
type EventType string

const (
	// Conversation events
	EventTypeConversationUpdated EventType = "conversation.updated"
	EventTypeConversationRemoved EventType = "conversation.removed"
	EventTypeTypingChanged       EventType = "typing.changed"

	// Action events
	EventTypeActionFailed EventType = "action.failed"

	// Sync events
	EventTypeSyncCompleted EventType = "sync.completed"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeConversation EntityType = "conversation"
	EntityTypeMessage      EntityType = "message"
	EntityTypeSystem       EntityType = "system"
)

// Event is an in-process notification.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ActionFailedPayload is the payload for action.failed events. Message is
// suitable for a transient toast.
type ActionFailedPayload struct {
	ActionID string     `json:"action_id"`
	Kind     ActionKind `json:"kind"`
	Message  string     `json:"message"`
	Error    string     `json:"error"`
}

// TypingChangedPayload lists who is typing in a conversation.
type TypingChangedPayload struct {
	UserIDs []string `json:"user_ids"`
}

// SyncCompletedPayload summarizes one applied snapshot.
type SyncCompletedPayload struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}
