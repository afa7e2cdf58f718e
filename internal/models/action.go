package models

import "time"

// ActionKind is a gesture-committed mutation.
type ActionKind string

const (
	ActionDelete     ActionKind = "delete"
	ActionMarkRead   ActionKind = "markRead"
	ActionMarkUnread ActionKind = "markUnread"
)

// Valid reports whether k is a known action.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionDelete, ActionMarkRead, ActionMarkUnread:
		return true
	default:
		return false
	}
}

// PendingAction is an optimistic mutation awaiting server confirmation.
type PendingAction struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Kind           ActionKind `json:"kind"`

	// OptimisticSnapshot is the conversation before the mutation.
	OptimisticSnapshot Conversation `json:"optimistic_snapshot"`
	// Existed is false when the conversation was not in the store.
	Existed bool `json:"existed"`
	// MarkerSnapshot is the read marker before the mutation, nil if none.
	MarkerSnapshot *ReadMarker `json:"marker_snapshot,omitempty"`

	StartedAt time.Time `json:"started_at"`
}
