package models

import "time"

// MarkerState is the local read state of a conversation.
type MarkerState string

const (
	MarkerReadByUser    MarkerState = "read-by-user"
	MarkerUnreadPending MarkerState = "unread-pending"
)

// ReadMarker records that the user has read a conversation locally.
// It is never sent to the server.
type ReadMarker struct {
	ConversationID string      `json:"conversation_id"`
	State          MarkerState `json:"state"`
	// RecordedCount is the authoritative unread count when the marker was set.
	RecordedCount int       `json:"recorded_count"`
	SetAt         time.Time `json:"set_at"`
}
