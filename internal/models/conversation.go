// Package models defines the core data types for convsync.
package models

import (
	"errors"
	"strings"
	"time"
)

// ParticipantStatus is the presence of a conversation's counterpart.
type ParticipantStatus string

const (
	ParticipantStatusUnknown ParticipantStatus = ""
	ParticipantStatusOnline  ParticipantStatus = "online"
	ParticipantStatusOffline ParticipantStatus = "offline"
)

// ParseParticipantStatus maps wire values onto a ParticipantStatus.
// Anything unrecognized is unknown.
func ParseParticipantStatus(s string) ParticipantStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return ParticipantStatusOnline
	case "offline":
		return ParticipantStatusOffline
	default:
		return ParticipantStatusUnknown
	}
}

// Validation errors for conversations.
var (
	ErrMissingConversationID = errors.New("conversation id is required")
	ErrMissingUpdatedAt      = errors.New("updated_at is required")
	ErrNegativeUnreadCount   = errors.New("unread count must not be negative")
)

// Conversation is one row of the conversation list.
type Conversation struct {
	// ID is the stable server identifier.
	ID string `json:"id"`

	// DisplayName is resolved from nickname > counterpart name > fallback.
	DisplayName string `json:"display_name"`

	// LastMessagePreview may be empty.
	LastMessagePreview string `json:"last_message_preview,omitempty"`

	// UpdatedAt drives sort order (descending).
	UpdatedAt time.Time `json:"updated_at"`

	// UnreadCount is the authoritative server count.
	UnreadCount int `json:"unread_count"`

	IsPinned bool `json:"is_pinned,omitempty"`
	IsHidden bool `json:"is_hidden,omitempty"`
	IsGroup  bool `json:"is_group,omitempty"`
	IsMuted  bool `json:"is_muted,omitempty"`

	ParticipantStatus ParticipantStatus `json:"participant_status,omitempty"`
}

// ResolveDisplayName picks the first non-empty of nickname, counterpart
// name and fallback.
func ResolveDisplayName(nickname, counterpartName, fallback string) string {
	for _, candidate := range []string{nickname, counterpartName, fallback} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// Validate reports fields that make a conversation unusable.
func (c Conversation) Validate() error {
	var problems FieldErrors
	problems.Require(strings.TrimSpace(c.ID) != "", "id", ErrMissingConversationID)
	problems.Require(!c.UpdatedAt.IsZero(), "updated_at", ErrMissingUpdatedAt)
	problems.Require(c.UnreadCount >= 0, "unread_count", ErrNegativeUnreadCount)
	return problems.Err()
}
