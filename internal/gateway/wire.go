package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/convsync/internal/models"
)

// WireConversation is a conversation as the backend serializes it.
type WireConversation struct {
	ID                 string    `json:"id"`
	Nickname           string    `json:"nickname,omitempty"`
	CounterpartName    string    `json:"counterpartName,omitempty"`
	Title              string    `json:"title,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
	UnreadCount        *int      `json:"unreadCount"`
	IsPinned           bool      `json:"isPinned,omitempty"`
	IsHidden           bool      `json:"isHidden,omitempty"`
	IsGroup            bool      `json:"isGroup,omitempty"`
	IsMuted            bool      `json:"isMuted,omitempty"`
	ParticipantStatus  string    `json:"participantStatus,omitempty"`
}

// ConversationsResponse is the body of GET /conversations.
type ConversationsResponse struct {
	Conversations []json.RawMessage `json:"conversations"`
}

// Conversation converts w to the local model. Negative counts are clamped.
// A missing unreadCount is an error rather than zero: a silent zero would
// overwrite the stored count and drag read markers down with it.
func (w WireConversation) Conversation() (models.Conversation, error) {
	fallback := w.ID
	if strings.TrimSpace(w.Title) != "" {
		fallback = w.Title
	}
	c := models.Conversation{
		ID:                 strings.TrimSpace(w.ID),
		DisplayName:        models.ResolveDisplayName(w.Nickname, w.CounterpartName, fallback),
		LastMessagePreview: w.LastMessagePreview,
		UpdatedAt:          w.UpdatedAt.UTC(),
		UnreadCount:        max(deref(w.UnreadCount), 0),
		IsPinned:           w.IsPinned,
		IsHidden:           w.IsHidden,
		IsGroup:            w.IsGroup,
		IsMuted:            w.IsMuted,
		ParticipantStatus:  models.ParseParticipantStatus(w.ParticipantStatus),
	}
	var problems models.FieldErrors
	if err := c.Validate(); err != nil && !errors.As(err, &problems) {
		return models.Conversation{}, err
	}
	problems.Require(w.UnreadCount != nil, "unreadCount", ErrMissingUnreadCount)
	if err := problems.Err(); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

// WireFromConversation is the inverse of Conversation, used by test
// backends.
func WireFromConversation(c models.Conversation) WireConversation {
	w := WireConversation{
		ID:                 c.ID,
		LastMessagePreview: c.LastMessagePreview,
		UpdatedAt:          c.UpdatedAt,
		UnreadCount:        &c.UnreadCount,
		IsPinned:           c.IsPinned,
		IsHidden:           c.IsHidden,
		IsGroup:            c.IsGroup,
		IsMuted:            c.IsMuted,
		ParticipantStatus:  string(c.ParticipantStatus),
	}
	if c.IsGroup {
		w.Title = c.DisplayName
	} else {
		w.CounterpartName = c.DisplayName
	}
	return w
}

// SkippedEntry describes a snapshot entry that could not be decoded.
type SkippedEntry struct {
	Index int
	Err   error
}

// DecodeConversations decodes a snapshot body. It accepts either
// {"conversations": [...]} or a bare array. Entries that fail to decode or
// validate are reported in skipped; the rest are returned.
func DecodeConversations(payload []byte) ([]models.Conversation, []SkippedEntry, error) {
	payload = bytes.TrimSpace(payload)
	var entries []json.RawMessage
	if len(payload) > 0 && payload[0] == '[' {
		if err := json.Unmarshal(payload, &entries); err != nil {
			return nil, nil, fmt.Errorf("decode conversations: %w", err)
		}
	} else {
		var resp ConversationsResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, nil, fmt.Errorf("decode conversations: %w", err)
		}
		entries = resp.Conversations
	}

	out := make([]models.Conversation, 0, len(entries))
	var skipped []SkippedEntry
	for i, raw := range entries {
		var w WireConversation
		if err := json.Unmarshal(raw, &w); err != nil {
			skipped = append(skipped, SkippedEntry{Index: i, Err: err})
			continue
		}
		c, err := w.Conversation()
		if err != nil {
			skipped = append(skipped, SkippedEntry{Index: i, Err: err})
			continue
		}
		out = append(out, c)
	}
	return out, skipped, nil
}

// Envelope is one socket frame.
type Envelope struct {
	Type    models.SocketEventType `json:"type"`
	Payload json.RawMessage        `json:"payload,omitempty"`
}

// Decode errors.
var (
	ErrMissingUnreadCount = errors.New("unread count is required")
	ErrRequiredField      = errors.New("required")

	ErrUnknownEventType = errors.New("unknown socket event type")
	ErrMissingPayload   = errors.New("socket event payload is missing")
	ErrInvalidPayload   = errors.New("socket event payload is invalid")
)

// DecodeSocketEvent decodes one frame. receivedAt stamps the event.
func DecodeSocketEvent(data []byte, receivedAt time.Time) (models.SocketEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.SocketEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	ev := models.SocketEvent{Type: env.Type, ReceivedAt: receivedAt}

	switch env.Type {
	case models.SocketNewMessage:
		var p models.NewMessagePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return models.SocketEvent{}, err
		}
		if err := requireFields(field{"conversationId", p.ConversationID}); err != nil {
			return models.SocketEvent{}, err
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = receivedAt
		}
		ev.NewMessage = &p
	case models.SocketTyping, models.SocketStoppedTyping:
		var p models.TypingPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return models.SocketEvent{}, err
		}
		if err := requireFields(field{"conversationId", p.ConversationID}, field{"userId", p.UserID}); err != nil {
			return models.SocketEvent{}, err
		}
		ev.Typing = &p
	case models.SocketReadReceipt:
		var p models.ReadReceiptPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return models.SocketEvent{}, err
		}
		if err := requireFields(field{"conversationId", p.ConversationID}); err != nil {
			return models.SocketEvent{}, err
		}
		status, err := models.ParseDeliveryStatus(string(p.Status))
		if err != nil {
			return models.SocketEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p.Status = status
		ev.ReadReceipt = &p
	case models.SocketConnected:
	default:
		return models.SocketEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	return ev, nil
}

type field struct {
	name  string
	value string
}

func requireFields(fields ...field) error {
	var problems models.FieldErrors
	for _, f := range fields {
		problems.Require(strings.TrimSpace(f.value) != "", f.name, ErrRequiredField)
	}
	if err := problems.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// EncodeSocketEvent is the inverse of DecodeSocketEvent.
func EncodeSocketEvent(ev models.SocketEvent) ([]byte, error) {
	var payload any
	switch {
	case ev.NewMessage != nil:
		payload = ev.NewMessage
	case ev.Typing != nil:
		payload = ev.Typing
	case ev.ReadReceipt != nil:
		payload = ev.ReadReceipt
	}
	env := Envelope{Type: ev.Type}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
