package models

import "time"

// SocketEventType identifies a push event from the socket.
type SocketEventType string

const (
	SocketNewMessage    SocketEventType = "new_message"
	SocketTyping        SocketEventType = "typing"
	SocketStoppedTyping SocketEventType = "stopped_typing"
	SocketReadReceipt   SocketEventType = "read_receipt"
	// SocketConnected is emitted locally after every successful (re)connect.
	SocketConnected SocketEventType = "connected"
)

// SocketEvent is a decoded socket push. Exactly one payload is set,
// matching Type; SocketConnected carries none.
type SocketEvent struct {
	Type       SocketEventType
	ReceivedAt time.Time

	NewMessage  *NewMessagePayload
	Typing      *TypingPayload
	ReadReceipt *ReadReceiptPayload
}

// ConversationID returns the conversation the event refers to, if any.
func (e SocketEvent) ConversationID() string {
	switch {
	case e.NewMessage != nil:
		return e.NewMessage.ConversationID
	case e.Typing != nil:
		return e.Typing.ConversationID
	case e.ReadReceipt != nil:
		return e.ReadReceipt.ConversationID
	default:
		return ""
	}
}

// NewMessagePayload is the payload of new_message.
type NewMessagePayload struct {
	MessageID      string    `json:"messageId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingPayload is the payload of typing and stopped_typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ReadReceiptPayload advances delivery status. An empty MessageID scopes
// the receipt to the whole conversation.
type ReadReceiptPayload struct {
	ConversationID string         `json:"conversationId"`
	MessageID      string         `json:"messageId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Status         DeliveryStatus `json:"status"`
}
