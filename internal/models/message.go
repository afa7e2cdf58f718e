package models

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the delivery state of a single message.
// The zero value sorts below every real status.
type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
)

// Rank orders statuses: sent < delivered < read. Unknown values rank 0.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusSent:
		return 1
	case DeliveryStatusDelivered:
		return 2
	case DeliveryStatusRead:
		return 3
	default:
		return 0
	}
}

// Max returns whichever of s and other ranks higher.
func (s DeliveryStatus) Max(other DeliveryStatus) DeliveryStatus {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// ParseDeliveryStatus parses a wire status.
func ParseDeliveryStatus(raw string) (DeliveryStatus, error) {
	status := DeliveryStatus(strings.ToLower(strings.TrimSpace(raw)))
	if status.Rank() == 0 {
		return "", fmt.Errorf("unknown delivery status %q", raw)
	}
	return status, nil
}

// Message is a chat message whose delivery is tracked.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         DeliveryStatus `json:"status"`
}
