// Package delivery tracks per-message delivery status.
package delivery

import (
	"strings"
	"sync"

	"github.com/tOgg1/convsync/internal/models"
)

// Tracker keeps the highest status seen for each message. Status never
// regresses: a late delivered receipt cannot undo read.
type Tracker struct {
	mu             sync.RWMutex
	messages       map[string]models.Message
	byConversation map[string]map[string]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		messages:       make(map[string]models.Message),
		byConversation: make(map[string]map[string]struct{}),
	}
}

// Track registers msg. A message without a status starts as sent. Tracking
// an already known message only advances its status.
func (t *Tracker) Track(msg models.Message) models.Message {
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		return msg
	}
	if msg.Status.Rank() == 0 {
		msg.Status = models.DeliveryStatusSent
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.messages[msg.ID]; ok {
		existing.Status = existing.Status.Max(msg.Status)
		t.messages[msg.ID] = existing
		return existing
	}
	t.messages[msg.ID] = msg
	ids := t.byConversation[msg.ConversationID]
	if ids == nil {
		ids = make(map[string]struct{})
		t.byConversation[msg.ConversationID] = ids
	}
	ids[msg.ID] = struct{}{}
	return msg
}

// Advance raises messageID to status if status is higher. It returns the
// resulting status and whether it changed.
func (t *Tracker) Advance(messageID string, status models.DeliveryStatus) (models.DeliveryStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[messageID]
	if !ok {
		return "", false
	}
	next := msg.Status.Max(status)
	if next == msg.Status {
		return msg.Status, false
	}
	msg.Status = next
	t.messages[messageID] = msg
	return next, true
}

// AdvanceConversation raises every tracked message of conversationID to
// status. If senderID is set only that sender's messages move. It returns
// the number of messages that changed.
func (t *Tracker) AdvanceConversation(conversationID, senderID string, status models.DeliveryStatus) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := 0
	for id := range t.byConversation[conversationID] {
		msg := t.messages[id]
		if senderID != "" && msg.SenderID != senderID {
			continue
		}
		next := msg.Status.Max(status)
		if next == msg.Status {
			continue
		}
		msg.Status = next
		t.messages[id] = msg
		changed++
	}
	return changed
}

// MarkConversationRead moves every message of the conversation to read.
func (t *Tracker) MarkConversationRead(conversationID string) int {
	return t.AdvanceConversation(conversationID, "", models.DeliveryStatusRead)
}

// Status returns the current status of messageID.
func (t *Tracker) Status(messageID string) (models.DeliveryStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msg, ok := t.messages[messageID]
	return msg.Status, ok
}

// Message returns the tracked message.
func (t *Tracker) Message(messageID string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msg, ok := t.messages[messageID]
	return msg, ok
}

// Forget drops every message of conversationID.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.byConversation[conversationID] {
		delete(t.messages, id)
	}
	delete(t.byConversation, conversationID)
}
