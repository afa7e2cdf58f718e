// Package store holds the canonical in-memory conversation table.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/tOgg1/convsync/internal/models"
)

// Store is the single source of truth for rendering the conversation list.
// It is safe for concurrent use; compound read-modify-write sequences that
// span other state belong to the caller's critical section.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
}

// New creates an empty Store.
func New() *Store {
	return &Store{conversations: make(map[string]models.Conversation)}
}

// Upsert merges c into the table and returns the stored result.
func (s *Store) Upsert(c models.Conversation) models.Conversation {
	c = normalize(c)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[c.ID]
	if !ok {
		s.conversations[c.ID] = c
		return c
	}
	merged := Merge(existing, c)
	s.conversations[c.ID] = merged
	return merged
}

// Restore replaces the entry for c.ID with c exactly, bypassing merge rules.
func (s *Store) Restore(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
}

// Update applies fn to the stored conversation under the write lock.
// It returns false when id is absent.
func (s *Store) Update(id string, fn func(*models.Conversation)) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	fn(&c)
	c.ID = id
	c = normalize(c)
	s.conversations[id] = c
	return c, true
}

// Remove deletes id and reports whether it was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return false
	}
	delete(s.conversations, id)
	return true
}

// Get returns the conversation for id.
func (s *Store) Get(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// List returns every conversation, pinned first, then by UpdatedAt
// descending. Ties fall back to id so the order is deterministic.
func (s *Store) List() []models.Conversation {
	s.mu.RLock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// TotalUnread sums UnreadCount over non-muted conversations.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.conversations {
		if c.IsMuted {
			continue
		}
		total += c.UnreadCount
	}
	return total
}

// Less reports whether a sorts before b in the rendered list.
func Less(a, b models.Conversation) bool {
	if a.IsPinned != b.IsPinned {
		return a.IsPinned
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// Merge combines an incoming update with the stored conversation.
//
// Activity fields (UpdatedAt, LastMessagePreview, UnreadCount) come from
// whichever side has the later UpdatedAt; on a tie the side with a
// non-empty preview wins, and the incoming side wins if both or neither
// have one. Metadata follows the incoming update when it is not older; an
// older update only fills blanks.
func Merge(existing, incoming models.Conversation) models.Conversation {
	incomingWins := incomingActivityWins(existing, incoming)

	out := existing
	if incomingWins {
		out.UpdatedAt = incoming.UpdatedAt
		out.LastMessagePreview = incoming.LastMessagePreview
		out.UnreadCount = incoming.UnreadCount
	}

	if !incoming.UpdatedAt.Before(existing.UpdatedAt) {
		if incoming.DisplayName != "" {
			out.DisplayName = incoming.DisplayName
		}
		out.IsPinned = incoming.IsPinned
		out.IsHidden = incoming.IsHidden
		out.IsGroup = incoming.IsGroup
		out.IsMuted = incoming.IsMuted
		if incoming.ParticipantStatus != models.ParticipantStatusUnknown {
			out.ParticipantStatus = incoming.ParticipantStatus
		}
	} else {
		if out.DisplayName == "" {
			out.DisplayName = incoming.DisplayName
		}
		if out.ParticipantStatus == models.ParticipantStatusUnknown {
			out.ParticipantStatus = incoming.ParticipantStatus
		}
	}
	return normalize(out)
}

func incomingActivityWins(existing, incoming models.Conversation) bool {
	switch {
	case incoming.UpdatedAt.After(existing.UpdatedAt):
		return true
	case incoming.UpdatedAt.Before(existing.UpdatedAt):
		return false
	}
	existingHasPreview := strings.TrimSpace(existing.LastMessagePreview) != ""
	incomingHasPreview := strings.TrimSpace(incoming.LastMessagePreview) != ""
	if existingHasPreview && !incomingHasPreview {
		return false
	}
	return true
}

func normalize(c models.Conversation) models.Conversation {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	return c
}
