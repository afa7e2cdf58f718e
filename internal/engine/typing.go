package engine

import (
	"sort"
	"time"
)

// typingSet tracks who is typing per conversation. Entries expire after ttl
// so a lost stopped_typing never leaves a stale indicator. Not safe for
// concurrent use; the engine lock guards it.
type typingSet struct {
	ttl     time.Duration
	entries map[string]map[string]time.Time
}

func newTypingSet(ttl time.Duration) *typingSet {
	return &typingSet{ttl: ttl, entries: make(map[string]map[string]time.Time)}
}

// start records userID as typing and reports whether the visible set changed.
func (t *typingSet) start(conversationID, userID string, now time.Time) bool {
	users := t.entries[conversationID]
	if users == nil {
		users = make(map[string]time.Time)
		t.entries[conversationID] = users
	}
	prev, ok := users[userID]
	users[userID] = now
	return !ok || now.Sub(prev) >= t.ttl
}

func (t *typingSet) stop(conversationID, userID string) bool {
	users := t.entries[conversationID]
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	return true
}

func (t *typingSet) clear(conversationID string) bool {
	_, ok := t.entries[conversationID]
	delete(t.entries, conversationID)
	return ok
}

func (t *typingSet) users(conversationID string, now time.Time) []string {
	users := t.entries[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for id, at := range users {
		if now.Sub(at) < t.ttl {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// sweep drops expired entries and returns the conversations that changed.
func (t *typingSet) sweep(now time.Time) []string {
	var changed []string
	for convID, users := range t.entries {
		before := len(users)
		for id, at := range users {
			if now.Sub(at) >= t.ttl {
				delete(users, id)
			}
		}
		if len(users) != before {
			changed = append(changed, convID)
		}
		if len(users) == 0 {
			delete(t.entries, convID)
		}
	}
	sort.Strings(changed)
	return changed
}
