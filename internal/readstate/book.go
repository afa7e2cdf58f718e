package readstate

import (
	"strings"
	"sync"
	"time"

	"github.com/tOgg1/convsync/internal/models"
)

// Book stores read markers keyed by conversation id. It is safe for
// concurrent use.
type Book struct {
	mu      sync.Mutex
	markers map[string]models.ReadMarker
	now     func() time.Time

	// onChange is called (outside the lock) whenever a read-by-user marker
	// appears, disappears or changes its recorded count.
	onChange func(set map[string]int)
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{
		markers: make(map[string]models.ReadMarker),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnChange registers fn to receive the read set after each change.
func (b *Book) OnChange(fn func(set map[string]int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Marker returns a copy of the marker for id, or nil.
func (b *Book) Marker(id string) *models.ReadMarker {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.markers[id]
	if !ok {
		return nil
	}
	return &m
}

// MarkRead records that the user has read id while its authoritative
// count was count.
func (b *Book) MarkRead(id string, count int) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	count = max(count, 0)
	b.mu.Lock()
	prev, had := b.markers[id]
	b.markers[id] = models.ReadMarker{
		ConversationID: id,
		State:          models.MarkerReadByUser,
		RecordedCount:  count,
		SetAt:          b.now(),
	}
	changed := !had || prev.State != models.MarkerReadByUser || prev.RecordedCount != count
	b.mu.Unlock()

	if changed {
		b.notify()
	}
}

// MarkUnread records that the user asked for id to be unread. The
// unread-pending marker keeps the row unread until the server reports a
// positive count, so a poll that predates the request cannot clear it.
func (b *Book) MarkUnread(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	b.mu.Lock()
	prev, had := b.markers[id]
	b.markers[id] = models.ReadMarker{
		ConversationID: id,
		State:          models.MarkerUnreadPending,
		SetAt:          b.now(),
	}
	b.mu.Unlock()

	if had && prev.State == models.MarkerReadByUser {
		b.notify()
	}
}

// Observe feeds an authoritative unread count for id.
//
// A count above the recorded one means messages arrived after the marker
// was set, so the marker is cleared and they surface. A lower count means
// the server has caught up with the read, so the recorded count follows it
// down; the next message then surfaces even if the total stays below the
// count the user originally read at. An unread-pending marker is dropped
// once the server reports the conversation unread itself.
func (b *Book) Observe(id string, count int) {
	b.mu.Lock()
	m, ok := b.markers[id]
	changed := false
	switch {
	case !ok:
	case m.State == models.MarkerUnreadPending:
		if count > 0 {
			delete(b.markers, id)
		}
	case count > m.RecordedCount:
		delete(b.markers, id)
		changed = true
	case count < m.RecordedCount:
		m.RecordedCount = max(count, 0)
		b.markers[id] = m
		changed = true
	}
	b.mu.Unlock()

	if changed {
		b.notify()
	}
}

// Restore puts back a marker snapshot. A nil snapshot removes the marker.
func (b *Book) Restore(id string, snapshot *models.ReadMarker) {
	b.mu.Lock()
	prev, had := b.markers[id]
	if snapshot == nil {
		delete(b.markers, id)
	} else {
		b.markers[id] = *snapshot
	}
	b.mu.Unlock()

	if (had && prev.State == models.MarkerReadByUser) || (snapshot != nil && snapshot.State == models.MarkerReadByUser) {
		b.notify()
	}
}

// Forget drops every trace of id, e.g. after a confirmed delete.
func (b *Book) Forget(id string) {
	b.Restore(id, nil)
}

// Seed restores read-by-user markers loaded from persistent storage at
// the counts they were recorded with. Ids that already have a marker keep
// it.
func (b *Book) Seed(set map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, count := range set {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, exists := b.markers[id]; exists {
			continue
		}
		b.markers[id] = models.ReadMarker{
			ConversationID: id,
			State:          models.MarkerReadByUser,
			RecordedCount:  max(count, 0),
			SetAt:          now,
		}
	}
}

// ReadSet returns the read-by-user ids with their recorded counts.
func (b *Book) ReadSet() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readSetLocked()
}

func (b *Book) readSetLocked() map[string]int {
	out := make(map[string]int, len(b.markers))
	for id, m := range b.markers {
		if m.State == models.MarkerReadByUser {
			out[id] = m.RecordedCount
		}
	}
	return out
}

func (b *Book) notify() {
	b.mu.Lock()
	fn := b.onChange
	var set map[string]int
	if fn != nil {
		set = b.readSetLocked()
	}
	b.mu.Unlock()
	if fn != nil {
		fn(set)
	}
}
