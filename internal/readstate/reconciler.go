// Package readstate decides whether a conversation is shown as unread.
//
// EffectiveUnread is the single authority for "is this unread": every screen
// asks it instead of re-deriving the answer from UnreadCount. The Book holds
// the local read markers it consults.
package readstate

import "github.com/tOgg1/convsync/internal/models"

// View is the effective unread state of one conversation.
type View struct {
	DisplayUnread bool `json:"display_unread"`
	BadgeCount    int  `json:"badge_count"`
}

// EffectiveUnread resolves the unread view for c.
//
// An open conversation is never unread. A read-by-user marker suppresses the
// badge until the authoritative count rises above the count recorded with
// the marker, so a stale poll cannot resurrect unread styling for a
// conversation the user just opened. An unread-pending marker shows a
// badge of one until the server count catches up.
func EffectiveUnread(c models.Conversation, marker *models.ReadMarker, isOpen bool) View {
	if isOpen {
		return View{}
	}
	if marker != nil && marker.State == models.MarkerReadByUser && c.UnreadCount <= marker.RecordedCount {
		return View{}
	}
	count := max(c.UnreadCount, 0)
	if marker != nil && marker.State == models.MarkerUnreadPending && count == 0 {
		return View{DisplayUnread: true, BadgeCount: 1}
	}
	return View{DisplayUnread: count > 0, BadgeCount: count}
}
