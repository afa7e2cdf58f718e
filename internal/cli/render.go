package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/tOgg1/convsync/internal/engine"
	"github.com/tOgg1/convsync/internal/models"
)

const previewWidth = 40

var (
	unreadStyle = lipgloss.NewStyle().Bold(true)
	badgeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	typingStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#5FAFFF"))
	toastStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
)

type viewJSON struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	Preview       string    `json:"preview,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	DisplayUnread bool      `json:"display_unread"`
	BadgeCount    int       `json:"badge_count"`
	Pinned        bool      `json:"pinned,omitempty"`
	Muted         bool      `json:"muted,omitempty"`
	Typing        []string  `json:"typing,omitempty"`
}

type listJSON struct {
	TotalUnread   int        `json:"total_unread"`
	Conversations []viewJSON `json:"conversations"`
}

func writeViewsJSON(out io.Writer, views []engine.ConversationView, total int) error {
	doc := listJSON{TotalUnread: total, Conversations: make([]viewJSON, 0, len(views))}
	for _, v := range views {
		c := v.Conversation
		doc.Conversations = append(doc.Conversations, viewJSON{
			ID:            c.ID,
			DisplayName:   c.DisplayName,
			Preview:       c.LastMessagePreview,
			UpdatedAt:     c.UpdatedAt,
			DisplayUnread: v.Unread.DisplayUnread,
			BadgeCount:    v.Unread.BadgeCount,
			Pinned:        c.IsPinned,
			Muted:         c.IsMuted,
			Typing:        v.TypingUsers,
		})
	}
	return json.NewEncoder(out).Encode(doc)
}

func writeViewsTable(out io.Writer, views []engine.ConversationView, total int, now time.Time) error {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, viewRow(v, now))
	}
	if err := writeTable(out, []string{"", "ID", "NAME", "UNREAD", "UPDATED", "LAST MESSAGE"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d conversations, %d unread\n", len(views), total)
	return err
}

func viewRow(v engine.ConversationView, now time.Time) []string {
	c := v.Conversation

	marker := " "
	if c.IsPinned {
		marker = "*"
	}

	name := c.DisplayName
	if v.Unread.DisplayUnread {
		name = unreadStyle.Render(name)
	}
	if c.IsMuted {
		name = mutedStyle.Render(name)
	}

	badge := ""
	if v.Unread.DisplayUnread {
		badge = badgeStyle.Render(strconv.Itoa(v.Unread.BadgeCount))
	}

	preview := truncate(c.LastMessagePreview, previewWidth)
	if len(v.TypingUsers) > 0 {
		preview = typingStyle.Render(typingLabel(v.TypingUsers))
	}

	return []string{marker, c.ID, name, badge, formatAge(now.Sub(c.UpdatedAt)), preview}
}

func typingLabel(users []string) string {
	if len(users) == 1 {
		return users[0] + " is typing..."
	}
	return strings.Join(users, ", ") + " are typing..."
}

func formatToast(payload models.ActionFailedPayload) string {
	return toastStyle.Render("! " + payload.Message)
}

func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
