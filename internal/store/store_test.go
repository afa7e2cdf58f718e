package store

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/convsync/internal/models"
)

var t0 = time.Date(2026, 2, 9, 8, 0, 0, 0, time.UTC)

func TestUpsertInsertsAndClampsUnread(t *testing.T) {
	s := New()
	got := s.Upsert(models.Conversation{ID: "1", UpdatedAt: t0, UnreadCount: -3})
	require.Equal(t, 0, got.UnreadCount)

	stored, ok := s.Get("1")
	require.True(t, ok)
	require.Equal(t, got, stored)
	require.Equal(t, 1, s.Len())
}

func TestMergeNewerWins(t *testing.T) {
	s := New()
	s.Upsert(models.Conversation{ID: "1", UpdatedAt: t0, LastMessagePreview: "old", UnreadCount: 1, DisplayName: "Ann"})
	got := s.Upsert(models.Conversation{ID: "1", UpdatedAt: t0.Add(time.Minute), LastMessagePreview: "new", UnreadCount: 2, IsPinned: true})

	require.Equal(t, "new", got.LastMessagePreview)
	require.Equal(t, 2, got.UnreadCount)
	require.True(t, got.IsPinned)
	require.Equal(t, "Ann", got.DisplayName, "empty display name must not clobber")
}

func TestMergeOlderKeepsActivity(t *testing.T) {
	s := New()
	s.Upsert(models.Conversation{ID: "1", UpdatedAt: t0.Add(time.Minute), LastMessagePreview: "fresh", UnreadCount: 4, IsMuted: true})
	got := s.Upsert(models.Conversation{
		ID:                 "1",
		UpdatedAt:          t0,
		LastMessagePreview: "stale",
		UnreadCount:        3,
		DisplayName:        "Bob",
		ParticipantStatus:  models.ParticipantStatusOnline,
	})

	require.Equal(t, t0.Add(time.Minute), got.UpdatedAt)
	require.Equal(t, "fresh", got.LastMessagePreview)
	require.Equal(t, 4, got.UnreadCount)
	require.True(t, got.IsMuted, "older update must not change flags")
	require.Equal(t, "Bob", got.DisplayName, "older update fills blanks")
	require.Equal(t, models.ParticipantStatusOnline, got.ParticipantStatus)
}

func TestMergeTieBreakPrefersPreview(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		incoming string
		want     string
	}{
		{name: "incoming empty loses", existing: "hello", incoming: "", want: "hello"},
		{name: "incoming non-empty wins over empty", existing: "", incoming: "hi", want: "hi"},
		{name: "both set incoming wins", existing: "a", incoming: "b", want: "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := models.Conversation{ID: "1", UpdatedAt: t0, LastMessagePreview: tt.existing, UnreadCount: 1}
			incoming := models.Conversation{ID: "1", UpdatedAt: t0, LastMessagePreview: tt.incoming, UnreadCount: 2}
			require.Equal(t, tt.want, Merge(existing, incoming).LastMessagePreview)
		})
	}
}

func TestListSortsPinnedFirstThenNewest(t *testing.T) {
	s := New()
	s.Upsert(models.Conversation{ID: "a", UpdatedAt: t0})
	s.Upsert(models.Conversation{ID: "b", UpdatedAt: t0.Add(2 * time.Minute)})
	s.Upsert(models.Conversation{ID: "c", UpdatedAt: t0.Add(time.Minute), IsPinned: true})
	s.Upsert(models.Conversation{ID: "d", UpdatedAt: t0.Add(time.Minute)})

	var ids []string
	for _, c := range s.List() {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"c", "b", "d", "a"}, ids)
}

func TestListSortInvariantUnderRandomUpserts(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := New()

	for i := 0; i < 500; i++ {
		s.Upsert(models.Conversation{
			ID:                 fmt.Sprintf("c%d", rng.Intn(40)),
			UpdatedAt:          t0.Add(time.Duration(rng.Intn(120)) * time.Second),
			LastMessagePreview: []string{"", "hey"}[rng.Intn(2)],
			UnreadCount:        rng.Intn(6) - 1,
			IsPinned:           rng.Intn(5) == 0,
		})

		list := s.List()
		require.True(t, sort.SliceIsSorted(list, func(a, b int) bool {
			return Less(list[a], list[b])
		}))
		for j := 1; j < len(list); j++ {
			prev, cur := list[j-1], list[j]
			if prev.IsPinned == cur.IsPinned {
				require.False(t, cur.UpdatedAt.After(prev.UpdatedAt))
			} else {
				require.True(t, prev.IsPinned)
			}
		}
		for _, c := range list {
			require.GreaterOrEqual(t, c.UnreadCount, 0)
		}
	}
}

func TestTotalUnreadSkipsMuted(t *testing.T) {
	s := New()
	s.Upsert(models.Conversation{ID: "1", UpdatedAt: t0, UnreadCount: 3})
	s.Upsert(models.Conversation{ID: "2", UpdatedAt: t0, UnreadCount: 5, IsMuted: true})
	s.Upsert(models.Conversation{ID: "3", UpdatedAt: t0, UnreadCount: 2, IsHidden: true})
	require.Equal(t, 5, s.TotalUnread())
}

func TestRemoveAndRestore(t *testing.T) {
	s := New()
	original := s.Upsert(models.Conversation{ID: "7", UpdatedAt: t0, UnreadCount: 2, LastMessagePreview: "x"})

	require.True(t, s.Remove("7"))
	require.False(t, s.Remove("7"))
	_, ok := s.Get("7")
	require.False(t, ok)

	s.Restore(original)
	got, ok := s.Get("7")
	require.True(t, ok)
	require.Equal(t, original, got)
}

func TestUpdate(t *testing.T) {
	s := New()
	s.Upsert(models.Conversation{ID: "1", UpdatedAt: t0, UnreadCount: 2})

	got, ok := s.Update("1", func(c *models.Conversation) { c.UnreadCount = -1 })
	require.True(t, ok)
	require.Equal(t, 0, got.UnreadCount)

	_, ok = s.Update("missing", func(c *models.Conversation) {})
	require.False(t, ok)
}
