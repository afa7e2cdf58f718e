package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/convsync/internal/db"
	"github.com/tOgg1/convsync/internal/events"
	"github.com/tOgg1/convsync/internal/gateway/gatewaytest"
	"github.com/tOgg1/convsync/internal/gesture"
	"github.com/tOgg1/convsync/internal/models"
	"github.com/tOgg1/convsync/internal/readstate"
	"github.com/tOgg1/convsync/internal/syncer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingPoller struct {
	mu     sync.Mutex
	deltas int
	polls  int
}

func (p *countingPoller) NotifyDelta() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas++
}

func (p *countingPoller) PollNow() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	return nil
}

type harness struct {
	engine *Engine
	remote *gatewaytest.Fake
	pub    *events.InMemoryPublisher
	clock  *fakeClock
	poller *countingPoller
}

func newHarness(t *testing.T, convs ...models.Conversation) *harness {
	t.Helper()
	h := &harness{
		remote: gatewaytest.New(convs...),
		pub:    events.NewInMemoryPublisher(),
		clock:  newFakeClock(),
		poller: &countingPoller{},
	}
	h.engine = New(Config{SelfID: "me", TypingTTL: 6 * time.Second}, Deps{
		Remote:    h.remote,
		Publisher: h.pub,
		Now:       h.clock.Now,
	})
	h.engine.SetPoller(h.poller)
	t.Cleanup(func() { _ = h.engine.Shutdown() })
	return h
}

func (h *harness) snapshot(convs ...models.Conversation) {
	h.engine.ApplySnapshot(h.clock.Now(), convs)
}

func (h *harness) view(t *testing.T, id string) readstate.View {
	t.Helper()
	v, ok := h.engine.View(id)
	require.True(t, ok, "conversation %s missing", id)
	return v.Unread
}

func conv(id string, unread int, updatedAt time.Time) models.Conversation {
	return models.Conversation{
		ID:                 id,
		DisplayName:        "Chat " + id,
		LastMessagePreview: "hello",
		UpdatedAt:          updatedAt,
		UnreadCount:        unread,
	}
}

func message(conversationID, messageID, sender string, at time.Time) models.SocketEvent {
	return models.SocketEvent{
		Type: models.SocketNewMessage,
		NewMessage: &models.NewMessagePayload{
			MessageID:      messageID,
			ConversationID: conversationID,
			SenderID:       sender,
			Content:        "new " + messageID,
			Timestamp:      at,
		},
	}
}

func TestOpenedConversationStaysReadUntilNewMessage(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now().Add(-time.Hour)
	ctx := context.Background()

	h.snapshot(conv("42", 3, base))
	require.Equal(t, readstate.View{DisplayUnread: true, BadgeCount: 3}, h.view(t, "42"))

	require.NoError(t, h.engine.Open(ctx, "42"))
	require.Equal(t, readstate.View{}, h.view(t, "42"))
	h.engine.Close("42")
	require.Equal(t, readstate.View{}, h.view(t, "42"))

	h.clock.Advance(5 * time.Second)
	h.snapshot(conv("42", 3, base))
	require.Equal(t, readstate.View{}, h.view(t, "42"), "stale poll must not resurrect unread")

	h.engine.HandleEvent(message("42", "m1", "alice", base.Add(time.Minute)))
	require.Equal(t, readstate.View{DisplayUnread: true, BadgeCount: 4}, h.view(t, "42"))

	require.NoError(t, h.engine.Shutdown())
	require.Equal(t, 1, h.remote.CallCount(gatewaytest.OpMarkRead))
}

func TestOpenUnknownConversation(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.engine.Open(context.Background(), "nope"), ErrUnknownConversation)
	require.Empty(t, h.engine.OpenID())
}

func TestOpenMarkReadFailureIsOnlyLogged(t *testing.T) {
	h := newHarness(t)
	h.snapshot(conv("1", 2, h.clock.Now()))
	h.remote.FailNext(gatewaytest.OpMarkRead, errors.New("offline"))

	require.NoError(t, h.engine.Open(context.Background(), "1"))
	require.NoError(t, h.engine.Shutdown())
	require.Equal(t, readstate.View{}, h.view(t, "1"))
	require.Equal(t, "1", h.engine.OpenID())
}

func TestMessagesWhileOpenStayRead(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now().Add(-time.Hour)
	h.snapshot(conv("1", 2, base))
	require.NoError(t, h.engine.Open(context.Background(), "1"))

	h.engine.HandleEvent(message("1", "m1", "bob", base.Add(time.Minute)))
	stored, _ := h.engine.View("1")
	require.Equal(t, 2, stored.Conversation.UnreadCount)
	require.Equal(t, "new m1", stored.Conversation.LastMessagePreview)
	status, ok := h.engine.DeliveryStatus("m1")
	require.True(t, ok)
	require.Equal(t, models.DeliveryStatusRead, status)

	h.engine.Close("1")
	h.snapshot(conv("1", 3, base.Add(time.Minute)))
	require.Equal(t, readstate.View{}, h.view(t, "1"), "server count including the seen message stays hidden")
}

func TestOwnMessagesDoNotCountUnread(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now().Add(-time.Hour)
	h.snapshot(conv("1", 0, base))

	h.engine.HandleEvent(message("1", "m1", "me", base.Add(time.Minute)))
	v, _ := h.engine.View("1")
	require.Equal(t, 0, v.Conversation.UnreadCount)
	require.Equal(t, base.Add(time.Minute), v.Conversation.UpdatedAt)
}

func TestMessageForUnseenConversationCreatesIt(t *testing.T) {
	h := newHarness(t)
	h.engine.HandleEvent(message("new", "m1", "carol", h.clock.Now()))

	v, ok := h.engine.View("new")
	require.True(t, ok)
	require.Equal(t, "carol", v.Conversation.DisplayName)
	require.Equal(t, readstate.View{DisplayUnread: true, BadgeCount: 1}, v.Unread)
}

func TestSocketEventsDriveScheduler(t *testing.T) {
	h := newHarness(t)
	h.engine.HandleEvent(message("1", "m1", "bob", h.clock.Now()))
	h.engine.HandleEvent(models.SocketEvent{Type: models.SocketTyping, Typing: &models.TypingPayload{ConversationID: "1", UserID: "bob"}})
	h.engine.HandleEvent(models.SocketEvent{Type: models.SocketConnected})

	require.Equal(t, 2, h.poller.deltas)
	require.Equal(t, 1, h.poller.polls)
}

func TestConnectedWithStoppedScheduler(t *testing.T) {
	h := newHarness(t)
	s := syncer.NewScheduler(syncer.Config{Interval: time.Hour}, h.remote, h.engine)
	h.engine.SetPoller(s)
	h.engine.HandleEvent(models.SocketEvent{Type: models.SocketConnected})
	require.Equal(t, 0, h.remote.CallCount(gatewaytest.OpFetch))
}

func TestPendingActionFencesSnapshot(t *testing.T) {
	base := newFakeClock().Now().Add(-time.Hour)
	h := newHarness(t, conv("1", 4, base))
	h.snapshot(conv("1", 4, base))

	ctrl := gesture.NewController(gesture.DefaultConfig(), h.engine, h.remote, h.pub)
	release := h.remote.Block(gatewaytest.OpMarkRead)

	ctrl.DragMove("1", -100)
	ctrl.Release("1")
	done := make(chan error, 1)
	go func() { done <- ctrl.TapAction(context.Background(), "1", models.ActionMarkRead) }()
	require.Eventually(t, func() bool { return h.remote.CallCount(gatewaytest.OpMarkRead) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, readstate.View{}, h.view(t, "1"))

	h.snapshot(conv("1", 5, base.Add(time.Second)))
	v, _ := h.engine.View("1")
	require.Equal(t, 4, v.Conversation.UnreadCount, "snapshot skipped while action pending")
	require.Equal(t, readstate.View{}, v.Unread)

	release()
	require.NoError(t, <-done)

	h.snapshot(conv("1", 0, base.Add(2*time.Second)))
	require.Equal(t, readstate.View{}, h.view(t, "1"))
}

func TestFailedDeleteRollsBackExactly(t *testing.T) {
	base := newFakeClock().Now().Add(-time.Hour)
	original := conv("7", 2, base)
	original.IsPinned = true
	original.ParticipantStatus = models.ParticipantStatusOnline

	h := newHarness(t, original)
	h.snapshot(original)
	h.engine.book.MarkRead("7", 1)
	markerBefore := h.engine.book.Marker("7")

	var (
		mu     sync.Mutex
		toasts []string
		kinds  []models.EventType
	)
	require.NoError(t, h.pub.Subscribe("test", events.Filter{}, func(event *models.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, event.Type)
		if event.Type == models.EventTypeActionFailed {
			var payload models.ActionFailedPayload
			require.NoError(t, json.Unmarshal(event.Payload, &payload))
			toasts = append(toasts, payload.Message)
		}
	}))

	ctrl := gesture.NewController(gesture.DefaultConfig(), h.engine, h.remote, h.pub)
	h.remote.FailNext(gatewaytest.OpDelete, errors.New("503"))

	ctrl.DragMove("7", -100)
	ctrl.Release("7")
	require.NoError(t, ctrl.TapAction(context.Background(), "7", models.ActionDelete))
	_, ok := h.engine.View("7")
	require.True(t, ok, "delete needs confirmation")

	require.Error(t, ctrl.ConfirmDelete(context.Background(), "7"))

	got, ok := h.engine.store.Get("7")
	require.True(t, ok)
	require.Equal(t, original, got)
	require.Equal(t, markerBefore, h.engine.book.Marker("7"))
	require.Empty(t, h.engine.tombstones)
	require.Empty(t, h.engine.pending)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Couldn't delete conversation"}, toasts)
	require.Contains(t, kinds, models.EventTypeConversationRemoved)
}

func TestDeleteTombstoneBlocksStaleSnapshot(t *testing.T) {
	base := newFakeClock().Now().Add(-time.Hour)
	h := newHarness(t, conv("7", 1, base), conv("8", 0, base))
	h.snapshot(conv("7", 1, base), conv("8", 0, base))

	fetchStarted := h.clock.Now()
	h.clock.Advance(time.Second)

	ctrl := gesture.NewController(gesture.DefaultConfig(), h.engine, h.remote, h.pub)
	ctrl.DragMove("7", -100)
	ctrl.Release("7")
	require.NoError(t, ctrl.TapAction(context.Background(), "7", models.ActionDelete))
	require.NoError(t, ctrl.ConfirmDelete(context.Background(), "7"))

	h.engine.ApplySnapshot(fetchStarted, []models.Conversation{conv("7", 1, base), conv("8", 0, base)})
	_, ok := h.engine.View("7")
	require.False(t, ok, "poll started before the delete must not resurrect it")

	require.NoError(t, h.remote.DeleteConversation(context.Background(), "7"))
	_, ok = h.remote.Conversation("7")
	require.False(t, ok)

	h.clock.Advance(time.Second)
	h.snapshot(conv("8", 0, base))
	require.Empty(t, h.engine.tombstones)
	require.Len(t, h.engine.Views(), 1)
}

func TestDeleteTwiceSucceeds(t *testing.T) {
	base := newFakeClock().Now().Add(-time.Hour)
	h := newHarness(t, conv("7", 1, base))
	h.snapshot(conv("7", 1, base))
	ctx := context.Background()

	ctrl := gesture.NewController(gesture.DefaultConfig(), h.engine, h.remote, h.pub)
	for i := 0; i < 2; i++ {
		ctrl.DragMove("7", -100)
		ctrl.Release("7")
		require.NoError(t, ctrl.TapAction(ctx, "7", models.ActionDelete), "attempt %d", i+1)
		require.NoError(t, ctrl.ConfirmDelete(ctx, "7"), "attempt %d", i+1)
	}

	_, ok := h.engine.View("7")
	require.False(t, ok)
	require.Contains(t, h.engine.tombstones, "7")
	require.Empty(t, h.engine.pending)
}

func TestDeleteOfAbsentConversationRollsBackNothing(t *testing.T) {
	base := newFakeClock().Now().Add(-time.Hour)
	h := newHarness(t, conv("8", 0, base))
	h.snapshot(conv("8", 0, base))

	action, err := h.engine.BeginAction("gone", models.ActionDelete)
	require.NoError(t, err)
	require.False(t, action.Existed)
	require.Len(t, h.engine.Views(), 1)

	h.engine.Rollback(action)
	require.Len(t, h.engine.Views(), 1)
	require.Empty(t, h.engine.tombstones)
	require.Empty(t, h.engine.pending)

	_, err = h.engine.BeginAction("gone", models.ActionMarkRead)
	require.ErrorIs(t, err, ErrUnknownConversation)
}

func TestMarkUnreadOnlyTogglesBadge(t *testing.T) {
	base := newFakeClock().Now().Add(-time.Hour)
	h := newHarness(t, conv("1", 0, base), conv("2", 0, base.Add(time.Minute)))
	h.snapshot(conv("1", 0, base), conv("2", 0, base.Add(time.Minute)))

	ctrl := gesture.NewController(gesture.DefaultConfig(), h.engine, h.remote, h.pub)
	ctrl.DragMove("1", -100)
	ctrl.Release("1")
	require.NoError(t, ctrl.TapAction(context.Background(), "1", models.ActionMarkUnread))

	views := h.engine.Views()
	require.Equal(t, "2", views[0].Conversation.ID, "mark unread does not reorder")
	require.Equal(t, base, views[1].Conversation.UpdatedAt)
	require.Equal(t, readstate.View{DisplayUnread: true, BadgeCount: 1}, views[1].Unread)
	require.Equal(t, 1, h.engine.EffectiveTotalUnread())
}

func TestViewsAndTotals(t *testing.T) {
	base := newFakeClock().Now().Add(-time.Hour)
	h := newHarness(t)

	hidden := conv("hidden", 9, base)
	hidden.IsHidden = true
	muted := conv("muted", 5, base)
	muted.IsMuted = true
	pinned := conv("pinned", 1, base.Add(-time.Hour))
	pinned.IsPinned = true

	h.snapshot(conv("a", 2, base.Add(time.Minute)), hidden, muted, pinned, conv("b", 3, base))
	require.NoError(t, h.engine.Open(context.Background(), "b"))

	var ids []string
	for _, v := range h.engine.Views() {
		ids = append(ids, v.Conversation.ID)
	}
	require.Equal(t, []string{"pinned", "a", "b", "muted"}, ids)
	require.Equal(t, 1+2+9, h.engine.EffectiveTotalUnread())
}

func TestTypingIndicators(t *testing.T) {
	h := newHarness(t)
	h.snapshot(conv("1", 0, h.clock.Now()))

	var (
		mu      sync.Mutex
		changes [][]string
	)
	require.NoError(t, h.pub.Subscribe("typing", events.Filter{EventTypes: []models.EventType{models.EventTypeTypingChanged}}, func(event *models.Event) {
		var payload models.TypingChangedPayload
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		mu.Lock()
		changes = append(changes, payload.UserIDs)
		mu.Unlock()
	}))

	typing := func(kind models.SocketEventType, user string) models.SocketEvent {
		return models.SocketEvent{Type: kind, Typing: &models.TypingPayload{ConversationID: "1", UserID: user}}
	}

	h.engine.HandleEvent(typing(models.SocketTyping, "bob"))
	h.engine.HandleEvent(typing(models.SocketTyping, "amy"))
	h.engine.HandleEvent(typing(models.SocketTyping, "me"))
	v, _ := h.engine.View("1")
	require.Equal(t, []string{"amy", "bob"}, v.TypingUsers)

	h.engine.HandleEvent(typing(models.SocketStoppedTyping, "amy"))
	h.engine.HandleEvent(message("1", "m1", "bob", h.clock.Now()))
	v, _ = h.engine.View("1")
	require.Empty(t, v.TypingUsers)

	h.engine.HandleEvent(typing(models.SocketTyping, "bob"))
	h.clock.Advance(7 * time.Second)
	v, _ = h.engine.View("1")
	require.Empty(t, v.TypingUsers, "expired indicator is hidden")
	h.engine.ExpireTyping()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]string{{"bob"}, {"amy", "bob"}, {"bob"}, nil, {"bob"}, nil}, changes)
}

func TestReadReceiptsAreMonotonic(t *testing.T) {
	h := newHarness(t)
	at := h.clock.Now()
	h.engine.HandleEvent(message("1", "m1", "me", at))
	h.engine.HandleEvent(message("1", "m2", "me", at))
	h.engine.HandleEvent(message("1", "m3", "bob", at))

	receipt := func(messageID string, status models.DeliveryStatus) models.SocketEvent {
		return models.SocketEvent{Type: models.SocketReadReceipt, ReadReceipt: &models.ReadReceiptPayload{
			ConversationID: "1", MessageID: messageID, Status: status,
		}}
	}

	h.engine.HandleEvent(receipt("m1", models.DeliveryStatusRead))
	h.engine.HandleEvent(receipt("m1", models.DeliveryStatusDelivered))
	status, _ := h.engine.DeliveryStatus("m1")
	require.Equal(t, models.DeliveryStatusRead, status)

	h.engine.HandleEvent(receipt("", models.DeliveryStatusDelivered))
	status, _ = h.engine.DeliveryStatus("m2")
	require.Equal(t, models.DeliveryStatusDelivered, status)
	status, _ = h.engine.DeliveryStatus("m3")
	require.Equal(t, models.DeliveryStatusSent, status, "receipts only move our own messages")
}

func TestReadSetSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer database.Close()

	base := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)
	first := New(Config{SelfID: "me"}, Deps{Persister: readstate.NewPersister(database, time.Hour)})
	first.ApplySnapshot(base, []models.Conversation{conv("1", 3, base), conv("2", 1, base)})
	require.NoError(t, first.Open(ctx, "1"))
	first.Close("1")
	require.NoError(t, first.Shutdown())

	second := New(Config{SelfID: "me"}, Deps{Persister: readstate.NewPersister(database, time.Hour)})
	require.NoError(t, second.LoadReadState(ctx))
	second.ApplySnapshot(base, []models.Conversation{conv("1", 3, base), conv("2", 1, base)})

	v, _ := second.View("1")
	require.Equal(t, readstate.View{}, v.Unread)
	v, _ = second.View("2")
	require.Equal(t, readstate.View{DisplayUnread: true, BadgeCount: 1}, v.Unread)

	second.ApplySnapshot(base, []models.Conversation{conv("1", 4, base.Add(time.Minute))})
	v, _ = second.View("1")
	require.Equal(t, readstate.View{DisplayUnread: true, BadgeCount: 4}, v.Unread)
	require.NoError(t, second.Shutdown())
}

func TestMessagesWhileClosedSurfaceAfterRestart(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer database.Close()

	base := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)
	first := New(Config{SelfID: "me"}, Deps{Persister: readstate.NewPersister(database, time.Hour)})
	first.ApplySnapshot(base, []models.Conversation{conv("1", 3, base)})
	require.NoError(t, first.Open(ctx, "1"))
	first.Close("1")
	require.NoError(t, first.Shutdown())

	// Two messages arrive while nothing is running.
	second := New(Config{SelfID: "me"}, Deps{Persister: readstate.NewPersister(database, time.Hour)})
	require.NoError(t, second.LoadReadState(ctx))
	second.ApplySnapshot(base, []models.Conversation{conv("1", 5, base.Add(time.Minute))})

	v, ok := second.View("1")
	require.True(t, ok)
	require.Equal(t, readstate.View{DisplayUnread: true, BadgeCount: 5}, v.Unread)
	require.NoError(t, second.Shutdown())
}

func TestRunConsumesStream(t *testing.T) {
	h := newHarness(t)
	stream, cancel := h.remote.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx, stream)
		close(done)
	}()

	h.remote.Push(message("9", "m1", "zed", h.clock.Now()))
	require.Eventually(t, func() bool {
		_, ok := h.engine.View("9")
		return ok
	}, time.Second, 5*time.Millisecond)

	stop()
	<-done
}
