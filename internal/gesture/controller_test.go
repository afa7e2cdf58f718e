package gesture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/convsync/internal/events"
	"github.com/tOgg1/convsync/internal/gateway/gatewaytest"
	"github.com/tOgg1/convsync/internal/models"
	"github.com/tOgg1/convsync/internal/readstate"
	"github.com/tOgg1/convsync/internal/store"
)

type fakeTarget struct {
	store *store.Store
	book  *readstate.Book

	mu         sync.Mutex
	committed  []models.PendingAction
	rolledBack []models.PendingAction
}

func newFakeTarget(convs ...models.Conversation) *fakeTarget {
	s := store.New()
	for _, c := range convs {
		s.Upsert(c)
	}
	return &fakeTarget{store: s, book: readstate.NewBook()}
}

func (f *fakeTarget) BeginAction(id string, kind models.ActionKind) (models.PendingAction, error) {
	c, ok := f.store.Get(id)
	if !ok {
		return models.PendingAction{}, fmt.Errorf("conversation %s not found", id)
	}
	action := models.PendingAction{
		ID:                 uuid.NewString(),
		ConversationID:     id,
		Kind:               kind,
		OptimisticSnapshot: c,
		Existed:            true,
		MarkerSnapshot:     f.book.Marker(id),
		StartedAt:          time.Now().UTC(),
	}
	switch kind {
	case models.ActionDelete:
		f.store.Remove(id)
	case models.ActionMarkRead:
		f.book.MarkRead(id, c.UnreadCount)
	case models.ActionMarkUnread:
		f.book.MarkUnread(id)
	}
	return action, nil
}

func (f *fakeTarget) Rollback(action models.PendingAction) {
	f.store.Restore(action.OptimisticSnapshot)
	f.book.Restore(action.ConversationID, action.MarkerSnapshot)
	f.mu.Lock()
	f.rolledBack = append(f.rolledBack, action)
	f.mu.Unlock()
}

func (f *fakeTarget) Commit(action models.PendingAction) {
	f.mu.Lock()
	f.committed = append(f.committed, action)
	f.mu.Unlock()
}

func conversation(id string) models.Conversation {
	return models.Conversation{
		ID:                 id,
		DisplayName:        "Chat " + id,
		LastMessagePreview: "see you",
		UpdatedAt:          time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		UnreadCount:        3,
		IsPinned:           true,
	}
}

func newController(t *testing.T, convs ...models.Conversation) (*Controller, *fakeTarget, *gatewaytest.Fake, *events.InMemoryPublisher) {
	t.Helper()
	target := newFakeTarget(convs...)
	remote := gatewaytest.New(convs...)
	pub := events.NewInMemoryPublisher()
	return NewController(DefaultConfig(), target, remote, pub), target, remote, pub
}

func openRow(c *Controller, id string) {
	c.DragMove(id, -20)
	c.DragMove(id, -120)
	c.Release(id)
}

func TestDragThresholds(t *testing.T) {
	c, _, _, _ := newController(t)

	tests := []struct {
		name       string
		moves      []float64
		release    bool
		wantPhase  Phase
		wantOffset float64
	}{
		{name: "jitter is ignored", moves: []float64{-4, -9.9}, wantPhase: PhaseIdle, wantOffset: 0},
		{name: "rightward drag is ignored", moves: []float64{30, 90}, wantPhase: PhaseIdle, wantOffset: 0},
		{name: "leftward past jitter drags", moves: []float64{-5, -35}, wantPhase: PhaseDragging, wantOffset: -35},
		{name: "offset clamps at action width", moves: []float64{-50, -400}, wantPhase: PhaseDragging, wantOffset: -180},
		{name: "offset clamps at zero", moves: []float64{-50, 25}, wantPhase: PhaseDragging, wantOffset: 0},
		{name: "release short of commit springs back", moves: []float64{-59}, release: true, wantPhase: PhaseIdle, wantOffset: 0},
		{name: "release at commit snaps open", moves: []float64{-60}, release: true, wantPhase: PhaseOpen, wantOffset: -180},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := fmt.Sprintf("row-%d", i)
			for _, dx := range tt.moves {
				c.DragMove(id, dx)
			}
			if tt.release {
				c.Release(id)
			}
			state := c.State(id)
			require.Equal(t, tt.wantPhase, state.Phase)
			require.Equal(t, tt.wantOffset, state.Offset)
		})
	}
}

func TestDragFromOpenContinuesFromRevealedOffset(t *testing.T) {
	c, _, _, _ := newController(t)
	openRow(c, "1")

	c.DragMove("1", 100)
	require.Equal(t, ItemState{Phase: PhaseDragging, Offset: -80}, c.State("1"))
	c.Release("1")
	require.Equal(t, PhaseOpen, c.State("1").Phase)

	c.DragMove("1", 150)
	c.Release("1")
	require.Equal(t, ItemState{Phase: PhaseIdle}, c.State("1"))
}

func TestTapBody(t *testing.T) {
	c, _, _, _ := newController(t)

	require.True(t, c.TapBody("1"), "clean tap from idle opens")

	c.DragMove("1", -5)
	require.True(t, c.TapBody("1"), "jitter does not block the tap")

	c.DragMove("1", -40)
	require.False(t, c.TapBody("1"), "tap while dragging closes")
	require.Equal(t, PhaseIdle, c.State("1").Phase)

	openRow(c, "1")
	require.False(t, c.TapBody("1"), "tap while open closes")
	require.Equal(t, ItemState{Phase: PhaseIdle}, c.State("1"))
	require.True(t, c.TapBody("1"))
}

func TestDeleteWithoutConfirmationChangesNothing(t *testing.T) {
	conv := conversation("7")
	c, target, remote, _ := newController(t, conv)
	ctx := context.Background()

	c.DragMove("7", -20)
	c.DragMove("7", -70)
	c.Release("7")
	require.Equal(t, PhaseOpen, c.State("7").Phase)

	require.NoError(t, c.TapAction(ctx, "7", models.ActionDelete))
	require.Equal(t, PhaseConfirmDelete, c.State("7").Phase)

	got, ok := target.store.Get("7")
	require.True(t, ok)
	require.Equal(t, conv, got)
	require.Empty(t, remote.Calls())

	c.CancelDelete("7")
	require.Equal(t, PhaseIdle, c.State("7").Phase)
	require.ErrorIs(t, c.ConfirmDelete(ctx, "7"), ErrNoDeletePending)
	_, ok = target.store.Get("7")
	require.True(t, ok)
}

func TestConfirmedDeleteCommits(t *testing.T) {
	c, target, remote, _ := newController(t, conversation("7"))
	ctx := context.Background()

	openRow(c, "7")
	require.NoError(t, c.TapAction(ctx, "7", models.ActionDelete))
	require.NoError(t, c.ConfirmDelete(ctx, "7"))

	_, ok := target.store.Get("7")
	require.False(t, ok)
	require.Equal(t, []gatewaytest.Call{{Op: gatewaytest.OpDelete, ConversationID: "7"}}, remote.Calls())
	require.Len(t, target.committed, 1)
	require.Empty(t, target.rolledBack)
	require.Equal(t, ItemState{Phase: PhaseIdle}, c.State("7"))
}

func TestFailedDeleteRollsBackExactly(t *testing.T) {
	conv := conversation("7")
	c, target, remote, pub := newController(t, conv)
	ctx := context.Background()

	var failures []models.ActionFailedPayload
	require.NoError(t, pub.Subscribe("toasts", events.Filter{
		EventTypes: []models.EventType{models.EventTypeActionFailed},
	}, func(event *models.Event) {
		var payload models.ActionFailedPayload
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		failures = append(failures, payload)
	}))

	networkErr := errors.New("connection reset")
	remote.FailNext(gatewaytest.OpDelete, networkErr)

	openRow(c, "7")
	require.NoError(t, c.TapAction(ctx, "7", models.ActionDelete))
	err := c.ConfirmDelete(ctx, "7")
	require.ErrorIs(t, err, networkErr)

	got, ok := target.store.Get("7")
	require.True(t, ok)
	require.Equal(t, conv, got)
	require.Len(t, target.rolledBack, 1)
	require.Empty(t, target.committed)

	require.Len(t, failures, 1)
	require.Equal(t, models.ActionDelete, failures[0].Kind)
	require.Equal(t, "Couldn't delete conversation", failures[0].Message)
	require.Equal(t, "connection reset", failures[0].Error)
}

func TestFailedMarkReadRestoresMarker(t *testing.T) {
	c, target, remote, _ := newController(t, conversation("3"))
	remote.FailNext(gatewaytest.OpMarkRead, errors.New("timeout"))

	openRow(c, "3")
	require.Error(t, c.TapAction(context.Background(), "3", models.ActionMarkRead))
	require.Nil(t, target.book.Marker("3"))
	require.Equal(t, ItemState{Phase: PhaseIdle}, c.State("3"))
}

func TestMarkUnreadAppliesImmediately(t *testing.T) {
	c, target, remote, _ := newController(t, conversation("3"))
	target.book.MarkRead("3", 3)

	openRow(c, "3")
	require.NoError(t, c.TapAction(context.Background(), "3", models.ActionMarkUnread))
	require.Nil(t, target.book.Marker("3"))
	require.Equal(t, 1, remote.CallCount(gatewaytest.OpMarkUnread))
}

func TestInFlightGuard(t *testing.T) {
	c, target, remote, _ := newController(t, conversation("5"))
	release := remote.Block(gatewaytest.OpMarkRead)

	openRow(c, "5")
	done := make(chan error, 1)
	go func() { done <- c.TapAction(context.Background(), "5", models.ActionMarkRead) }()

	require.Eventually(t, func() bool { return remote.CallCount(gatewaytest.OpMarkRead) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, c.State("5").Pending)

	require.ErrorIs(t, c.TapAction(context.Background(), "5", models.ActionMarkRead), ErrActionInFlight)

	c.DragMove("5", -100)
	require.Equal(t, ItemState{Phase: PhaseIdle, Pending: true}, c.State("5"))

	release()
	require.NoError(t, <-done)
	require.Equal(t, 1, remote.CallCount(gatewaytest.OpMarkRead))
	require.Len(t, target.committed, 1)
	require.Equal(t, ItemState{Phase: PhaseIdle}, c.State("5"))
}

func TestTapActionErrors(t *testing.T) {
	c, _, _, _ := newController(t, conversation("1"))
	ctx := context.Background()

	require.ErrorIs(t, c.TapAction(ctx, "1", models.ActionMarkRead), ErrActionsNotShown)
	require.ErrorIs(t, c.TapAction(ctx, "1", models.ActionKind("archive")), ErrUnknownAction)
	require.ErrorIs(t, c.ConfirmDelete(ctx, "1"), ErrNoDeletePending)

	openRow(c, "missing")
	require.Error(t, c.TapAction(ctx, "missing", models.ActionMarkRead))
	require.Equal(t, ItemState{Phase: PhaseIdle}, c.State("missing"))
}

func TestNewControllerAppliesDefaults(t *testing.T) {
	c := NewController(Config{}, newFakeTarget(), gatewaytest.New(), nil)
	require.Equal(t, DefaultConfig(), c.config)
	require.Equal(t, "confirm-delete", PhaseConfirmDelete.String())
}
