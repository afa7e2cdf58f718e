// Package engine wires the conversation store, read markers, delivery
// tracking and typing state behind one serialized mutation entry point.
// Snapshots, socket deltas, gestures and open/close all go through it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/convsync/internal/delivery"
	"github.com/tOgg1/convsync/internal/events"
	"github.com/tOgg1/convsync/internal/gesture"
	"github.com/tOgg1/convsync/internal/logging"
	"github.com/tOgg1/convsync/internal/models"
	"github.com/tOgg1/convsync/internal/readstate"
	"github.com/tOgg1/convsync/internal/store"
	"github.com/tOgg1/convsync/internal/syncer"
)

// ErrUnknownConversation is returned for ids the store does not hold.
var ErrUnknownConversation = errors.New("unknown conversation")

const (
	defaultTypingTTL   = 6 * time.Second
	markReadTimeout    = 10 * time.Second
	minTypingSweepTick = 100 * time.Millisecond
)

// Config contains engine settings.
type Config struct {
	// SelfID is the signed-in user. Their own messages never count as
	// unread.
	SelfID string

	// TypingTTL expires typing indicators.
	// Default: 6s
	TypingTTL time.Duration
}

// Remote marks conversations read on the server when they are opened.
type Remote interface {
	MarkAllRead(ctx context.Context, conversationID string) error
}

// Poller is the part of the scheduler the engine drives.
type Poller interface {
	NotifyDelta()
	PollNow() error
}

// Deps are the engine's collaborators. Nil fields get in-memory defaults,
// except Remote, Publisher and Persister which are optional.
type Deps struct {
	Store     *store.Store
	Book      *readstate.Book
	Tracker   *delivery.Tracker
	Remote    Remote
	Publisher events.Publisher
	Persister *readstate.Persister
	Now       func() time.Time
}

// ConversationView is one visible row.
type ConversationView struct {
	Conversation models.Conversation
	Unread       readstate.View
	TypingUsers  []string
	IsOpen       bool
}

// Engine is safe for concurrent use.
type Engine struct {
	config    Config
	store     *store.Store
	book      *readstate.Book
	tracker   *delivery.Tracker
	remote    Remote
	publisher events.Publisher
	persister *readstate.Persister
	now       func() time.Time
	logger    zerolog.Logger

	mu         sync.Mutex
	poller     Poller
	openID     string
	pending    map[string]int
	tombstones map[string]time.Time
	typing     *typingSet

	bg sync.WaitGroup
}

var (
	_ gesture.Target = (*Engine)(nil)
	_ syncer.Sink    = (*Engine)(nil)
)

// New creates an Engine.
func New(config Config, deps Deps) *Engine {
	if config.TypingTTL <= 0 {
		config.TypingTTL = defaultTypingTTL
	}
	config.SelfID = strings.TrimSpace(config.SelfID)
	if deps.Store == nil {
		deps.Store = store.New()
	}
	if deps.Book == nil {
		deps.Book = readstate.NewBook()
	}
	if deps.Tracker == nil {
		deps.Tracker = delivery.NewTracker()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		config:     config,
		store:      deps.Store,
		book:       deps.Book,
		tracker:    deps.Tracker,
		remote:     deps.Remote,
		publisher:  deps.Publisher,
		persister:  deps.Persister,
		now:        deps.Now,
		logger:     logging.Component("engine"),
		pending:    make(map[string]int),
		tombstones: make(map[string]time.Time),
		typing:     newTypingSet(config.TypingTTL),
	}
	if e.persister != nil {
		e.book.OnChange(e.persister.Schedule)
	}
	return e
}

// SetPoller connects the scheduler. It is separate from New because the
// scheduler needs the engine as its sink.
func (e *Engine) SetPoller(p Poller) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.poller = p
}

// LoadReadState seeds read markers from the persisted read set.
func (e *Engine) LoadReadState(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	set, err := e.persister.Load(ctx)
	if err != nil {
		return err
	}
	e.book.Seed(set)
	e.logger.Debug().Int("count", len(set)).Msg("seeded read set")
	return nil
}

// Shutdown waits for background server calls and flushes the read set.
func (e *Engine) Shutdown() error {
	e.bg.Wait()
	if e.persister != nil {
		return e.persister.Close()
	}
	return nil
}

// ApplySnapshot merges a polled snapshot. Entries with a pending action are
// skipped, as are entries deleted locally after the fetch started.
func (e *Engine) ApplySnapshot(startedAt time.Time, convs []models.Conversation) {
	var out []*models.Event
	applied, skipped := 0, 0

	e.mu.Lock()
	for _, c := range convs {
		if e.pending[c.ID] > 0 {
			skipped++
			continue
		}
		if deletedAt, ok := e.tombstones[c.ID]; ok {
			if !deletedAt.Before(startedAt) {
				skipped++
				continue
			}
			delete(e.tombstones, c.ID)
		}

		before, existed := e.store.Get(c.ID)
		stored := e.store.Upsert(c)
		e.book.Observe(c.ID, stored.UnreadCount)
		applied++
		if !existed || before != stored {
			out = append(out, e.updatedEvent(stored.ID))
		}
	}
	for id, deletedAt := range e.tombstones {
		if deletedAt.Before(startedAt) {
			delete(e.tombstones, id)
		}
	}
	e.mu.Unlock()

	out = append(out, events.NewEvent(models.EventTypeSyncCompleted, models.EntityTypeSystem, "",
		models.SyncCompletedPayload{Applied: applied, Skipped: skipped}))
	e.publish(out...)

	e.logger.Debug().Int("applied", applied).Int("skipped", skipped).Msg("applied snapshot")
}

// HandleEvent applies one socket event.
func (e *Engine) HandleEvent(ev models.SocketEvent) {
	switch ev.Type {
	case models.SocketNewMessage:
		if ev.NewMessage != nil {
			e.handleNewMessage(*ev.NewMessage)
		}
	case models.SocketTyping, models.SocketStoppedTyping:
		if ev.Typing != nil {
			e.handleTyping(ev.Type, *ev.Typing)
		}
	case models.SocketReadReceipt:
		if ev.ReadReceipt != nil {
			e.handleReadReceipt(*ev.ReadReceipt)
		}
	case models.SocketConnected:
		if p := e.currentPoller(); p != nil {
			if err := p.PollNow(); err != nil && !errors.Is(err, syncer.ErrSchedulerNotRunning) {
				e.logger.Warn().Err(err).Msg("poll after reconnect failed")
			}
		}
		return
	default:
		e.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring socket event")
		return
	}

	if p := e.currentPoller(); p != nil {
		p.NotifyDelta()
	}
}

func (e *Engine) handleNewMessage(p models.NewMessagePayload) {
	id := strings.TrimSpace(p.ConversationID)
	if id == "" {
		return
	}
	at := p.Timestamp.UTC()
	if at.IsZero() {
		at = e.now()
	}
	incoming := p.SenderID != e.config.SelfID || e.config.SelfID == ""

	e.mu.Lock()
	if e.pending[id] > 0 {
		if _, deleting := e.tombstones[id]; deleting {
			e.mu.Unlock()
			e.logger.Debug().Str("conversation_id", id).Msg("dropping message for conversation being deleted")
			return
		}
	}
	delete(e.tombstones, id)

	isOpen := e.openID == id
	countsUnread := incoming && !isOpen
	apply := func(c *models.Conversation) {
		if at.After(c.UpdatedAt) {
			c.UpdatedAt = at
		}
		c.LastMessagePreview = p.Content
		if countsUnread {
			c.UnreadCount++
		}
	}
	stored, ok := e.store.Update(id, apply)
	if !ok {
		c := models.Conversation{ID: id, DisplayName: models.ResolveDisplayName("", p.SenderID, id)}
		apply(&c)
		stored = e.store.Upsert(c)
	}

	if isOpen && incoming {
		e.book.MarkRead(id, e.openBaseline(id, stored.UnreadCount)+1)
	} else {
		e.book.Observe(id, stored.UnreadCount)
	}

	if p.MessageID != "" {
		status := models.DeliveryStatusSent
		if isOpen && incoming {
			status = models.DeliveryStatusRead
		}
		e.tracker.Track(models.Message{
			ID:             p.MessageID,
			ConversationID: id,
			SenderID:       p.SenderID,
			Content:        p.Content,
			CreatedAt:      at,
			Status:         status,
		})
	}

	out := []*models.Event{e.updatedEvent(id)}
	if e.typing.stop(id, p.SenderID) {
		out = append(out, e.typingEvent(id))
	}
	e.mu.Unlock()

	e.publish(out...)
	if isOpen && incoming {
		e.markReadInBackground(id)
	}
}

// openBaseline is the count the read marker of an open conversation
// currently hides.
func (e *Engine) openBaseline(id string, fallback int) int {
	if m := e.book.Marker(id); m != nil && m.State == models.MarkerReadByUser {
		return m.RecordedCount
	}
	return max(fallback-1, 0)
}

func (e *Engine) handleTyping(kind models.SocketEventType, p models.TypingPayload) {
	if p.UserID == e.config.SelfID && e.config.SelfID != "" {
		return
	}
	e.mu.Lock()
	var changed bool
	if kind == models.SocketTyping {
		changed = e.typing.start(p.ConversationID, p.UserID, e.now())
	} else {
		changed = e.typing.stop(p.ConversationID, p.UserID)
	}
	var ev *models.Event
	if changed {
		ev = e.typingEvent(p.ConversationID)
	}
	e.mu.Unlock()

	if ev != nil {
		e.publish(ev)
	}
}

func (e *Engine) handleReadReceipt(p models.ReadReceiptPayload) {
	e.mu.Lock()
	changed := 0
	if p.MessageID != "" {
		if _, ok := e.tracker.Advance(p.MessageID, p.Status); ok {
			changed = 1
		}
	} else {
		changed = e.tracker.AdvanceConversation(p.ConversationID, e.config.SelfID, p.Status)
	}
	e.mu.Unlock()

	if changed > 0 {
		e.publish(events.NewEvent(models.EventTypeConversationUpdated, models.EntityTypeMessage, p.ConversationID,
			map[string]any{"status": p.Status, "message_id": p.MessageID, "changed": changed}))
	}
}

// Open records id as the conversation on screen, marks it read locally and
// tells the server in the background. A failed server call is only logged;
// the local marker keeps the row read.
func (e *Engine) Open(ctx context.Context, id string) error {
	e.mu.Lock()
	c, ok := e.store.Get(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	prev := e.openID
	e.openID = id
	e.book.MarkRead(id, c.UnreadCount)
	e.tracker.MarkConversationRead(id)
	out := []*models.Event{e.updatedEvent(id)}
	if prev != "" && prev != id {
		out = append(out, e.updatedEvent(prev))
	}
	e.mu.Unlock()

	e.publish(out...)
	logger := logging.WithConversation(logging.ComponentFromContext(ctx, "engine"), id)
	logger.Debug().Int("unread", c.UnreadCount).Msg("opened conversation")
	e.markReadInBackground(id)
	return nil
}

// Close clears the open conversation if it is id.
func (e *Engine) Close(id string) {
	e.mu.Lock()
	if e.openID != id {
		e.mu.Unlock()
		return
	}
	e.openID = ""
	ev := e.updatedEvent(id)
	e.mu.Unlock()
	e.publish(ev)
}

// OpenID returns the conversation on screen, if any.
func (e *Engine) OpenID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openID
}

func (e *Engine) markReadInBackground(id string) {
	if e.remote == nil {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := e.remote.MarkAllRead(ctx, id); err != nil {
			logger := logging.WithConversation(e.logger, id)
			logger.Warn().Err(err).Msg("failed to mark conversation read on server")
		}
	}()
}

// View returns the view for one conversation.
func (e *Engine) View(id string) (ConversationView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.store.Get(id)
	if !ok {
		return ConversationView{}, false
	}
	return e.viewLocked(c, e.now()), true
}

// Views returns the visible conversations in display order.
func (e *Engine) Views() []ConversationView {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	list := e.store.List()
	out := make([]ConversationView, 0, len(list))
	for _, c := range list {
		if c.IsHidden {
			continue
		}
		out = append(out, e.viewLocked(c, now))
	}
	return out
}

func (e *Engine) viewLocked(c models.Conversation, now time.Time) ConversationView {
	isOpen := e.openID == c.ID
	return ConversationView{
		Conversation: c,
		Unread:       readstate.EffectiveUnread(c, e.book.Marker(c.ID), isOpen),
		TypingUsers:  e.typing.users(c.ID, now),
		IsOpen:       isOpen,
	}
}

// EffectiveTotalUnread sums effective badges over non-muted conversations.
func (e *Engine) EffectiveTotalUnread() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, c := range e.store.List() {
		if c.IsMuted {
			continue
		}
		total += readstate.EffectiveUnread(c, e.book.Marker(c.ID), e.openID == c.ID).BadgeCount
	}
	return total
}

// DeliveryStatus returns the tracked status of a message.
func (e *Engine) DeliveryStatus(messageID string) (models.DeliveryStatus, bool) {
	return e.tracker.Status(messageID)
}

// BeginAction applies kind optimistically and returns the snapshots needed
// to undo it. Deleting a conversation that is already gone (or tombstoned)
// returns an action with Existed unset that changes nothing locally, so the
// server call still runs and a repeated delete succeeds.
func (e *Engine) BeginAction(id string, kind models.ActionKind) (models.PendingAction, error) {
	now := e.now()

	e.mu.Lock()
	c, ok := e.store.Get(id)
	if !ok && kind != models.ActionDelete {
		e.mu.Unlock()
		return models.PendingAction{}, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	action := models.PendingAction{
		ID:                 uuid.NewString(),
		ConversationID:     id,
		Kind:               kind,
		OptimisticSnapshot: c,
		Existed:            ok,
		MarkerSnapshot:     e.book.Marker(id),
		StartedAt:          now,
	}
	e.pending[id]++
	if !ok {
		e.mu.Unlock()
		e.logger.Debug().Str("conversation_id", id).Msg("delete of absent conversation")
		return action, nil
	}

	var ev *models.Event
	switch kind {
	case models.ActionDelete:
		e.store.Remove(id)
		e.tombstones[id] = now
		if e.openID == id {
			e.openID = ""
		}
		ev = events.NewEvent(models.EventTypeConversationRemoved, models.EntityTypeConversation, id, nil)
	case models.ActionMarkRead:
		e.book.MarkRead(id, c.UnreadCount)
		ev = e.updatedEvent(id)
	case models.ActionMarkUnread:
		e.book.MarkUnread(id)
		if c.UnreadCount == 0 {
			e.store.Update(id, func(c *models.Conversation) { c.UnreadCount = 1 })
		}
		ev = e.updatedEvent(id)
	}
	e.mu.Unlock()

	e.publish(ev)
	return action, nil
}

// Rollback restores the conversation and marker exactly as they were
// before BeginAction. An action on an absent conversation changed nothing,
// so only its pending hold is released.
func (e *Engine) Rollback(action models.PendingAction) {
	id := action.ConversationID

	e.mu.Lock()
	e.releasePendingLocked(id)
	if !action.Existed {
		e.mu.Unlock()
		return
	}
	e.store.Restore(action.OptimisticSnapshot)
	e.book.Restore(id, action.MarkerSnapshot)
	if action.Kind == models.ActionDelete {
		delete(e.tombstones, id)
	}
	ev := e.updatedEvent(id)
	e.mu.Unlock()

	e.publish(ev)
}

// Commit finalizes an action the server accepted.
func (e *Engine) Commit(action models.PendingAction) {
	id := action.ConversationID

	e.mu.Lock()
	e.releasePendingLocked(id)
	switch action.Kind {
	case models.ActionDelete:
		e.store.Remove(id)
		e.tombstones[id] = e.now()
		e.book.Forget(id)
		e.tracker.Forget(id)
		e.typing.clear(id)
	case models.ActionMarkRead:
		e.tracker.MarkConversationRead(id)
	}
	e.mu.Unlock()
}

func (e *Engine) releasePendingLocked(id string) {
	if e.pending[id] <= 1 {
		delete(e.pending, id)
		return
	}
	e.pending[id]--
}

// Run feeds socket events into the engine and expires typing indicators
// until ctx is done or the stream closes.
func (e *Engine) Run(ctx context.Context, stream <-chan models.SocketEvent) {
	tick := max(e.config.TypingTTL/2, minTypingSweepTick)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			e.HandleEvent(ev)
		case <-ticker.C:
			e.ExpireTyping()
		}
	}
}

// ExpireTyping drops stale typing indicators.
func (e *Engine) ExpireTyping() {
	e.mu.Lock()
	changed := e.typing.sweep(e.now())
	out := make([]*models.Event, 0, len(changed))
	for _, id := range changed {
		out = append(out, e.typingEvent(id))
	}
	e.mu.Unlock()
	e.publish(out...)
}

func (e *Engine) currentPoller() Poller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poller
}

func (e *Engine) updatedEvent(id string) *models.Event {
	return events.NewEvent(models.EventTypeConversationUpdated, models.EntityTypeConversation, id, nil)
}

func (e *Engine) typingEvent(id string) *models.Event {
	return events.NewEvent(models.EventTypeTypingChanged, models.EntityTypeConversation, id,
		models.TypingChangedPayload{UserIDs: e.typing.users(id, e.now())})
}

func (e *Engine) publish(evs ...*models.Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range evs {
		if ev != nil {
			e.publisher.Publish(ev)
		}
	}
}
