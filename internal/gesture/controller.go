// Package gesture turns swipe gestures on conversation rows into committed
// actions with optimistic apply and rollback.
package gesture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tOgg1/convsync/internal/events"
	"github.com/tOgg1/convsync/internal/logging"
	"github.com/tOgg1/convsync/internal/models"
)

// Controller errors.
var (
	ErrActionInFlight  = errors.New("action already in flight")
	ErrActionsNotShown = errors.New("actions are not revealed")
	ErrNoDeletePending = errors.New("no delete awaiting confirmation")
	ErrUnknownAction   = errors.New("unknown action")
)

// Phase is the swipe state of one row.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDragging
	PhaseOpen
	PhaseConfirmDelete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDragging:
		return "dragging"
	case PhaseOpen:
		return "open"
	case PhaseConfirmDelete:
		return "confirm-delete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Config contains swipe thresholds in points.
type Config struct {
	// JitterThreshold is the drag distance below which movement is ignored.
	JitterThreshold float64
	// CommitThreshold is how far a release must travel to stay open.
	CommitThreshold float64
	// ActionWidth is the width of the revealed action area.
	ActionWidth float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{JitterThreshold: 10, CommitThreshold: 60, ActionWidth: 180}
}

// Target applies optimistic mutations. The engine implements it.
type Target interface {
	// BeginAction snapshots the conversation and applies kind locally.
	BeginAction(conversationID string, kind models.ActionKind) (models.PendingAction, error)
	// Rollback restores the snapshots taken by BeginAction.
	Rollback(action models.PendingAction)
	// Commit finalizes an action the server accepted.
	Commit(action models.PendingAction)
}

// Remote issues the server calls. gateway.Gateway satisfies it.
type Remote interface {
	MarkAllRead(ctx context.Context, conversationID string) error
	MarkUnread(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ItemState is a copy of one row's gesture state.
type ItemState struct {
	Phase   Phase
	Offset  float64
	Pending bool
}

type item struct {
	phase   Phase
	offset  float64
	base    float64
	pending int
}

type inflightKey struct {
	id   string
	kind models.ActionKind
}

// Controller holds per-row gesture state keyed by conversation id. Gesture
// input methods never block; TapAction and ConfirmDelete block on the
// server call.
type Controller struct {
	config    Config
	target    Target
	remote    Remote
	publisher events.Publisher

	mu       sync.Mutex
	items    map[string]*item
	inflight map[inflightKey]struct{}
}

// NewController creates a Controller. publisher may be nil.
func NewController(config Config, target Target, remote Remote, publisher events.Publisher) *Controller {
	defaults := DefaultConfig()
	if config.JitterThreshold <= 0 {
		config.JitterThreshold = defaults.JitterThreshold
	}
	if config.CommitThreshold <= 0 {
		config.CommitThreshold = defaults.CommitThreshold
	}
	if config.ActionWidth <= 0 {
		config.ActionWidth = defaults.ActionWidth
	}
	return &Controller{
		config:    config,
		target:    target,
		remote:    remote,
		publisher: publisher,
		items:     make(map[string]*item),
		inflight:  make(map[inflightKey]struct{}),
	}
}

// State returns the gesture state for id. Unknown ids are idle.
func (c *Controller) State(id string) ItemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return ItemState{Phase: PhaseIdle}
	}
	return ItemState{Phase: it.phase, Offset: it.offset, Pending: it.pending > 0}
}

func (c *Controller) itemLocked(id string) *item {
	it, ok := c.items[id]
	if !ok {
		it = &item{}
		c.items[id] = it
	}
	return it
}

// DragMove reports the cumulative horizontal distance dx of the current
// drag; negative is leftward.
func (c *Controller) DragMove(id string, dx float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.itemLocked(id)
	if it.pending > 0 {
		return
	}

	switch it.phase {
	case PhaseIdle:
		if dx >= 0 || -dx < c.config.JitterThreshold {
			return
		}
		it.phase = PhaseDragging
		it.base = 0
	case PhaseOpen:
		it.phase = PhaseDragging
		it.base = -c.config.ActionWidth
	case PhaseDragging:
	default:
		return
	}
	it.offset = c.clamp(it.base + dx)
}

// Release ends a drag, snapping open or back to idle.
func (c *Controller) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok || it.phase != PhaseDragging {
		return
	}
	if -it.offset >= c.config.CommitThreshold {
		it.phase = PhaseOpen
		it.offset = -c.config.ActionWidth
	} else {
		c.closeLocked(it)
	}
	it.base = 0
}

// TapBody handles a tap on the row. It returns true when the tap should
// open the conversation; a tap on a dragged or revealed row only closes it.
func (c *Controller) TapBody(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok || it.phase == PhaseIdle {
		return true
	}
	c.closeLocked(it)
	return false
}

// TapAction handles a tap on a revealed action. Delete only asks for
// confirmation; the other actions are applied.
func (c *Controller) TapAction(ctx context.Context, id string, kind models.ActionKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}

	c.mu.Lock()
	if _, busy := c.inflight[inflightKey{id: id, kind: kind}]; busy {
		c.mu.Unlock()
		return ErrActionInFlight
	}
	it, ok := c.items[id]
	if !ok || it.phase != PhaseOpen {
		c.mu.Unlock()
		return ErrActionsNotShown
	}
	if kind == models.ActionDelete {
		it.phase = PhaseConfirmDelete
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.apply(ctx, id, kind)
}

// ConfirmDelete applies a delete the user confirmed.
func (c *Controller) ConfirmDelete(ctx context.Context, id string) error {
	c.mu.Lock()
	if _, busy := c.inflight[inflightKey{id: id, kind: models.ActionDelete}]; busy {
		c.mu.Unlock()
		return ErrActionInFlight
	}
	it, ok := c.items[id]
	if !ok || it.phase != PhaseConfirmDelete {
		c.mu.Unlock()
		return ErrNoDeletePending
	}
	c.mu.Unlock()

	return c.apply(ctx, id, models.ActionDelete)
}

// CancelDelete dismisses the confirmation and closes the row.
func (c *Controller) CancelDelete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[id]; ok && it.phase == PhaseConfirmDelete {
		c.closeLocked(it)
	}
}

// Forget drops the gesture state for id.
func (c *Controller) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[id]; ok && it.pending == 0 {
		delete(c.items, id)
	}
}

func (c *Controller) apply(ctx context.Context, id string, kind models.ActionKind) error {
	key := inflightKey{id: id, kind: kind}

	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return ErrActionInFlight
	}
	c.inflight[key] = struct{}{}
	it := c.itemLocked(id)
	it.pending++
	c.closeLocked(it)
	c.mu.Unlock()

	defer c.finish(key)

	logger := logging.WithConversation(logging.ComponentFromContext(ctx, "gesture"), id).With().Str("action", string(kind)).Logger()

	action, err := c.target.BeginAction(id, kind)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}

	if err := c.call(ctx, kind, id); err != nil {
		c.target.Rollback(action)
		logger.Warn().Err(err).Str("action_id", action.ID).Msg("action failed, rolled back")
		c.notifyFailure(action, err)
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}

	c.target.Commit(action)
	logger.Debug().Str("action_id", action.ID).Msg("action committed")
	return nil
}

func (c *Controller) call(ctx context.Context, kind models.ActionKind, id string) error {
	switch kind {
	case models.ActionDelete:
		return c.remote.DeleteConversation(ctx, id)
	case models.ActionMarkRead:
		return c.remote.MarkAllRead(ctx, id)
	case models.ActionMarkUnread:
		return c.remote.MarkUnread(ctx, id)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
}

func (c *Controller) finish(key inflightKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
	if it, ok := c.items[key.id]; ok {
		it.pending--
		if it.pending == 0 && it.phase == PhaseIdle {
			delete(c.items, key.id)
		}
	}
}

func (c *Controller) notifyFailure(action models.PendingAction, err error) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(events.NewEvent(
		models.EventTypeActionFailed,
		models.EntityTypeConversation,
		action.ConversationID,
		models.ActionFailedPayload{
			ActionID: action.ID,
			Kind:     action.Kind,
			Message:  FailureMessage(action.Kind),
			Error:    err.Error(),
		},
	))
}

// FailureMessage is the toast text for a failed action.
func FailureMessage(kind models.ActionKind) string {
	switch kind {
	case models.ActionDelete:
		return "Couldn't delete conversation"
	case models.ActionMarkRead:
		return "Couldn't mark conversation as read"
	case models.ActionMarkUnread:
		return "Couldn't mark conversation as unread"
	default:
		return "Action failed"
	}
}

func (c *Controller) closeLocked(it *item) {
	it.phase = PhaseIdle
	it.offset = 0
	it.base = 0
}

func (c *Controller) clamp(offset float64) float64 {
	return min(max(offset, -c.config.ActionWidth), 0)
}
