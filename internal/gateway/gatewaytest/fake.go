// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"sort"
	"sync"

	"github.com/tOgg1/convsync/internal/gateway"
	"github.com/tOgg1/convsync/internal/models"
)

// Operations recorded by Fake.
const (
	OpFetch      = "fetch"
	OpMarkRead   = "markRead"
	OpMarkUnread = "markUnread"
	OpDelete     = "delete"
)

// Call is one recorded gateway call.
type Call struct {
	Op             string
	ConversationID string
}

// Fake is a scriptable gateway. The zero value is not usable; call New.
type Fake struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	failures      map[string][]error
	gates         map[string]chan struct{}
	calls         []Call
	subscribers   []chan models.SocketEvent
}

var _ gateway.Gateway = (*Fake)(nil)

// New creates a Fake holding convs.
func New(convs ...models.Conversation) *Fake {
	f := &Fake{
		conversations: make(map[string]models.Conversation),
		failures:      make(map[string][]error),
		gates:         make(map[string]chan struct{}),
	}
	f.Set(convs...)
	return f
}

// Set adds or replaces server-side conversations.
func (f *Fake) Set(convs ...models.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range convs {
		f.conversations[c.ID] = c
	}
}

// Conversation returns the server-side copy of id.
func (f *Fake) Conversation(id string) (models.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	return c, ok
}

// FailNext makes the next call of op return err. Calls queue up.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Block holds every call of op until the returned release func runs or the
// call's context ends.
func (f *Fake) Block(op string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[op] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[op] == gate {
				delete(f.gates, op)
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns every call so far, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many times op was called.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Push delivers ev to every live subscriber. Subscribers with a full
// buffer miss the event.
func (f *Fake) Push(ev models.SocketEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *Fake) enter(ctx context.Context, op, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, ConversationID: id})
	gate := f.gates[op]
	var err error
	if queued := f.failures[op]; len(queued) > 0 {
		err = queued[0]
		f.failures[op] = queued[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// FetchConversations returns the server-side set sorted by id.
func (f *Fake) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	if err := f.enter(ctx, OpFetch, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Conversation, 0, len(f.conversations))
	for _, c := range f.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkAllRead zeroes the server-side count.
func (f *Fake) MarkAllRead(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpMarkRead, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conversations[id]; ok {
		c.UnreadCount = 0
		f.conversations[id] = c
	}
	return nil
}

// MarkUnread raises the server-side count to at least one.
func (f *Fake) MarkUnread(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpMarkUnread, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conversations[id]; ok && c.UnreadCount == 0 {
		c.UnreadCount = 1
		f.conversations[id] = c
	}
	return nil
}

// DeleteConversation removes id. Missing ids succeed.
func (f *Fake) DeleteConversation(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpDelete, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conversations, id)
	return nil
}

// Subscribe returns a stream fed by Push.
func (f *Fake) Subscribe() (<-chan models.SocketEvent, func()) {
	ch := make(chan models.SocketEvent, 64)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			for i, sub := range f.subscribers {
				if sub == ch {
					f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}
