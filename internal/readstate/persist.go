package readstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/convsync/internal/db"
	"github.com/tOgg1/convsync/internal/logging"
)

// ReadSetKey is the key-value entry holding the explicitly read ids.
const ReadSetKey = "read_conversations"

const (
	defaultSaveDebounce = 1 * time.Second
	readSetVersion      = 2
)

// KV is the storage the Persister writes to.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// readSetDocument is the stored form. Version 1 held ids only; version 2
// keeps each marker's recorded count so messages that arrive while the app
// is closed still surface after a restart.
type readSetDocument struct {
	Version int            `json:"version"`
	IDs     []string       `json:"ids,omitempty"`
	Markers map[string]int `json:"markers,omitempty"`
}

// Persister saves the read-by-user set across restarts with debounced
// writes.
type Persister struct {
	kv     KV
	logger zerolog.Logger

	// writeMu orders writes: the set taken under it is the set written, so
	// an older set can never land after a newer one.
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]int
	dirty    bool
	closed   bool
	timer    *time.Timer
	debounce time.Duration
}

// NewPersister creates a Persister. A non-positive debounce uses 1s.
func NewPersister(kv KV, debounce time.Duration) *Persister {
	if debounce <= 0 {
		debounce = defaultSaveDebounce
	}
	return &Persister{
		kv:       kv,
		logger:   logging.Component("readstate"),
		debounce: debounce,
	}
}

// Load returns the persisted read set. A missing entry yields an empty set.
// Entries written before counts were kept (a version 1 document or a bare
// JSON array) load with a recorded count of zero, so any unread message
// surfaces.
func (p *Persister) Load(ctx context.Context) (map[string]int, error) {
	payload, err := p.kv.Get(ctx, ReadSetKey)
	if errors.Is(err, db.ErrNotFound) || (err == nil && len(payload) == 0) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load read set: %w", err)
	}

	var doc readSetDocument
	if err := json.Unmarshal(payload, &doc); err == nil && doc.Version > 0 {
		if doc.Version >= readSetVersion {
			return normalizeSet(doc.Markers), nil
		}
		return setFromIDs(doc.IDs), nil
	}
	var legacy []string
	if err := json.Unmarshal(payload, &legacy); err != nil {
		return nil, fmt.Errorf("decode read set: %w", err)
	}
	return setFromIDs(legacy), nil
}

// Schedule records set as the latest read set and writes it after the
// debounce. It is a no-op after Close.
func (p *Persister) Schedule(set map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = maps.Clone(set)
	p.dirty = true
	if p.timer == nil {
		p.timer = time.AfterFunc(p.debounce, func() {
			if err := p.SaveNow(context.Background()); err != nil {
				p.logger.Warn().Err(err).Msg("failed to persist read set")
			}
		})
		return
	}
	_ = p.timer.Reset(p.debounce)
}

// SaveNow writes the pending set immediately if it changed.
func (p *Persister) SaveNow(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	set := normalizeSet(p.pending)
	p.dirty = false
	p.mu.Unlock()

	payload, err := json.Marshal(readSetDocument{Version: readSetVersion, Markers: set})
	if err != nil {
		return err
	}
	if err := p.kv.Put(ctx, ReadSetKey, payload); err != nil {
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
		return fmt.Errorf("save read set: %w", err)
	}
	p.logger.Debug().Int("count", len(set)).Msg("persisted read set")
	return nil
}

// Close stops the debounce timer and flushes pending changes. A save
// already running from the timer finishes before Close returns.
func (p *Persister) Close() error {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.SaveNow(context.Background())
}

func normalizeSet(set map[string]int) map[string]int {
	out := make(map[string]int, len(set))
	for id, count := range set {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = max(count, 0)
	}
	return out
}

func setFromIDs(ids []string) map[string]int {
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = 0
		}
	}
	return out
}
