// Package syncer runs the periodic conversation poll.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/convsync/internal/logging"
	"github.com/tOgg1/convsync/internal/models"
)

// Scheduler errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
)

// Fetcher loads a full snapshot. gateway.Gateway satisfies it.
type Fetcher interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
}

// Sink receives snapshots. startedAt is when the fetch began, so the sink
// can ignore entries it changed after that point.
type Sink interface {
	ApplySnapshot(startedAt time.Time, convs []models.Conversation)
}

// Config contains scheduler settings.
type Config struct {
	// Interval between polls.
	// Default: 5s
	Interval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second}
}

// Stats counts poll outcomes.
type Stats struct {
	Polls      int
	Failures   int
	Discarded  int
	LastPollAt time.Time
}

// Scheduler polls on a timer that socket deltas push back.
type Scheduler struct {
	config  Config
	fetcher Fetcher
	sink    Sink
	logger  zerolog.Logger

	mu       sync.Mutex
	running  bool
	paused   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	timer    *time.Timer
	wake     chan struct{}
	deltaSeq uint64
	stats    Stats
}

// NewScheduler creates a Scheduler.
func NewScheduler(config Config, fetcher Fetcher, sink Sink) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Scheduler{
		config:  config,
		fetcher: fetcher,
		sink:    sink,
		logger:  logging.Component("syncer"),
		wake:    make(chan struct{}, 1),
	}
}

// Start begins polling. The first poll happens after one interval; call
// PollNow for an immediate one.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.paused = false
	s.timer = time.NewTimer(s.config.Interval)

	s.logger.Info().Dur("interval", s.config.Interval).Msg("sync scheduler starting")

	s.wg.Add(1)
	go s.runLoop(s.ctx, s.timer)
	return nil
}

// Stop halts polling and waits for an in-flight poll to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.cancel()
	s.timer.Stop()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("sync scheduler stopped")
	return nil
}

// IsRunning reports whether Start has been called without Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NotifyDelta defers the next poll by one full interval. A poll already
// in flight has its result discarded.
func (s *Scheduler) NotifyDelta() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltaSeq++
	if s.running && !s.paused {
		s.timer.Reset(s.config.Interval)
	}
}

// Pause stops the timer, e.g. while the app is backgrounded.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return
	}
	s.paused = true
	s.timer.Stop()
	s.logger.Debug().Msg("sync scheduler paused")
}

// Resume restarts the timer and fetches immediately.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if !s.running || !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.timer.Reset(s.config.Interval)
	s.mu.Unlock()

	s.logger.Debug().Msg("sync scheduler resumed")
	s.signal()
}

// PollNow requests an immediate poll. Requests made while one is pending
// coalesce.
func (s *Scheduler) PollNow() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrSchedulerNotRunning
	}
	s.signal()
	return nil
}

// Stats returns a copy of the poll counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runLoop(ctx context.Context, timer *time.Timer) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}

		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			continue
		}

		s.pollOnce(ctx)

		s.mu.Lock()
		if s.running && !s.paused {
			timer.Reset(s.config.Interval)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	s.mu.Lock()
	seq := s.deltaSeq
	s.mu.Unlock()

	startedAt := time.Now().UTC()
	convs, err := s.fetcher.FetchConversations(ctx)

	s.mu.Lock()
	s.stats.Polls++
	s.stats.LastPollAt = startedAt
	raced := s.deltaSeq != seq
	if err != nil && ctx.Err() == nil {
		s.stats.Failures++
	}
	if err == nil && raced {
		s.stats.Discarded++
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Msg("poll failed, retrying next tick")
		return
	case raced:
		s.logger.Debug().Msg("discarding poll that raced with a socket delta")
		return
	}

	s.sink.ApplySnapshot(startedAt, convs)
	s.logger.Debug().
		Int("conversations", len(convs)).
		Dur("elapsed", time.Since(startedAt)).
		Msg("applied poll")
}
