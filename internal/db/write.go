package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrBusy is returned when a write keeps finding the database locked by
// another process, such as a watch session running next to a one-shot
// command.
var ErrBusy = errors.New("state database busy")

// retryPolicy bounds how often a locked write is attempted. The backoff
// doubles after every busy attempt.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

var defaultWritePolicy = retryPolicy{attempts: 3, backoff: 50 * time.Millisecond}

// write runs a single kv statement in its own transaction under the write
// policy. op and key only label errors and log lines.
func (db *DB) write(ctx context.Context, op, key, query string, args ...any) error {
	logger := db.logger.With().Str("op", op).Str("key", key).Logger()
	return db.policy.run(ctx, logger, func() error {
		return db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to %s %s: %w", op, key, err)
			}
			return nil
		})
	})
}

func (p retryPolicy) run(ctx context.Context, logger zerolog.Logger, fn func() error) error {
	attempts := max(p.attempts, 1)
	backoff := p.backoff
	if backoff <= 0 {
		backoff = defaultWritePolicy.backoff
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrBusy, attempt, err)
		}

		logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("state database busy, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

// isBusy reports whether err means another connection holds the lock.
// Driver errors are matched by primary result code; anything else falls
// back to the message text.
func isBusy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "sqlite_busy")
}
