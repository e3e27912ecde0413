// Package shared holds storage helpers used by more than one package.
//
//nolint:revive
package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	conflictRetries   = 2
	conflictBaseDelay = 100 * time.Millisecond
)

// conflictMarkers catch conflicts reported as text by drivers or wrappers
// that drop the typed sqlite error.
var conflictMarkers = []string{"SQLITE_BUSY", "SQLITE_LOCKED", "database is locked"}

// IsConflict reports whether err means another connection holds the
// database or table lock, so the statement can be tried again.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	for _, m := range conflictMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RetryOnConflict runs fn and retries it twice with exponential backoff
// starting at 100ms while it fails with a lock conflict. Any other error
// stops immediately.
func RetryOnConflict(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = conflictBaseDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, conflictRetries), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !IsConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
