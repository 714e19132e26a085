package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy runs f until it succeeds, fails with something other than
// lock contention, or has been retried maxRetries times. This sits on top
// of the driver's busy_timeout, which covers only the wait for the lock
// and not a BUSY returned at commit.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		t := time.NewTimer(busyBackoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// busyBackoff doubles from busyBaseDelay up to busyMaxDelay, then spreads
// the wait over 75%..125% so contending writers do not retry in lockstep.
func busyBackoff(attempt int) time.Duration {
	d := busyMaxDelay
	if attempt < 8 {
		d = min(busyBaseDelay<<attempt, busyMaxDelay)
	}
	return d*3/4 + time.Duration(rand.Int64N(int64(d/2)+1))
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED, including errors
// that were flattened to text by a %v wrap somewhere up the stack.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
