package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed busy", busy, true},
		{"typed locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"typed constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"wrapped typed", fmt.Errorf("claim task: %w", busy), true},
		{"flattened text", fmt.Errorf("claim task: %v", "database is locked"), true},
		{"other text", errors.New("no such table: tasks"), false},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.want {
			t.Errorf("%s: isSQLiteBusy(%v) = %v, want %v", tt.name, tt.err, got, tt.want)
		}
	}
}

func TestBusyBackoff_Bounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		base := busyMaxDelay
		if attempt < 8 {
			base = min(busyBaseDelay<<attempt, busyMaxDelay)
		}
		for i := 0; i < 20; i++ {
			d := busyBackoff(attempt)
			if d < base*3/4 || d > base*5/4 {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, base*3/4, base*5/4)
			}
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := sqlite3.Error{Code: sqlite3.ErrBusy}

	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrConstraint}
	})
	if err == nil || calls != 1 {
		t.Fatalf("non-busy error: calls=%d err=%v", calls, err)
	}

	calls = 0
	err = retryOnBusy(context.Background(), 3, func() error {
		if calls++; calls < 3 {
			return locked
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("recovering: calls=%d err=%v", calls, err)
	}

	calls = 0
	err = retryOnBusy(context.Background(), 2, func() error {
		calls++
		return locked
	})
	if !isSQLiteBusy(err) || calls != 3 {
		t.Fatalf("exhausted: calls=%d err=%v", calls, err)
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	err := retryOnBusy(ctx, 5, func() error {
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrLocked}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("retry kept sleeping after cancel")
	}
}
