package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// busyRetry re-runs writes that lose the race for the SQLite write lock. The
// driver's _busy_timeout already waits inside each attempt.
type busyRetry struct {
	attempts int
	base     time.Duration
	max      time.Duration
	// sleep waits d or until ctx ends; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

var defaultBusyRetry = busyRetry{
	attempts: 6,
	base:     50 * time.Millisecond,
	max:      500 * time.Millisecond,
	sleep:    sleepCtx,
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r busyRetry) do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		if attempt == r.attempts-1 {
			break
		}
		if serr := r.sleep(ctx, r.backoff(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

// backoff doubles from base up to max, then keeps 75-125% of that.
func (r busyRetry) backoff(attempt int) time.Duration {
	d := r.base << uint(attempt)
	if d > r.max || d <= 0 {
		d = r.max
	}
	if half := int64(d / 2); half > 0 {
		return d - d/4 + time.Duration(rand.Int64N(half))
	}
	return d
}

// isBusy reports SQLITE_BUSY and SQLITE_LOCKED, including errors that were
// flattened to text by fmt.Errorf("%v").
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
