package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepLog struct {
	waits []time.Duration
	err   error
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

func testRetry(attempts int, log *sleepLog) busyRetry {
	return busyRetry{attempts: attempts, base: 10 * time.Millisecond, max: 40 * time.Millisecond, sleep: log.sleep}
}

var errLocked = sqlite3.Error{Code: sqlite3.ErrLocked}

func TestIsBusy(t *testing.T) {
	assert.False(t, isBusy(nil))
	assert.False(t, isBusy(errors.New("no such table: audit_log")))
	assert.False(t, isBusy(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, isBusy(fmt.Errorf("record schedule run: %w", errLocked)))
	assert.True(t, isBusy(errors.New("record policy version: database is locked")))
}

func TestBusyRetry_StopsOnSuccess(t *testing.T) {
	log := &sleepLog{}
	calls := 0
	err := testRetry(5, log).do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errLocked
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, log.waits, 2)
}

func TestBusyRetry_OtherErrorsReturnImmediately(t *testing.T) {
	log := &sleepLog{}
	calls := 0
	want := errors.New("constraint failed")
	err := testRetry(5, log).do(context.Background(), func() error {
		calls++
		return want
	})
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 1, calls)
	assert.Empty(t, log.waits)
}

func TestBusyRetry_ReturnsLastBusyError(t *testing.T) {
	log := &sleepLog{}
	calls := 0
	err := testRetry(3, log).do(context.Background(), func() error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, errLocked)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt 3")
	assert.Equal(t, 3, calls)
	assert.Len(t, log.waits, 2, "no sleep after the final attempt")
}

func TestBusyRetry_SleepErrorAborts(t *testing.T) {
	log := &sleepLog{err: context.Canceled}
	calls := 0
	err := testRetry(5, log).do(context.Background(), func() error {
		calls++
		return errLocked
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBusyRetry_BackoffBounds(t *testing.T) {
	r := testRetry(10, &sleepLog{})
	for attempt := 0; attempt < 10; attempt++ {
		nominal := r.base << uint(attempt)
		if nominal > r.max {
			nominal = r.max
		}
		for i := 0; i < 20; i++ {
			d := r.backoff(attempt)
			assert.GreaterOrEqual(t, d, nominal*3/4, "attempt %d", attempt)
			assert.Less(t, d, nominal*5/4, "attempt %d", attempt)
		}
	}
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleepCtx(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
