package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/hostbridge/internal/clock"
	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/cron"
	"github.com/basket/hostbridge/internal/persistence"
	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/shared"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "hostbridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeDispatcher struct {
	mu         sync.Mutex
	envs       []protocol.Envelope
	transports []string
	resp       protocol.Response
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, env protocol.Envelope) protocol.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	f.transports = append(f.transports, shared.Transport(ctx))
	return f.resp
}

func (f *fakeDispatcher) calls() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.envs...)
}

// 2026-03-02 08:59 UTC, one minute before a "0 9 * * *" slot.
var start = time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC)

func TestScheduler_FiresRunTestsWhenDue(t *testing.T) {
	store := openTestStore(t)
	clk := clock.Fake(start)
	disp := &fakeDispatcher{resp: protocol.OK(map[string]any{"jobId": "job-42", "status": "queued"})}

	sched, err := cron.NewScheduler(cron.Config{
		Schedules:  []config.ScheduleConfig{{Name: "morning", Spec: "0 9 * * *", Suite: "smoke", Filter: "lint"}},
		Dispatcher: disp,
		Recorder:   store,
		Clock:      clk,
		Logger:     slog.Default(),
		Interval:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	// Not due yet: several ticks pass without a fire.
	time.Sleep(50 * time.Millisecond)
	if n := len(disp.calls()); n != 0 {
		t.Fatalf("expected no fire before 09:00, got %d", n)
	}

	clk.Advance(time.Minute)
	waitFor(t, 3*time.Second, func() bool { return len(disp.calls()) == 1 })

	env := disp.calls()[0]
	if env.Tool != "run_tests" {
		t.Fatalf("expected run_tests, got %q", env.Tool)
	}
	if env.Params["suite"] != "smoke" || env.Params["filter"] != "lint" {
		t.Fatalf("unexpected params: %+v", env.Params)
	}
	if disp.transports[0] != "cron" {
		t.Fatalf("expected transport cron, got %q", disp.transports[0])
	}

	var runs []persistence.ScheduleRun
	waitFor(t, 3*time.Second, func() bool {
		runs, err = store.ListScheduleRuns(context.Background(), "morning", 10)
		return err == nil && len(runs) == 1
	})
	if runs[0].JobID != "job-42" || runs[0].Suite != "smoke" || runs[0].Error != "" {
		t.Fatalf("unexpected run record: %+v", runs[0])
	}

	next := sched.NextRuns()["morning"]
	if !next.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected next run tomorrow 09:00, got %v", next)
	}
}

func TestScheduler_MissedSlotsFireOnce(t *testing.T) {
	clk := clock.Fake(start)
	disp := &fakeDispatcher{resp: protocol.OK(map[string]any{"jobId": "j"})}
	sched, err := cron.NewScheduler(cron.Config{
		Schedules:  []config.ScheduleConfig{{Name: "every5", Spec: "*/5 * * * *", Suite: "unit"}},
		Dispatcher: disp,
		Clock:      clk,
		Interval:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	clk.Advance(time.Hour)
	sched.Start(context.Background())
	waitFor(t, 3*time.Second, func() bool { return sched.Fired() >= 1 })
	time.Sleep(50 * time.Millisecond)
	sched.Stop()

	if got := sched.Fired(); got != 1 {
		t.Fatalf("expected a single catch-up fire, got %d", got)
	}
	if _, ok := disp.calls()[0].Params["filter"]; ok {
		t.Fatalf("filter should be omitted when empty")
	}
}

func TestScheduler_RecordsDispatchFailure(t *testing.T) {
	store := openTestStore(t)
	clk := clock.Fake(start)
	disp := &fakeDispatcher{resp: protocol.Fail("Tool 'run_tests' is disabled by policy.")}
	sched, err := cron.NewScheduler(cron.Config{
		Schedules:  []config.ScheduleConfig{{Name: "morning", Spec: "0 9 * * *", Suite: "smoke"}},
		Dispatcher: disp,
		Recorder:   store,
		Clock:      clk,
		Interval:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()
	clk.Advance(time.Minute)

	var runs []persistence.ScheduleRun
	waitFor(t, 3*time.Second, func() bool {
		runs, err = store.ListScheduleRuns(context.Background(), "", 10)
		return err == nil && len(runs) == 1
	})
	if runs[0].JobID != "" || runs[0].Error != "Tool 'run_tests' is disabled by policy." {
		t.Fatalf("unexpected run record: %+v", runs[0])
	}
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Schedules:  []config.ScheduleConfig{{Name: "bad", Spec: "not a cron", Suite: "smoke"}},
		Dispatcher: &fakeDispatcher{},
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if _, err := cron.NewScheduler(cron.Config{}); err == nil {
		t.Fatal("expected error without a dispatcher")
	}
}

func TestNextRunTime(t *testing.T) {
	got, err := cron.NextRunTime("*/10 * * * *", time.Date(2026, 3, 2, 8, 3, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if got.Minute() != 10 || got.Hour() != 8 {
		t.Fatalf("expected 08:10, got %v", got)
	}
}
