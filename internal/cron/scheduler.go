// Package cron fires configured test-suite schedules by dispatching run_tests
// through the same dispatcher and host loop that serve remote agents.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/hostbridge/internal/clock"
	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Dispatcher is the command entry point schedules fire through.
type Dispatcher interface {
	Dispatch(ctx context.Context, env protocol.Envelope) protocol.Response
}

// RunRecorder persists fire history. persistence.Store satisfies it.
type RunRecorder interface {
	RecordScheduleRun(ctx context.Context, scheduleName, suite, jobID, errMsg string) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Schedules  []config.ScheduleConfig
	Dispatcher Dispatcher
	Recorder   RunRecorder // optional
	Clock      clock.Clock
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 1 minute if zero
}

type entry struct {
	cfg     config.ScheduleConfig
	sched   cronlib.Schedule
	nextRun time.Time
}

// Scheduler periodically checks every schedule and fires the due ones.
type Scheduler struct {
	dispatcher Dispatcher
	recorder   RunRecorder
	clock      clock.Clock
	logger     *slog.Logger
	interval   time.Duration

	mu      sync.Mutex
	entries []*entry
	fired   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every schedule up front; a bad expression is an error.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("cron: dispatcher required")
	}

	now := clk.Now()
	entries := make([]*entry, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		parsed, err := cronParser.Parse(sc.Spec)
		if err != nil {
			return nil, fmt.Errorf("cron: schedule %q: %w", sc.Name, err)
		}
		entries = append(entries, &entry{cfg: sc, sched: parsed, nextRun: parsed.Next(now)})
	}
	return &Scheduler{
		dispatcher: cfg.Dispatcher,
		recorder:   cfg.Recorder,
		clock:      clk,
		logger:     logger,
		interval:   interval,
		entries:    entries,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedules", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Fired returns how many schedule fires have been attempted.
func (s *Scheduler) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// NextRuns returns each schedule's next fire time keyed by name.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for _, e := range s.entries {
		out[e.cfg.Name] = e.nextRun
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every schedule whose next run has been reached. A schedule that
// missed several slots fires once and moves to its next future slot.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var due []config.ScheduleConfig
	for _, e := range s.entries {
		if e.nextRun.After(now) {
			continue
		}
		due = append(due, e.cfg)
		e.nextRun = e.sched.Next(now)
	}
	s.fired += len(due)
	s.mu.Unlock()

	for _, sc := range due {
		s.fire(ctx, sc)
	}
}

func (s *Scheduler) fire(ctx context.Context, sc config.ScheduleConfig) {
	ctx = shared.WithTransport(ctx, "cron")
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	env := protocol.Envelope{
		RequestID: "cron-" + sc.Name + "-" + shared.NewTraceID()[:8],
		Tool:      "run_tests",
		Params:    map[string]any{"suite": sc.Suite},
	}
	if sc.Filter != "" {
		env.Params["filter"] = sc.Filter
	}
	ctx = shared.WithRequestID(ctx, env.RequestID)

	resp := s.dispatcher.Dispatch(ctx, env)
	jobID := resp.JobID()
	errMsg := ""
	if !resp.Success {
		errMsg = resp.Error
		s.logger.Error("cron: schedule dispatch failed",
			"schedule_name", sc.Name,
			"suite", sc.Suite,
			"error", resp.Error,
		)
	} else {
		s.logger.Info("cron: schedule fired",
			"schedule_name", sc.Name,
			"suite", sc.Suite,
			"job_id", jobID,
		)
	}

	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordScheduleRun(ctx, sc.Name, sc.Suite, jobID, errMsg); err != nil {
		s.logger.Error("cron: failed to record schedule run",
			"schedule_name", sc.Name,
			"error", err,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
