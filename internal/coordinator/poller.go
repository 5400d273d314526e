package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/hostbridge/internal/client"
	"github.com/basket/hostbridge/internal/clock"
	"github.com/basket/hostbridge/internal/jobs"
	"github.com/basket/hostbridge/internal/protocol"
)

const (
	DefaultPollInterval    = time.Second
	DefaultPollTimeout     = 120 * time.Second
	DefaultPollMaxAttempts = 30
)

// PollConfig bounds a polling loop. Zero fields take the defaults.
type PollConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultPollTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultPollMaxAttempts
	}
	return c
}

// PollOutcome is how a polling loop ended.
type PollOutcome string

const (
	PollCompleted PollOutcome = "completed"
	PollFailed    PollOutcome = "failed"
	PollTimedOut  PollOutcome = "timed_out"
	PollCancelled PollOutcome = "cancelled"
)

// PollResult describes one polling loop.
type PollResult struct {
	JobID    string         `json:"jobId"`
	Outcome  PollOutcome    `json:"outcome"`
	Attempts int            `json:"attempts"`
	Elapsed  time.Duration  `json:"elapsedNs"`
	Snapshot *jobs.Snapshot `json:"snapshot,omitempty"`
	// Observed lists every status seen, one entry per successful poll.
	Observed  []jobs.Status `json:"observed,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

// OK reports whether the job completed.
func (r PollResult) OK() bool { return r.Outcome == PollCompleted }

// Message is a one-line failure reason, empty on success.
func (r PollResult) Message() string {
	switch r.Outcome {
	case PollCompleted:
		return ""
	case PollFailed:
		msg := "job " + r.JobID + " failed"
		if r.Snapshot != nil && r.Snapshot.Error != "" {
			msg += ": " + r.Snapshot.Error
		} else if r.Snapshot != nil && r.Snapshot.FailedCount > 0 {
			msg += fmt.Sprintf(": %d of %d tests failed", r.Snapshot.FailedCount, r.Snapshot.TotalCount)
		}
		return msg
	case PollTimedOut:
		return fmt.Sprintf("timed out waiting for job %s after %s (%d attempts)", r.JobID, r.Elapsed, r.Attempts)
	default:
		return fmt.Sprintf("polling job %s cancelled: %s", r.JobID, r.LastError)
	}
}

// Poller asks the bridge for a job snapshot at a fixed interval until the
// job is terminal or a bound is hit.
type Poller struct {
	bridge client.Bridge
	cfg    PollConfig
	clock  clock.Clock
	logger *slog.Logger
}

// NewPoller creates a Poller. A nil clock uses wall time.
func NewPoller(bridge client.Bridge, cfg PollConfig, clk clock.Clock, logger *slog.Logger) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{bridge: bridge, cfg: cfg.withDefaults(), clock: clk, logger: logger}
}

// Poll waits one interval before every attempt. The overall timeout starts
// with the first wait, so a job that never finishes is reported as timed out
// after min(MaxAttempts*Interval, Timeout). A poll that errors counts as a
// failed attempt and polling continues.
func (p *Poller) Poll(ctx context.Context, getTool, jobID string) PollResult {
	res := PollResult{JobID: jobID}
	start := p.clock.Now()
	deadline := start.Add(p.cfg.Timeout)
	finish := func(o PollOutcome) PollResult {
		res.Outcome = o
		res.Elapsed = p.clock.Now().Sub(start)
		p.logger.Debug("poll finished", "job_id", jobID, "outcome", o, "attempts", res.Attempts, "elapsed", res.Elapsed.String())
		return res
	}

	for res.Attempts < p.cfg.MaxAttempts {
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return finish(PollTimedOut)
		}
		wait, truncated := p.cfg.Interval, false
		if wait > remaining {
			wait, truncated = remaining, true
		}
		select {
		case <-p.clock.After(wait):
		case <-ctx.Done():
			res.LastError = ctx.Err().Error()
			return finish(PollCancelled)
		}
		if truncated {
			return finish(PollTimedOut)
		}

		res.Attempts++
		snap, err := p.fetch(ctx, getTool, jobID)
		if err != nil {
			res.LastError = err.Error()
			p.logger.Debug("poll attempt failed", "job_id", jobID, "attempt", res.Attempts, "error", err)
			continue
		}
		res.Snapshot = &snap
		res.Observed = append(res.Observed, snap.Status)
		switch snap.Status {
		case jobs.StatusCompleted:
			return finish(PollCompleted)
		case jobs.StatusFailed:
			return finish(PollFailed)
		}
	}
	return finish(PollTimedOut)
}

func (p *Poller) fetch(ctx context.Context, getTool, jobID string) (jobs.Snapshot, error) {
	resp, err := p.bridge.Call(ctx, protocol.Envelope{
		Tool:   getTool,
		Params: map[string]any{"job_id": jobID},
	})
	if err != nil {
		return jobs.Snapshot{}, err
	}
	if !resp.Success {
		return jobs.Snapshot{}, fmt.Errorf("%s: %s", getTool, resp.Error)
	}
	var snap jobs.Snapshot
	if err := resp.DecodeData(&snap); err != nil {
		return jobs.Snapshot{}, err
	}
	if _, err := jobs.ParseStatus(string(snap.Status)); err != nil {
		return jobs.Snapshot{}, err
	}
	return snap, nil
}
