package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/hostbridge/internal/client"
	"github.com/basket/hostbridge/internal/clock"
	"github.com/basket/hostbridge/internal/protocol"
)

// DefaultAsyncTools maps each job-starting command to the command that reads
// the job back.
var DefaultAsyncTools = map[string]string{"run_tests": "get_test_job"}

// NoJobIDMessage is the failure recorded when an async start returns no id.
const NoJobIDMessage = "async step returned no jobId"

// Options configures an Executor.
type Options struct {
	// AllowDestructive lets high-risk steps run.
	AllowDestructive bool
	// StopOnError halts the plan after the first step that did not succeed,
	// skipped steps included.
	StopOnError bool
	// BlockedTools are never sent, regardless of AllowDestructive.
	BlockedTools []string
	// AsyncTools overrides DefaultAsyncTools when non-nil.
	AsyncTools map[string]string
	Poll       PollConfig
	Clock      clock.Clock
	Logger     *slog.Logger
}

// StepStatus is the verdict for one step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the record of one executed or skipped step. Response is the
// bridge's reply when one arrived; Error also covers transport failures.
type StepResult struct {
	Step       `json:"step"`
	Status     StepStatus         `json:"status"`
	Skipped    bool               `json:"skipped"`
	Success    bool               `json:"success"`
	Reason     string             `json:"reason,omitempty"`
	Error      string             `json:"error,omitempty"`
	Response   *protocol.Response `json:"response,omitempty"`
	JobID      string             `json:"jobId,omitempty"`
	Poll       *PollResult        `json:"poll,omitempty"`
	DurationMs int64              `json:"durationMs"`
}

func (r *StepResult) settle(status StepStatus, msg string) {
	r.Status = status
	r.Skipped = status == StepSkipped
	r.Success = status == StepSucceeded
	if status == StepSkipped {
		r.Reason = msg
	} else {
		r.Error = msg
	}
}

// ExecutionReport is the outcome of one plan run.
type ExecutionReport struct {
	ExecutionID string       `json:"executionId"`
	Plan        string       `json:"plan"`
	Goal        string       `json:"goal"`
	Steps       []StepResult `json:"steps"`
	Halted      bool         `json:"halted"`
	Success     bool         `json:"success"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
}

// Counts tallies step verdicts.
func (r *ExecutionReport) Counts() (succeeded, failed, skipped int) {
	for _, s := range r.Steps {
		switch s.Status {
		case StepSucceeded:
			succeeded++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// Executor runs plans step by step against a bridge.
type Executor struct {
	bridge client.Bridge
	opts   Options
	async  map[string]string
	poller *Poller
	clock  clock.Clock
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(bridge client.Bridge, opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	async := opts.AsyncTools
	if async == nil {
		async = DefaultAsyncTools
	}
	return &Executor{
		bridge: bridge,
		opts:   opts,
		async:  async,
		poller: NewPoller(bridge, opts.Poll, opts.Clock, opts.Logger),
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

// runPolicy is Options merged with a plan's Constraints: either side can
// allow destructive steps, stop on error or block a tool.
type runPolicy struct {
	allowDestructive bool
	stopOnError      bool
	blocked          map[string]bool
}

func (e *Executor) policyFor(c Constraints) runPolicy {
	p := runPolicy{
		allowDestructive: e.opts.AllowDestructive || c.AllowDestructive,
		stopOnError:      e.opts.StopOnError || c.StopOnError,
		blocked:          make(map[string]bool),
	}
	for _, t := range append(append([]string(nil), e.opts.BlockedTools...), c.BlockedTools...) {
		p.blocked[normalizeTool(t)] = true
	}
	return p
}

// Execute runs every step in order. The only error is an invalid plan; step
// failures are recorded in the report.
func (e *Executor) Execute(ctx context.Context, plan AgentPlan) (*ExecutionReport, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	pol := e.policyFor(plan.Constraints)

	report := &ExecutionReport{
		ExecutionID: uuid.NewString(),
		Plan:        plan.Name,
		Goal:        plan.Goal,
		StartedAt:   e.clock.Now(),
	}
	logger := e.logger.With("execution_id", report.ExecutionID, "plan", plan.Name)
	logger.Info("plan started", "steps", len(plan.Steps))

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			report.Halted = true
			break
		}
		if step.ID == "" {
			step.ID = stepID(plan.Name, i)
		}
		res := e.runStep(ctx, report.ExecutionID, pol, step)
		report.Steps = append(report.Steps, res)
		logger.Info("plan step", "step_id", step.ID, "tool", step.Tool, "status", res.Status, "reason", res.Reason, "error", res.Error)

		if pol.stopOnError && !res.Success {
			report.Halted = i < len(plan.Steps)-1
			break
		}
	}

	report.FinishedAt = e.clock.Now()
	report.Success = planSucceeded(report.Steps)
	ok, failed, skipped := report.Counts()
	logger.Info("plan finished", "success", report.Success, "succeeded", ok, "failed", failed, "skipped", skipped, "halted", report.Halted)
	return report, nil
}

// planSucceeded requires at least one step that actually ran, and no failed
// step. Skipped steps count toward neither.
func planSucceeded(steps []StepResult) bool {
	ran := false
	for _, s := range steps {
		if s.Skipped {
			continue
		}
		if !s.Success {
			return false
		}
		ran = true
	}
	return ran
}

func (e *Executor) runStep(ctx context.Context, execID string, pol runPolicy, step Step) StepResult {
	res := StepResult{Step: step}
	if reason := pol.skipReason(step); reason != "" {
		res.settle(StepSkipped, reason)
		return res
	}

	start := e.clock.Now()
	defer func() { res.DurationMs = e.clock.Now().Sub(start).Milliseconds() }()

	resp, err := e.bridge.Call(ctx, envelopeFor(execID, step))
	if err != nil {
		res.settle(StepFailed, err.Error())
		return res
	}
	res.Response = &resp
	if !resp.Success {
		res.settle(StepFailed, resp.Error)
		return res
	}

	getTool, async := e.async[step.Tool]
	if !async {
		res.settle(StepSucceeded, "")
		return res
	}
	res.JobID = resp.JobID()
	if res.JobID == "" {
		res.settle(StepFailed, NoJobIDMessage)
		return res
	}

	poll := e.poller.Poll(ctx, getTool, res.JobID)
	res.Poll = &poll
	if poll.OK() {
		res.settle(StepSucceeded, "")
	} else {
		res.settle(StepFailed, poll.Message())
	}
	return res
}

func (p runPolicy) skipReason(step Step) string {
	if p.blocked[normalizeTool(step.Tool)] {
		return fmt.Sprintf("tool %s is blocked by client policy", step.Tool)
	}
	if step.Risk == RiskHigh && !p.allowDestructive {
		return fmt.Sprintf("high-risk step %s requires allow_destructive", step.Tool)
	}
	return ""
}

func envelopeFor(execID string, step Step) protocol.Envelope {
	return protocol.Envelope{
		RequestID: execID[:8] + "-" + step.ID,
		Tool:      step.Tool,
		Params:    step.Params,
	}
}

func normalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
