package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/jobs"
	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/policy"
	"github.com/basket/hostbridge/internal/shared"
)

// RunnerOptions configures a Runner. Executor defaults to HostExecutor.
type RunnerOptions struct {
	Executor Executor
	Policy   policy.Checker
	Metrics  *hbotel.Metrics
	Logger   *slog.Logger
}

// Runner executes test suites in the background and reports every test to a
// job. It never runs on the host loop.
type Runner struct {
	exec    Executor
	policy  policy.Checker
	metrics *hbotel.Metrics
	logger  *slog.Logger

	// base outlives any single dispatch; cancelling it aborts running suites.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner bound to ctx.
func NewRunner(ctx context.Context, opts RunnerOptions) *Runner {
	if opts.Executor == nil {
		opts.Executor = &HostExecutor{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(ctx)
	return &Runner{
		exec:    opts.Executor,
		policy:  opts.Policy,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		base:    base,
		cancel:  cancel,
	}
}

// RunRequest selects the tests of one run.
type RunRequest struct {
	Suite   config.SuiteConfig
	Filter  string
	Timeout time.Duration // per test; zero uses each test's own timeout
}

// Select returns the suite's tests whose name contains filter.
func Select(suite config.SuiteConfig, filter string) []config.TestCaseConfig {
	filter = strings.TrimSpace(filter)
	out := make([]config.TestCaseConfig, 0, len(suite.Tests))
	for _, tc := range suite.Tests {
		if filter == "" || strings.Contains(tc.Name, filter) {
			out = append(out, tc)
		}
	}
	return out
}

// Start begins running req against job on a new goroutine.
func (r *Runner) Start(job *jobs.Job, req RunRequest) {
	cases := Select(req.Suite, req.Filter)
	r.metrics.Count(r.base, func(m *hbotel.Metrics) metric.Int64Counter { return m.JobsStarted }, hbotel.AttrSuite.String(req.Suite.Name))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := shared.WithJobID(r.base, job.ID())
		r.run(ctx, job, req, cases)
		s := job.Snapshot()
		r.metrics.RecordJobFinished(ctx, s.Mode, string(s.Status))
		r.logger.Info("test run finished",
			"job_id", s.JobID,
			"suite", req.Suite.Name,
			"status", s.Status,
			"passed", s.PassedCount,
			"failed", s.FailedCount,
			"skipped", s.SkippedCount,
		)
	}()
}

func (r *Runner) run(ctx context.Context, job *jobs.Job, req RunRequest, cases []config.TestCaseConfig) {
	if err := job.MarkStarted(len(cases)); err != nil {
		r.logger.Error("start job", "job_id", job.ID(), "error", err)
		return
	}
	if req.Suite.Dir != "" && r.policy != nil && !r.policy.AllowPath(req.Suite.Dir) {
		_ = job.MarkFailed(fmt.Sprintf("suite directory %s is not allowed by policy", req.Suite.Dir))
		return
	}
	env := suiteEnv(req.Suite.Env)
	r.logger.Debug("test run started", "job_id", job.ID(), "suite", req.Suite.Name, "env", shared.RedactEnv(env))

	for _, tc := range cases {
		if err := ctx.Err(); err != nil {
			_ = job.MarkFailed("test run cancelled: " + err.Error())
			return
		}
		if tc.Skip {
			_ = job.AddResult(jobs.Outcome{Name: tc.Name, Status: jobs.Skipped, Message: "skipped by configuration"})
			continue
		}
		if err := checkCommand(tc.Command); err != nil {
			_ = job.MarkFailed(fmt.Sprintf("test %s: %v", tc.Name, err))
			return
		}

		timeout := testTimeout(tc, req.Timeout)
		tctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, err := r.exec.Exec(tctx, tc.Command, req.Suite.Dir, env)
		elapsed := time.Since(start)
		cancel()
		if r.metrics != nil {
			r.metrics.TestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(hbotel.AttrSuite.String(req.Suite.Name)))
		}

		outcome := jobs.Outcome{Name: tc.Name, DurationMs: elapsed.Milliseconds(), Output: cleanOutput(res)}
		switch {
		case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			outcome.Status = jobs.Failed
			outcome.Message = fmt.Sprintf("timed out after %s", timeout)
		case err != nil && ctx.Err() != nil:
			_ = job.MarkFailed("test run cancelled: " + ctx.Err().Error())
			return
		case err != nil:
			// The executor itself broke; later tests would fail the same way.
			_ = job.MarkFailed(fmt.Sprintf("test %s: executor error: %v", tc.Name, err))
			return
		case res.ExitCode == 0:
			outcome.Status = jobs.Passed
		default:
			outcome.Status = jobs.Failed
			outcome.Message = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		if err := job.AddResult(outcome); err != nil {
			r.logger.Warn("add result", "job_id", job.ID(), "error", err)
			return
		}
	}
	_ = job.MarkCompleted()
}

func testTimeout(tc config.TestCaseConfig, override time.Duration) time.Duration {
	timeout := defaultTestTimeout
	if tc.TimeoutSec > 0 {
		timeout = time.Duration(tc.TimeoutSec) * time.Second
	}
	if override > 0 {
		timeout = override
	}
	if timeout > maxTestTimeout {
		timeout = maxTestTimeout
	}
	return timeout
}

func suiteEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop cancels running suites and waits for them to record their failure.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}
