// Package tools holds the built-in command catalog and the test runner that
// backs the asynchronous run_tests command.
package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/basket/hostbridge/internal/audit"
	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/dispatch"
	"github.com/basket/hostbridge/internal/hostloop"
	"github.com/basket/hostbridge/internal/jobs"
	"github.com/basket/hostbridge/internal/shared"
)

// Command names of the built-in catalog.
const (
	HealthCheck    = "health_check"
	HostStatus     = "host_status"
	RunTests       = "run_tests"
	GetTestJob     = "get_test_job"
	ListTestJobs   = "list_test_jobs"
	ListTestSuites = "list_test_suites"
)

// Catalog wires the built-in commands to their collaborators.
type Catalog struct {
	Dispatcher *dispatch.Dispatcher
	Loop       *hostloop.Loop
	Jobs       *jobs.Registry
	Runner     *Runner
	Suites     []config.SuiteConfig
	// Transports reports listener addresses in health_check.
	Transports map[string]string
	Version    string
	StartedAt  time.Time
}

// Register adds every built-in command to c.Dispatcher.
func (c *Catalog) Register() error {
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	cmds := []dispatch.Command{
		{
			Name:        HealthCheck,
			Description: "Report bridge liveness, version and the supported command names.",
			Handler:     dispatch.Typed(c.healthCheck),
		},
		{
			Name:        HostStatus,
			Description: "Report host loop counters and job totals.",
			Handler:     dispatch.Typed(c.hostStatus),
		},
		{
			Name:        RunTests,
			Description: "Start a configured test suite in the background and return its jobId.",
			Schema:      runTestsSchema,
			Handler:     dispatch.Typed(c.runTests),
			Async:       true,
		},
		{
			Name:        GetTestJob,
			Description: "Return a point-in-time snapshot of a test job.",
			Schema:      getTestJobSchema,
			Handler:     dispatch.Typed(c.getTestJob),
		},
		{
			Name:        ListTestJobs,
			Description: "List test jobs in creation order, optionally filtered by status.",
			Schema:      listTestJobsSchema,
			Handler:     dispatch.Typed(c.listTestJobs),
		},
		{
			Name:        ListTestSuites,
			Description: "List the configured test suites and their tests.",
			Handler:     dispatch.Typed(c.listTestSuites),
		},
	}
	for _, cmd := range cmds {
		if err := c.Dispatcher.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

type noParams struct{}

// HealthResult is the data of health_check.
type HealthResult struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	UptimeMs   int64             `json:"uptime_ms"`
	Tools      []string          `json:"tools"`
	Transports map[string]string `json:"transports,omitempty"`
}

func (c *Catalog) healthCheck(ctx context.Context, _ noParams) (any, error) {
	return HealthResult{
		Status:     "ok",
		Version:    c.Version,
		UptimeMs:   time.Since(c.StartedAt).Milliseconds(),
		Tools:      c.Dispatcher.Names(),
		Transports: c.Transports,
	}, nil
}

// StatusResult is the data of host_status.
type StatusResult struct {
	hostloop.Stats
	UptimeMs    int64          `json:"uptime_ms"`
	Jobs        map[string]int `json:"jobs"`
	AuditDenied int64          `json:"audit_denied"`
	AuditErrors int64          `json:"audit_errors"`
}

func (c *Catalog) hostStatus(ctx context.Context, _ noParams) (any, error) {
	counts := c.Jobs.Counts()
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	return StatusResult{
		Stats:       c.Loop.Stats(),
		UptimeMs:    time.Since(c.StartedAt).Milliseconds(),
		Jobs:        byName,
		AuditDenied: audit.DenyCount(),
		AuditErrors: audit.ErrorCount(),
	}, nil
}

const runTestsSchema = `{
	"type": "object",
	"properties": {
		"suite": {"type": "string", "minLength": 1},
		"filter": {"type": "string"},
		"timeout_sec": {"type": "integer", "minimum": 1, "maximum": 3600}
	},
	"required": ["suite"],
	"additionalProperties": false
}`

type runTestsParams struct {
	Suite      string `json:"suite"`
	Filter     string `json:"filter"`
	TimeoutSec int    `json:"timeout_sec"`
}

// RunTestsResult is the immediate data of run_tests.
type RunTestsResult struct {
	JobID  string      `json:"jobId"`
	Status jobs.Status `json:"status"`
	Suite  string      `json:"suite"`
	Total  int         `json:"totalCount"`
}

func (c *Catalog) runTests(ctx context.Context, p runTestsParams) (any, error) {
	suite, ok := c.suite(p.Suite)
	if !ok {
		return nil, fmt.Errorf("Unknown test suite '%s'.", p.Suite)
	}
	selected := Select(suite, p.Filter)
	if len(selected) == 0 {
		return nil, fmt.Errorf("No tests in suite '%s' match filter '%s'.", p.Suite, p.Filter)
	}

	labels := map[string]string{"suite": suite.Name, "transport": shared.Transport(ctx)}
	if p.Filter != "" {
		labels["filter"] = p.Filter
	}
	job := c.Jobs.Create("tests", labels)
	c.Runner.Start(job, RunRequest{
		Suite:   suite,
		Filter:  p.Filter,
		Timeout: time.Duration(p.TimeoutSec) * time.Second,
	})
	return RunTestsResult{
		JobID:  job.ID(),
		Status: jobs.StatusQueued,
		Suite:  suite.Name,
		Total:  len(selected),
	}, nil
}

func (c *Catalog) suite(name string) (config.SuiteConfig, bool) {
	for _, s := range c.Suites {
		if s.Name == name {
			return s, true
		}
	}
	return config.SuiteConfig{}, false
}

const getTestJobSchema = `{
	"type": "object",
	"properties": {
		"job_id": {"type": "string", "minLength": 1}
	},
	"required": ["job_id"],
	"additionalProperties": false
}`

type getTestJobParams struct {
	JobID string `json:"job_id"`
}

func (c *Catalog) getTestJob(ctx context.Context, p getTestJobParams) (any, error) {
	job, ok := c.Jobs.Get(p.JobID)
	if !ok {
		return nil, fmt.Errorf("Unknown job '%s'.", p.JobID)
	}
	return job.Snapshot(), nil
}

const listTestJobsSchema = `{
	"type": "object",
	"properties": {
		"status": {"enum": ["queued", "running", "completed", "failed"]}
	},
	"additionalProperties": false
}`

type listTestJobsParams struct {
	Status string `json:"status"`
}

// JobSummary is a snapshot without per-test results.
type JobSummary struct {
	JobID          string            `json:"jobId"`
	Mode           string            `json:"mode"`
	Status         jobs.Status       `json:"status"`
	QueuedAt       time.Time         `json:"queuedAt"`
	FinishedAt     *time.Time        `json:"finishedAt,omitempty"`
	TotalCount     int               `json:"totalCount"`
	CompletedCount int               `json:"completedCount"`
	PassedCount    int               `json:"passedCount"`
	FailedCount    int               `json:"failedCount"`
	SkippedCount   int               `json:"skippedCount"`
	Error          string            `json:"error,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

func summarize(s jobs.Snapshot) JobSummary {
	return JobSummary{
		JobID:          s.JobID,
		Mode:           s.Mode,
		Status:         s.Status,
		QueuedAt:       s.QueuedAt,
		FinishedAt:     s.FinishedAt,
		TotalCount:     s.TotalCount,
		CompletedCount: s.CompletedCount,
		PassedCount:    s.PassedCount,
		FailedCount:    s.FailedCount,
		SkippedCount:   s.SkippedCount,
		Error:          s.Error,
		Labels:         s.Labels,
	}
}

func (c *Catalog) listTestJobs(ctx context.Context, p listTestJobsParams) (any, error) {
	snaps := c.Jobs.List(jobs.Status(p.Status))
	out := make([]JobSummary, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, summarize(s))
	}
	return map[string]any{"jobs": out}, nil
}

// SuiteInfo describes one configured suite.
type SuiteInfo struct {
	Name  string   `json:"name"`
	Dir   string   `json:"dir,omitempty"`
	Tests []string `json:"tests"`
}

func (c *Catalog) listTestSuites(ctx context.Context, _ noParams) (any, error) {
	out := make([]SuiteInfo, 0, len(c.Suites))
	for _, s := range c.Suites {
		info := SuiteInfo{Name: s.Name, Dir: s.Dir, Tests: make([]string, 0, len(s.Tests))}
		for _, tc := range s.Tests {
			info.Tests = append(info.Tests, tc.Name)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return map[string]any{"suites": out}, nil
}
