// Package jobs tracks asynchronous operations started by commands so remote
// callers can poll their progress.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/hostbridge/internal/bus"
	"github.com/basket/hostbridge/internal/clock"
)

var (
	// ErrTerminal is returned for any mutation of a completed or failed job.
	ErrTerminal = errors.New("job is terminal")
	// ErrInvalidTransition is returned when a mutation does not fit the
	// current status, e.g. AddResult on a queued job.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Classification is the verdict of one unit of work.
type Classification string

const (
	Passed  Classification = "passed"
	Failed  Classification = "failed"
	Skipped Classification = "skipped"
)

// Outcome is one result record appended to a job.
type Outcome struct {
	Name       string         `json:"name"`
	Status     Classification `json:"status"`
	DurationMs int64          `json:"durationMs"`
	Message    string         `json:"message,omitempty"`
	Output     string         `json:"output,omitempty"`
}

// Snapshot is a consistent copy of a job's fields.
type Snapshot struct {
	JobID          string            `json:"jobId"`
	Mode           string            `json:"mode"`
	Status         Status            `json:"status"`
	QueuedAt       time.Time         `json:"queuedAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	FinishedAt     *time.Time        `json:"finishedAt,omitempty"`
	TotalCount     int               `json:"totalCount"`
	CompletedCount int               `json:"completedCount"`
	PassedCount    int               `json:"passedCount"`
	FailedCount    int               `json:"failedCount"`
	SkippedCount   int               `json:"skippedCount"`
	Results        []Outcome         `json:"results"`
	Error          string            `json:"error,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// Job is a single tracked operation. All mutation goes through its methods,
// which hold the job's own lock for the whole update.
type Job struct {
	reg *Registry

	mu         sync.Mutex
	id         string
	mode       string
	labels     map[string]string
	status     Status
	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time
	total      int
	completed  int
	passed     int
	failed     int
	skipped    int
	results    []Outcome
	errMsg     string
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// MarkStarted moves a queued job to running and records the expected number
// of results.
func (j *Job) MarkStarted(total int) error {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return fmt.Errorf("start %s: %w", j.id, ErrTerminal)
	}
	if j.status != StatusQueued {
		j.mu.Unlock()
		return fmt.Errorf("start %s from %s: %w", j.id, j.status, ErrInvalidTransition)
	}
	if total < 0 {
		total = 0
	}
	j.status = StatusRunning
	j.startedAt = j.reg.clock.Now()
	j.total = total
	ev := j.eventLocked("")
	j.mu.Unlock()

	j.reg.bus.Publish(bus.TopicJobStarted, ev)
	return nil
}

// AddResult appends an outcome and bumps the completed counter together with
// exactly one of the passed, failed or skipped counters.
func (j *Job) AddResult(o Outcome) error {
	switch o.Status {
	case Passed, Failed, Skipped:
	default:
		return fmt.Errorf("add result to %s: unknown classification %q", j.id, o.Status)
	}

	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return fmt.Errorf("add result to %s: %w", j.id, ErrTerminal)
	}
	if j.status != StatusRunning {
		j.mu.Unlock()
		return fmt.Errorf("add result to %s while %s: %w", j.id, j.status, ErrInvalidTransition)
	}
	j.results = append(j.results, o)
	j.completed++
	switch o.Status {
	case Passed:
		j.passed++
	case Failed:
		j.failed++
	case Skipped:
		j.skipped++
	}
	ev := j.eventLocked(o.Name + ":" + string(o.Status))
	j.mu.Unlock()

	j.reg.bus.Publish(bus.TopicJobResult, ev)
	return nil
}

// MarkCompleted finishes the job successfully.
func (j *Job) MarkCompleted() error {
	return j.finish(StatusCompleted, "")
}

// MarkFailed finishes the job with an error message.
func (j *Job) MarkFailed(msg string) error {
	if msg == "" {
		msg = "job failed"
	}
	return j.finish(StatusFailed, msg)
}

func (j *Job) finish(to Status, msg string) error {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return fmt.Errorf("finish %s: %w", j.id, ErrTerminal)
	}
	j.status = to
	j.finishedAt = j.reg.clock.Now()
	j.errMsg = msg
	ev := j.eventLocked(msg)
	j.mu.Unlock()

	topic := bus.TopicJobCompleted
	if to == StatusFailed {
		topic = bus.TopicJobFailed
	}
	j.reg.bus.Publish(topic, ev)
	return nil
}

// Snapshot returns a copy of every field taken under the job lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		JobID:          j.id,
		Mode:           j.mode,
		Status:         j.status,
		QueuedAt:       j.queuedAt,
		TotalCount:     j.total,
		CompletedCount: j.completed,
		PassedCount:    j.passed,
		FailedCount:    j.failed,
		SkippedCount:   j.skipped,
		Results:        append([]Outcome{}, j.results...),
		Error:          j.errMsg,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	if len(j.labels) > 0 {
		s.Labels = make(map[string]string, len(j.labels))
		for k, v := range j.labels {
			s.Labels[k] = v
		}
	}
	return s
}

func (j *Job) eventLocked(detail string) bus.JobEvent {
	return bus.JobEvent{
		JobID:     j.id,
		Mode:      j.mode,
		Status:    string(j.status),
		Completed: j.completed,
		Total:     j.total,
		Detail:    detail,
	}
}

// Registry owns every job for the lifetime of the process. Its lock guards
// only the index, so creating or listing jobs never waits on a job update.
type Registry struct {
	clock clock.Clock
	bus   *bus.Bus

	mu    sync.RWMutex
	jobs  map[string]*Job
	order []*Job
}

// NewRegistry creates an empty registry. A nil clock uses wall time; a nil
// bus disables event publishing.
func NewRegistry(clk clock.Clock, b *bus.Bus) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clock: clk,
		bus:   b,
		jobs:  make(map[string]*Job),
	}
}

// Create allocates a queued job with a fresh id.
func (r *Registry) Create(mode string, labels map[string]string) *Job {
	j := &Job{
		reg:      r,
		id:       uuid.NewString(),
		mode:     mode,
		status:   StatusQueued,
		queuedAt: r.clock.Now(),
	}
	if len(labels) > 0 {
		j.labels = make(map[string]string, len(labels))
		for k, v := range labels {
			j.labels[k] = v
		}
	}

	ev := j.eventLocked("")

	r.mu.Lock()
	r.jobs[j.id] = j
	r.order = append(r.order, j)
	r.mu.Unlock()

	r.bus.Publish(bus.TopicJobCreated, ev)
	return j
}

// Get looks up a job by id.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// List returns snapshots in creation order. An empty status matches all jobs.
func (r *Registry) List(status Status) []Snapshot {
	r.mu.RLock()
	all := append([]*Job(nil), r.order...)
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, j := range all {
		s := j.Snapshot()
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Counts returns the number of jobs in each status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	all := append([]*Job(nil), r.order...)
	r.mu.RUnlock()

	counts := map[Status]int{
		StatusQueued:    0,
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusFailed:    0,
	}
	for _, j := range all {
		counts[j.Status()]++
	}
	return counts
}

// Len returns the number of jobs ever created.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
