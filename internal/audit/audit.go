// Package audit keeps an append-only trail of dispatch decisions in
// logs/audit.jsonl and, when a store is attached, the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/hostbridge/internal/persistence"
	"github.com/basket/hostbridge/internal/shared"
)

// Decisions recorded for a dispatched command.
const (
	DecisionOK    = "ok"
	DecisionError = "error"
	DecisionDeny  = "deny"
)

// Sink persists audit rows. *persistence.Store implements it.
type Sink interface {
	InsertAudit(ctx context.Context, e persistence.AuditEntry) error
}

type line struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	Decision      string `json:"decision"`
	Tool          string `json:"tool"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

// Trail fans each decision out to a JSONL writer and an optional Sink. The
// zero value only counts.
type Trail struct {
	mu   sync.Mutex
	out  io.WriteCloser
	sink Sink
	now  func() time.Time

	denied atomic.Int64
	failed atomic.Int64
}

// Open appends to logs/audit.jsonl under homeDir. A second Open on the same
// Trail is a no-op.
func (t *Trail) Open(homeDir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	t.out = f
	return nil
}

// Attach routes rows to s. nil detaches.
func (t *Trail) Attach(s Sink) {
	t.mu.Lock()
	t.sink = s
	t.mu.Unlock()
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = nil
	if t.out == nil {
		return nil
	}
	err := t.out.Close()
	t.out = nil
	return err
}

// Counts returns deny and error totals since the process started.
func (t *Trail) Counts() (denied, failed int64) {
	return t.denied.Load(), t.failed.Load()
}

// Record appends one decision. Subject is transport[:requestId][@key] from
// ctx; reason is scrubbed of credentials.
func (t *Trail) Record(ctx context.Context, decision, tool, reason, policyVersion string) {
	switch decision {
	case DecisionDeny:
		t.denied.Add(1)
	case DecisionError:
		t.failed.Add(1)
	}

	e := persistence.AuditEntry{
		TraceID:       shared.TraceID(ctx),
		Subject:       subject(ctx),
		Action:        tool,
		Decision:      decision,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out != nil {
		now := time.Now
		if t.now != nil {
			now = t.now
		}
		b, err := json.Marshal(line{
			Timestamp:     now().UTC().Format(time.RFC3339Nano),
			TraceID:       e.TraceID,
			Decision:      e.Decision,
			Tool:          e.Action,
			Reason:        e.Reason,
			PolicyVersion: e.PolicyVersion,
			Subject:       e.Subject,
		})
		if err == nil {
			_, _ = t.out.Write(append(b, '\n'))
		}
	}
	if t.sink != nil {
		// Write the row even when the request was cancelled.
		_ = t.sink.InsertAudit(context.WithoutCancel(ctx), e)
	}
}

func subject(ctx context.Context) string {
	s := shared.Transport(ctx)
	if id := shared.RequestID(ctx); id != "" {
		s += ":" + id
	}
	if who := shared.Principal(ctx); who != "" {
		s += "@" + who
	}
	return s
}

var std Trail

// Init opens the process-wide trail.
func Init(homeDir string) error { return std.Open(homeDir) }

// SetStore attaches the process-wide trail to a database. nil detaches.
func SetStore(s Sink) { std.Attach(s) }

func Close() error { return std.Close() }

func Record(ctx context.Context, decision, tool, reason, policyVersion string) {
	std.Record(ctx, decision, tool, reason, policyVersion)
}

// DenyCount is the process-wide number of deny decisions.
func DenyCount() int64 {
	d, _ := std.Counts()
	return d
}

// ErrorCount is the process-wide number of failed dispatches.
func ErrorCount() int64 {
	_, f := std.Counts()
	return f
}
