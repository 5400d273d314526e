package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AuditEntry represents a row from the audit_log table.
type AuditEntry struct {
	AuditID       int64     `json:"audit_id"`
	TraceID       string    `json:"trace_id"`
	Subject       string    `json:"subject"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// InsertAudit appends one row. AuditID and CreatedAt are assigned by the
// database.
func (s *Store) InsertAudit(ctx context.Context, e AuditEntry) error {
	return defaultBusyRetry.do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion)
		if err != nil {
			return fmt.Errorf("insert audit row: %w", err)
		}
		return nil
	})
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	Action   string
	Decision string
	Limit    int
}

// ListAudit returns the most recent audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	var where []string
	var args []any
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}
	q := `
		SELECT audit_id, COALESCE(trace_id, ''), COALESCE(subject, ''),
			action, decision, COALESCE(reason, ''), COALESCE(policy_version, ''), created_at
		FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY audit_id DESC LIMIT ?;"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var ae AuditEntry
		if err := rows.Scan(&ae.AuditID, &ae.TraceID, &ae.Subject,
			&ae.Action, &ae.Decision, &ae.Reason, &ae.PolicyVersion, &ae.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, ae)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}

// AuditSummary counts rows per (action, decision).
type AuditSummary struct {
	Action   string `json:"action"`
	Decision string `json:"decision"`
	Count    int64  `json:"count"`
}

// SummarizeAudit groups the whole trail by action and decision.
func (s *Store) SummarizeAudit(ctx context.Context) ([]AuditSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, decision, COUNT(1)
		FROM audit_log
		GROUP BY action, decision
		ORDER BY action ASC, decision ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("summarize audit_log: %w", err)
	}
	defer rows.Close()

	var out []AuditSummary
	for rows.Next() {
		var row AuditSummary
		if err := rows.Scan(&row.Action, &row.Decision, &row.Count); err != nil {
			return nil, fmt.Errorf("scan audit summary: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
