package persistence

import (
	"context"
	"fmt"
	"time"
)

// ScheduleRun records one cron fire and the job it started.
type ScheduleRun struct {
	RunID        int64     `json:"run_id"`
	ScheduleName string    `json:"schedule_name"`
	Suite        string    `json:"suite"`
	JobID        string    `json:"job_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	FiredAt      time.Time `json:"fired_at"`
}

// RecordScheduleRun appends a fire record. jobID is empty when the dispatch failed.
func (s *Store) RecordScheduleRun(ctx context.Context, scheduleName, suite, jobID, errMsg string) error {
	return defaultBusyRetry.do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedule_runs (schedule_name, suite, job_id, error)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''));
		`, scheduleName, suite, jobID, errMsg)
		if err != nil {
			return fmt.Errorf("record schedule run: %w", err)
		}
		return nil
	})
}

// ListScheduleRuns returns the most recent fires, newest first. An empty name
// lists every schedule.
func (s *Store) ListScheduleRuns(ctx context.Context, scheduleName string, limit int) ([]ScheduleRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, schedule_name, suite, COALESCE(job_id, ''), COALESCE(error, ''), fired_at
		FROM schedule_runs
		WHERE (? = '' OR schedule_name = ?)
		ORDER BY run_id DESC
		LIMIT ?;
	`, scheduleName, scheduleName, limit)
	if err != nil {
		return nil, fmt.Errorf("query schedule_runs: %w", err)
	}
	defer rows.Close()

	var out []ScheduleRun
	for rows.Next() {
		var r ScheduleRun
		if err := rows.Scan(&r.RunID, &r.ScheduleName, &r.Suite, &r.JobID, &r.Error, &r.FiredAt); err != nil {
			return nil, fmt.Errorf("scan schedule run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule_runs rows: %w", err)
	}
	return out, nil
}
