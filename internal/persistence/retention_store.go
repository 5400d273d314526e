package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs    int64 `json:"purged_audit_logs"`
	PurgedScheduleRuns int64 `json:"purged_schedule_runs"`
}

// RunRetention deletes audit rows and schedule fires older than days.
// days <= 0 keeps everything.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var res RetentionResult
	if days <= 0 {
		return res, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.DateTime)

	for _, p := range []struct {
		query string
		n     *int64
	}{
		{`DELETE FROM audit_log WHERE created_at < ?`, &res.PurgedAuditLogs},
		{`DELETE FROM schedule_runs WHERE fired_at < ?`, &res.PurgedScheduleRuns},
	} {
		err := defaultBusyRetry.do(ctx, func() error {
			r, err := s.db.ExecContext(ctx, p.query, cutoff)
			if err != nil {
				return err
			}
			*p.n, err = r.RowsAffected()
			return err
		})
		if err != nil {
			return res, fmt.Errorf("retention %q: %w", p.query, err)
		}
	}
	return res, nil
}
