// Command backup_restore_drill fills a scratch database through the audit
// trail and cron history, backs it up, restores the copy and reports timings.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/hostbridge/internal/audit"
	"github.com/basket/hostbridge/internal/persistence"
)

type report struct {
	Backup       time.Duration
	Restore      time.Duration
	AuditRows    int64
	FailedRows   int64
	ScheduleRuns int
}

func main() {
	decisions := flag.Int("decisions", 40, "audit rows to write before the backup")
	fires := flag.Int("fires", 5, "schedule fires to write before the backup")
	flag.Parse()

	dir, err := os.MkdirTemp("", "hostbridge-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	r, err := drill(context.Background(), dir, *decisions, *fires)
	if err != nil {
		fmt.Printf("drill_error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Printf("rpo_duration=%s\n", r.Backup)
	fmt.Printf("rto_duration=%s\n", r.Restore)
	fmt.Printf("restored_audit_rows=%d (errors %d)\n", r.AuditRows, r.FailedRows)
	fmt.Printf("restored_schedule_runs=%d\n", r.ScheduleRuns)

	if r.AuditRows != int64(*decisions) || r.ScheduleRuns != *fires {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

// drill seeds dir/hostbridge.db, backs it up to dir/backup.db and reads the
// counts back from the restored copy.
func drill(ctx context.Context, dir string, decisions, fires int) (report, error) {
	var r report
	store, err := persistence.Open(filepath.Join(dir, persistence.DBFile))
	if err != nil {
		return r, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var trail audit.Trail
	trail.Attach(store)
	for i := range decisions {
		decision := audit.DecisionOK
		if i%4 == 0 {
			decision = audit.DecisionError
		}
		trail.Record(ctx, decision, "run_tests", fmt.Sprintf("drill-%d", i), "drill")
	}
	trail.Attach(nil)
	for i := range fires {
		if err := store.RecordScheduleRun(ctx, "nightly", "unit", fmt.Sprintf("job-%d", i), ""); err != nil {
			return r, fmt.Errorf("record schedule run: %w", err)
		}
	}

	backupPath := filepath.Join(dir, "backup.db")
	start := time.Now()
	if err := store.Backup(ctx, backupPath); err != nil {
		return r, err
	}
	r.Backup = time.Since(start)

	start = time.Now()
	restored, err := persistence.Open(backupPath)
	if err != nil {
		return r, fmt.Errorf("open restored copy: %w", err)
	}
	defer restored.Close()
	r.Restore = time.Since(start)

	summary, err := restored.SummarizeAudit(ctx)
	if err != nil {
		return r, err
	}
	for _, row := range summary {
		r.AuditRows += row.Count
		if row.Decision == audit.DecisionError {
			r.FailedRows += row.Count
		}
	}
	runs, err := restored.ListScheduleRuns(ctx, "nightly", fires+1)
	if err != nil {
		return r, err
	}
	r.ScheduleRuns = len(runs)
	return r, nil
}
