package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/persistence"
)

func runAuditCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("hostbridge audit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tool := fs.String("tool", "", "only rows for this command")
	decision := fs.String("decision", "", "only rows with this decision (ok, error, deny)")
	limit := fs.Int("limit", 50, "maximum rows")
	summary := fs.Bool("summary", false, "count rows per command and decision")
	schedules := fs.Bool("schedules", false, "list cron fires instead of audit rows")
	jsonOut := fs.Bool("json", false, "print raw JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: hostbridge audit [-tool t] [-decision d] [-limit n] [-summary] [-schedules] [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, persistence.DBFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 1
	}
	defer store.Close()

	pretty := !*jsonOut && prettyOutput(stdout)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch {
	case *summary:
		rows, err := store.SummarizeAudit(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if !pretty {
			return encodeOrFail(stdout, rows)
		}
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", r.Action, r.Decision, r.Count)
		}
	case *schedules:
		rows, err := store.ListScheduleRuns(ctx, "", *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if !pretty {
			return encodeOrFail(stdout, rows)
		}
		for _, r := range rows {
			outcome := r.JobID
			if r.Error != "" {
				outcome = "error: " + r.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.FiredAt.Format(time.RFC3339), r.ScheduleName, r.Suite, outcome)
		}
	default:
		rows, err := store.ListAudit(ctx, persistence.AuditFilter{Action: *tool, Decision: *decision, Limit: *limit})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if !pretty {
			return encodeOrFail(stdout, rows)
		}
		if len(rows) == 0 && !cfg.Audit.SQLite {
			fmt.Fprintln(os.Stderr, "audit.sqlite is off; dispatches are only in logs/audit.jsonl")
		}
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.Format(time.RFC3339), r.Subject, r.Action, r.Decision, r.Reason)
		}
	}
	return 0
}

func encodeOrFail(w io.Writer, v any) int {
	if err := writeJSON(w, v, false); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		return 1
	}
	return 0
}
