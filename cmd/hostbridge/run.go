package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/basket/hostbridge/internal/clock"
	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/coordinator"
)

func runRunCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("hostbridge run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cf := addClientFlags(fs)
	allowDestructive := fs.Bool("allow-destructive", false, "let high-risk steps run")
	stopOnError := fs.Bool("stop-on-error", false, "halt after the first failed or skipped step")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	goal := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(goal) == "" {
		fmt.Fprintln(os.Stderr, "usage: hostbridge run [flags] <goal>")
		return 2
	}

	cfg, bridge, err := cf.bridge()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	plan, err := planFor(cfg, goal)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	opts := executorOptions(cfg)
	opts.AllowDestructive = opts.AllowDestructive || *allowDestructive
	opts.StopOnError = opts.StopOnError || *stopOnError
	exec := coordinator.NewExecutor(bridge, opts)

	runCtx, cancel := cf.context(ctx)
	defer cancel()
	report, err := exec.Execute(runCtx, plan)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if cf.pretty(stdout) {
		printReport(stdout, report)
	} else if err := writeJSON(stdout, report, false); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		return 1
	}
	if !report.Success {
		return 1
	}
	return 0
}

func runPlanCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("hostbridge plan", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOut := fs.Bool("json", false, "print raw JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	goal := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(goal) == "" {
		fmt.Fprintln(os.Stderr, "usage: hostbridge plan [-json] <goal>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	plan, err := planFor(cfg, goal)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *jsonOut || !prettyOutput(stdout) {
		if err := writeJSON(stdout, plan, false); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "plan %s (%d steps)\n", plan.Name, len(plan.Steps))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, s := range plan.Steps {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", s.ID, s.Tool, s.Risk, s.Description)
	}
	tw.Flush()
	return 0
}

func planFor(cfg config.Config, goal string) (coordinator.AgentPlan, error) {
	planner, err := coordinator.NewPlanner(cfg.Plans)
	if err != nil {
		return coordinator.AgentPlan{}, fmt.Errorf("plans: %w", err)
	}
	return planner.Plan(goal)
}

// executorOptions maps the client section of config.yaml onto the executor.
func executorOptions(cfg config.Config) coordinator.Options {
	return coordinator.Options{
		AllowDestructive: cfg.Client.AllowDestructive,
		StopOnError:      cfg.Client.StopOnError,
		BlockedTools:     cfg.Client.BlockedTools,
		Poll: coordinator.PollConfig{
			Interval:    cfg.PollInterval(),
			Timeout:     cfg.PollTimeout(),
			MaxAttempts: cfg.Client.MaxAttempts,
		},
		Clock:  clock.Real(),
		Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}

func printReport(w io.Writer, r *coordinator.ExecutionReport) {
	verdict := "succeeded"
	if !r.Success {
		verdict = "failed"
	}
	ok, failed, skipped := r.Counts()
	fmt.Fprintf(w, "plan %s %s: %d ok, %d failed, %d skipped", r.Plan, verdict, ok, failed, skipped)
	if r.Halted {
		fmt.Fprint(w, " (halted)")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range r.Steps {
		detail := s.Error
		if detail == "" {
			detail = s.Reason
		}
		if s.Poll != nil && detail == "" {
			detail = fmt.Sprintf("job %s %s after %d polls", s.JobID, s.Poll.Outcome, s.Poll.Attempts)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%dms\t%s\n", s.ID, s.Tool, s.Status, s.DurationMs, detail)
	}
	tw.Flush()
}
