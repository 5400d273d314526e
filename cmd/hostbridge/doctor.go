package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("hostbridge doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOut := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		// The checks below still run and say what is wrong.
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	}
	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOut {
		if err := writeJSON(stdout, diag, true); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(stdout, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, d doctor.Diagnosis) {
	fmt.Fprintf(w, "hostbridge %s doctor at %s on %s/%s (%s)\n\n",
		d.System.Version, d.Timestamp.Format(time.RFC3339), d.System.OS, d.System.Arch, d.System.Go)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCHECK\tRESULT")
	for _, r := range d.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(tw, "\t\t%s\n", r.Detail)
		}
	}
	_ = tw.Flush()
}
