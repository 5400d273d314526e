package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/tools"
)

type statusReport struct {
	Health *tools.HealthResult `json:"health,omitempty"`
	Host   *tools.StatusResult `json:"host,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("hostbridge status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: hostbridge status [flags]")
		return 2
	}
	if *cf.timeout == 0 {
		*cf.timeout = 3 * time.Second
	}

	_, bridge, err := cf.bridge()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	reqCtx, cancel := cf.context(ctx)
	defer cancel()

	var report statusReport
	var health tools.HealthResult
	var host tools.StatusResult
	for _, q := range []struct {
		tool string
		into any
	}{
		{tools.HealthCheck, &health},
		{tools.HostStatus, &host},
	} {
		resp, err := bridge.Call(reqCtx, protocol.Envelope{RequestID: "status", Tool: q.tool})
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		if !resp.Success {
			report.Error = q.tool + ": " + resp.Error
			break
		}
		if err := resp.DecodeData(q.into); err != nil {
			fmt.Fprintf(os.Stderr, "status: decode %s: %v\n", q.tool, err)
			return 1
		}
	}
	if report.Error == "" {
		report.Health, report.Host = &health, &host
	}

	if cf.pretty(stdout) && report.Error == "" {
		fmt.Fprintf(stdout, "hostbridge %s %s, up %s\n", health.Version, health.Status, (time.Duration(health.UptimeMs) * time.Millisecond).String())
		for name, addr := range health.Transports {
			fmt.Fprintf(stdout, "  %-7s %s\n", name, addr)
		}
		fmt.Fprintf(stdout, "  queue   %d/%d, %d executed, %d frames\n", host.QueueDepth, host.QueueCapacity, host.Executed, host.Frames)
		fmt.Fprintf(stdout, "  jobs    %v\n", host.Jobs)
	} else if err := writeJSON(stdout, report, cf.pretty(stdout)); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		return 1
	}
	if report.Error != "" {
		return 1
	}
	return 0
}
