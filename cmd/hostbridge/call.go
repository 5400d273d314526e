package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/hostbridge/internal/client"
	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/protocol"
)

// clientFlags are shared by every command that talks to a running bridge.
type clientFlags struct {
	transport *string
	apiKey    *string
	timeout   *time.Duration
	jsonOut   *bool
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		transport: fs.String("transport", "", "http or stream (default from config)"),
		apiKey:    fs.String("api-key", "", "bearer key for the http transport"),
		timeout:   fs.Duration("timeout", 0, "overall deadline (0 = none)"),
		jsonOut:   fs.Bool("json", false, "print raw JSON even on a terminal"),
	}
}

// bridge loads config, applies the flag overrides and builds the client.
func (f clientFlags) bridge() (config.Config, client.Bridge, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, fmt.Errorf("config load: %w", err)
	}
	if t := strings.ToLower(strings.TrimSpace(*f.transport)); t != "" {
		cfg.Client.Transport = t
	}
	b, err := client.New(cfg, f.key(cfg))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, b, nil
}

// key picks the flag, then HOSTBRIDGE_API_KEY, then the first configured key.
func (f clientFlags) key(cfg config.Config) string {
	if *f.apiKey != "" {
		return *f.apiKey
	}
	if k := os.Getenv("HOSTBRIDGE_API_KEY"); k != "" {
		return k
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) > 0 {
		return cfg.Auth.Keys[0].Key
	}
	return ""
}

func (f clientFlags) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if *f.timeout > 0 {
		return context.WithTimeout(ctx, *f.timeout)
	}
	return context.WithCancel(ctx)
}

func (f clientFlags) pretty(w io.Writer) bool {
	return !*f.jsonOut && prettyOutput(w)
}

func runCallCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("hostbridge call", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cf := addClientFlags(fs)
	requestID := fs.String("id", "", "request id (default: random)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fmt.Fprintln(os.Stderr, "usage: hostbridge call [flags] <tool> [params-json]")
		return 2
	}

	env := protocol.Envelope{RequestID: *requestID, Tool: rest[0]}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	if len(rest) == 2 {
		if err := json.Unmarshal([]byte(rest[1]), &env.Params); err != nil {
			fmt.Fprintf(os.Stderr, "params must be a JSON object: %v\n", err)
			return 2
		}
	}

	_, bridge, err := cf.bridge()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	callCtx, cancel := cf.context(ctx)
	defer cancel()

	resp, err := bridge.Call(callCtx, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "call %s: %v\n", env.Tool, err)
		return 1
	}
	if err := writeJSON(stdout, resp, cf.pretty(stdout)); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		return 1
	}
	if !resp.Success {
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
