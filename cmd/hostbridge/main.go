package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/hostbridge/internal/audit"
	"github.com/basket/hostbridge/internal/bus"
	"github.com/basket/hostbridge/internal/clock"
	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/cron"
	"github.com/basket/hostbridge/internal/dispatch"
	"github.com/basket/hostbridge/internal/gateway"
	"github.com/basket/hostbridge/internal/hostloop"
	"github.com/basket/hostbridge/internal/jobs"
	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/persistence"
	"github.com/basket/hostbridge/internal/policy"
	"github.com/basket/hostbridge/internal/telemetry"
	"github.com/basket/hostbridge/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = hbotel.Version

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

SERVER:
  %[1]s [serve] [-quiet]        Start the bridge (HTTP + stream listeners)

CLIENT:
  %[1]s call <tool> [json]      Send one command and print the response
  %[1]s run <goal>              Plan a goal and execute it, polling async jobs
  %[1]s plan <goal>             Print the plan for a goal without running it
  %[1]s status                  Query health_check and host_status

LOCAL:
  %[1]s audit [-summary]        Show the sqlite audit trail
  %[1]s doctor [-json]          Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HOSTBRIDGE_HOME         Data directory (default: ~/.hostbridge)
  HOSTBRIDGE_API_KEY      Bearer key accepted by the server and sent by the client
  HOSTBRIDGE_TRANSPORT    Client transport: http or stream

EXAMPLES:
  Start the bridge:       %[1]s serve
  Health check:           %[1]s call health_check
  Run a suite:            %[1]s run "run tests unit"
  Batch:                  %[1]s run "batch health_check,list_test_suites"
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "serve":
			fs := flag.NewFlagSet("hostbridge serve", flag.ContinueOnError)
			fs.SetOutput(os.Stderr)
			q := fs.Bool("quiet", *quiet, "write logs to the log file only")
			if err := fs.Parse(args[1:]); err != nil {
				os.Exit(2)
			}
			*quiet = *q
		case "call":
			os.Exit(runCallCommand(ctx, args[1:], os.Stdout))
		case "run":
			os.Exit(runRunCommand(ctx, args[1:], os.Stdout))
		case "plan":
			os.Exit(runPlanCommand(ctx, args[1:], os.Stdout))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "audit":
			os.Exit(runAuditCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	serve(ctx, *quiet)
}

// prettyOutput reports whether w is an interactive terminal.
func prettyOutput(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func serve(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteGenesis(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_GENESIS", err)
		}
		if cfg, err = config.Load(); err != nil {
			fatalStartup(nil, "E_CONFIG_LOAD", err)
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	provider, err := hbotel.Init(ctx, hbotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := hbotel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, persistence.DBFile))
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	if cfg.Audit.SQLite {
		audit.SetStore(store)
	}
	logger.Info("startup phase", "phase", "db_opened")

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	pol, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(pol, policyPath)
	if v := livePolicy.PolicyVersion(); v != "" {
		if err := store.RecordPolicyVersion(ctx, v, v, policyPath); err != nil {
			logger.Warn("record policy version", "error", err)
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchReloads(ctx, watcher, livePolicy, store, policyPath, logger)
	}

	// The host loop outlives the listeners so in-flight work can finish
	// during shutdown.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := hostloop.New(hostloop.Options{
		QueueSize:     cfg.HostLoop.QueueSize,
		FrameInterval: cfg.HostLoop.FrameInterval(),
		Timeout:       cfg.HostLoop.InvokeTimeout(),
		Logger:        logger,
	})
	go func() {
		if err := loop.Run(loopCtx); err != nil {
			logger.Error("host loop", "error", err)
		}
	}()

	var executor tools.Executor = &tools.HostExecutor{}
	if cfg.Sandbox.Enabled {
		sb, err := tools.NewDockerSandbox(cfg.Sandbox)
		if err != nil {
			fatalStartup(logger, "E_SANDBOX_INIT", err)
		}
		defer sb.Close()
		executor = sb
		logger.Info("startup phase", "phase", "sandbox_ready", "image", cfg.Sandbox.Image)
	}
	runner := tools.NewRunner(loopCtx, tools.RunnerOptions{
		Executor: executor,
		Policy:   livePolicy,
		Metrics:  metrics,
		Logger:   logger,
	})

	eventBus := bus.New()
	registry := jobs.NewRegistry(clock.Real(), eventBus)
	dispatcher := dispatch.New(dispatch.Options{
		Loop:    loop,
		Policy:  livePolicy,
		Tracer:  provider.Tracer,
		Metrics: metrics,
		Logger:  logger,
	})
	catalog := &tools.Catalog{
		Dispatcher: dispatcher,
		Loop:       loop,
		Jobs:       registry,
		Runner:     runner,
		Suites:     cfg.Suites,
		Transports: map[string]string{"http": cfg.HTTPAddr(), "stream": cfg.StreamAddr()},
		Version:    Version,
	}
	if err := catalog.Register(); err != nil {
		fatalStartup(logger, "E_CATALOG", err)
	}
	logger.Info("startup phase", "phase", "commands_registered", "tools", dispatcher.Names())

	gw, err := gateway.New(gateway.Config{
		Dispatcher: dispatcher,
		Bus:        eventBus,
		HTTPAddr:   cfg.HTTPAddr(),
		StreamAddr: cfg.StreamAddr(),
		HTTP:       cfg.HTTP,
		Stream:     cfg.Stream,
		Auth:       cfg.Auth,
		RateLimit:  cfg.RateLimit,
		Tracer:     provider.Tracer,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	if err := gw.Start(ctx); err != nil {
		if gateway.IsAddrInUse(err) {
			hint := portOccupantHint(cfg.HTTPAddr(), cfg.StreamAddr())
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listeners_bound", "http", gw.HTTPAddr(), "stream", gw.StreamAddr())

	if len(cfg.Schedules) > 0 {
		sched, err := cron.NewScheduler(cron.Config{
			Schedules:  cfg.Schedules,
			Dispatcher: dispatcher,
			Recorder:   store,
			Logger:     logger,
		})
		if err != nil {
			fatalStartup(logger, "E_CRON_INIT", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	go runRetention(ctx, store, cfg.Audit.RetentionDays, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-loop.Done():
		logger.Error("host loop stopped unexpectedly")
	}

	// Stop intake, then cancel test runs, then stop the host loop.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	eventBus.Close()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("listener drain incomplete", "error", err)
	}
	runner.Stop()
	stopLoop()
	select {
	case <-loop.Done():
	case <-shutdownCtx.Done():
		logger.Warn("host loop did not stop within drain timeout")
	}
	logger.Info("shutdown complete")
}

// watchReloads applies policy.yaml edits without a restart. An invalid file
// keeps the previous policy.
func watchReloads(ctx context.Context, w *config.Watcher, lp *policy.LivePolicy, store *persistence.Store, policyPath string, logger *slog.Logger) {
	for ev := range w.Events() {
		switch ev.Kind {
		case config.ChangePolicy:
			if err := policy.ReloadFromFile(lp, policyPath); err != nil {
				logger.Warn("policy reload rejected", "error", err)
				audit.Record(ctx, audit.DecisionError, "policy.reload", err.Error(), lp.PolicyVersion())
				continue
			}
			v := lp.PolicyVersion()
			if err := store.RecordPolicyVersion(ctx, v, v, policyPath); err != nil {
				logger.Warn("record policy version", "error", err)
			}
			logger.Info("policy reloaded", "policy_version", v)
		case config.ChangeConfig:
			logger.Info("config.yaml changed; restart to apply", "path", ev.Path)
		}
	}
}

func runRetention(ctx context.Context, store *persistence.Store, days int, logger *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := store.RunRetention(ctx, days)
			if err != nil {
				logger.Error("retention job failed", "error", err)
			} else if result.PurgedAuditLogs+result.PurgedScheduleRuns > 0 {
				logger.Info("retention job completed",
					"purged_audit_logs", result.PurgedAuditLogs,
					"purged_schedule_runs", result.PurgedScheduleRuns,
				)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode+": "+message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"hostbridge","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// portOccupantHint names the processes holding addrs, when lsof is available.
func portOccupantHint(addrs ...string) string {
	var found []string
	for _, addr := range addrs {
		port := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			port = addr[i+1:]
		}
		out, err := exec.Command("lsof", "-nP", "-iTCP:"+port, "-sTCP:LISTEN").Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				continue
			}
			return "Another process is using the port. Check with: lsof -iTCP:" + port + " -sTCP:LISTEN"
		}
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		if len(lines) < 2 {
			continue
		}
		if fields := strings.Fields(lines[1]); len(fields) >= 2 {
			found = append(found, fmt.Sprintf("%s held by %s (pid %s)", addr, fields[0], fields[1]))
		}
	}
	if len(found) == 0 {
		return "Another process is using the port. Stop it or change http.port / stream.port in config.yaml."
	}
	return strings.Join(found, "\n  ")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
