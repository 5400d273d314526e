// Package dispatch routes command envelopes to registered handlers on the
// host loop and turns every outcome into a protocol.Response.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/hostbridge/internal/audit"
	"github.com/basket/hostbridge/internal/hostloop"
	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/policy"
	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/shared"
)

// Handler runs a command on the host goroutine. params is the validated
// params object as JSON.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Command is one entry of the routing table.
type Command struct {
	Name        string
	Description string
	// Schema is a JSON Schema for the params object. Empty means no params.
	Schema  string
	Handler Handler
	// Async marks commands that start a job and return its jobId.
	Async bool

	schema *jsonschema.Schema
}

// Typed adapts a handler taking a decoded params struct.
func Typed[P any](fn func(ctx context.Context, p P) (any, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		return fn(ctx, p)
	}
}

// Options configures a Dispatcher. Loop is required.
type Options struct {
	Loop    *hostloop.Loop
	Policy  policy.Checker
	Tracer  trace.Tracer
	Metrics *hbotel.Metrics
	Logger  *slog.Logger
}

// Dispatcher owns the routing table. Register every command before the first
// Dispatch; the table is read without locking afterwards.
type Dispatcher struct {
	loop    *hostloop.Loop
	policy  policy.Checker
	tracer  trace.Tracer
	metrics *hbotel.Metrics
	logger  *slog.Logger

	cmds map[string]*Command
}

type depthKey struct{}

// New creates a Dispatcher with batch_execute already registered.
func New(opts Options) *Dispatcher {
	if opts.Loop == nil {
		panic("dispatch: nil host loop")
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("hostbridge/dispatch")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		loop:    opts.Loop,
		policy:  opts.Policy,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		cmds:    make(map[string]*Command),
	}
	d.MustRegister(d.batchCommand())
	return d
}

// Register adds cmd to the routing table.
func (d *Dispatcher) Register(cmd Command) error {
	if cmd.Name == "" {
		return errors.New("dispatch: command name required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("dispatch: command %s has no handler", cmd.Name)
	}
	if _, dup := d.cmds[cmd.Name]; dup {
		return fmt.Errorf("dispatch: command %s already registered", cmd.Name)
	}
	schema, err := compileSchema(cmd.Name, cmd.Schema)
	if err != nil {
		return err
	}
	cmd.schema = schema
	d.cmds[cmd.Name] = &cmd
	return nil
}

// MustRegister is Register for built-in commands.
func (d *Dispatcher) MustRegister(cmds ...Command) {
	for _, c := range cmds {
		if err := d.Register(c); err != nil {
			panic(err)
		}
	}
}

// Names returns every registered command name, sorted.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.cmds))
	for n := range d.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the command registered under name.
func (d *Dispatcher) Lookup(name string) (Command, bool) {
	c, ok := d.cmds[name]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Dispatch runs one envelope at batch depth 0. It never panics and never
// returns a failure without an error message.
func (d *Dispatcher) Dispatch(ctx context.Context, env protocol.Envelope) protocol.Response {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	if env.RequestID != "" && shared.RequestID(ctx) == "" {
		ctx = shared.WithRequestID(ctx, env.RequestID)
	}
	resp := d.dispatch(ctx, env, 0)
	resp.RequestID = env.RequestID
	return resp
}

// BatchDepth returns the nesting level of the dispatch that owns ctx.
func BatchDepth(ctx context.Context) int {
	depth, _ := ctx.Value(depthKey{}).(int)
	return depth
}

func (d *Dispatcher) dispatch(ctx context.Context, env protocol.Envelope, depth int) (resp protocol.Response) {
	start := time.Now()
	tool := env.Tool
	ctx = context.WithValue(ctx, depthKey{}, depth)

	ctx, span := hbotel.StartSpan(ctx, d.tracer, "dispatch "+spanName(tool),
		hbotel.AttrToolName.String(tool),
		hbotel.AttrRequestID.String(shared.RequestID(ctx)),
		hbotel.AttrTransport.String(shared.Transport(ctx)),
		hbotel.AttrBatchDepth.Int(depth),
	)
	defer func() {
		if r := recover(); r != nil {
			resp = protocol.Failf("internal error: %v", r)
		}
		hbotel.EndSpan(span, resp.Success, resp.Error)
		d.metrics.RecordDispatch(ctx, tool, time.Since(start), resp.Success)
		d.finish(ctx, tool, depth, start, resp)
	}()

	if tool == "" {
		return protocol.Fail("Missing required field 'tool'.")
	}
	cmd, ok := d.cmds[tool]
	if !ok {
		return protocol.Failf("Unsupported tool '%s'.", tool)
	}
	if d.policy != nil && !d.policy.AllowTool(tool) {
		resp = protocol.Failf("Tool '%s' is disabled by policy.", tool)
		audit.Record(ctx, audit.DecisionDeny, tool, resp.Error, d.policy.PolicyVersion())
		return resp
	}

	raw, inst, err := normalizeParams(env.Params)
	if err != nil {
		return protocol.Failf("Invalid params for '%s': %v", tool, err)
	}
	if err := cmd.schema.Validate(inst); err != nil {
		return protocol.Failf("Invalid params for '%s': %s", tool, validationMessage(err))
	}

	enqueued := time.Now()
	val, err := d.loop.Invoke(ctx, func(hctx context.Context) (any, error) {
		if d.metrics != nil {
			d.metrics.QueueWait.Record(hctx, time.Since(enqueued).Seconds())
		}
		return cmd.Handler(hctx, raw)
	})
	if err != nil {
		if errors.Is(err, hostloop.ErrTimeout) {
			d.metrics.Count(ctx, func(m *hbotel.Metrics) metric.Int64Counter { return m.InvokeTimeouts }, hbotel.AttrToolName.String(tool))
		}
		return protocol.Fail(err.Error())
	}
	return protocol.OK(val)
}

func (d *Dispatcher) finish(ctx context.Context, tool string, depth int, start time.Time, resp protocol.Response) {
	version := ""
	if d.policy != nil {
		version = d.policy.PolicyVersion()
	}
	attrs := []any{
		"tool", tool,
		"depth", depth,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if resp.Success {
		audit.Record(ctx, audit.DecisionOK, tool, "", version)
		d.logger.DebugContext(ctx, "command dispatched", attrs...)
		return
	}
	// Policy denials were already recorded with their own decision.
	if !isPolicyDenial(resp.Error, tool) {
		audit.Record(ctx, audit.DecisionError, tool, resp.Error, version)
	}
	d.logger.WarnContext(ctx, "command failed", append(attrs, "error", resp.Error)...)
}

func isPolicyDenial(msg, tool string) bool {
	return msg == fmt.Sprintf("Tool '%s' is disabled by policy.", tool)
}

func spanName(tool string) string {
	if tool == "" {
		return "(missing)"
	}
	return tool
}
