// Package telemetry builds the process logger: JSON lines in
// $HOSTBRIDGE_HOME/logs/system.jsonl plus an optional console copy, with
// secrets scrubbed and request correlation ids taken from the context.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/hostbridge/internal/shared"
)

const redacted = "[REDACTED]"

// Options configures NewLoggerWithOptions.
type Options struct {
	HomeDir string
	Level   string
	// Console receives a copy of every record; nil disables it. Terminals
	// get text, anything else JSON.
	Console io.Writer
}

// NewLogger logs to the home directory and, unless quiet, to stdout.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	opts := Options{HomeDir: homeDir, Level: level}
	if !quiet {
		opts.Console = os.Stdout
	}
	return NewLoggerWithOptions(opts)
}

func NewLoggerWithOptions(opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level), ReplaceAttr: scrubAttr}
	handlers := []slog.Handler{slog.NewJSONHandler(file, ho)}
	if opts.Console != nil {
		if isTerminal(opts.Console) {
			handlers = append(handlers, slog.NewTextHandler(opts.Console, ho))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(opts.Console, ho))
		}
	}
	h := &contextHandler{next: fanout(handlers)}
	return slog.New(h).With("component", "hostbridge"), file, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// scrubAttr renames the time key and blanks secrets in keys or values.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case secretKey(a.Key):
		return slog.String(a.Key, redacted)
	case a.Value.Kind() == slog.KindString:
		if v := a.Value.String(); v != "" {
			if clean := shared.Redact(v); clean != v {
				return slog.String(a.Key, clean)
			}
		}
	}
	return a
}

var secretKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

func secretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config log_level to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}

// contextHandler adds the correlation ids carried on the context to records
// logged with the *Context methods.
type contextHandler struct {
	next slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if id := shared.TraceID(ctx); id != "-" {
			r.AddAttrs(slog.String("trace_id", id))
			r.AddAttrs(slog.String("transport", shared.Transport(ctx)))
		}
		if id := shared.RequestID(ctx); id != "" {
			r.AddAttrs(slog.String("request_id", id))
		}
		if id := shared.JobID(ctx); id != "" {
			r.AddAttrs(slog.String("job_id", id))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name)}
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
