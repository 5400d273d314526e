// Package gateway exposes the dispatcher to agents over two listeners: an
// HTTP endpoint taking one JSON envelope per POST, and a TCP stream taking
// one JSON line per connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/hostbridge/internal/bus"
	"github.com/basket/hostbridge/internal/config"
	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/protocol"
)

// Dispatcher routes one decoded envelope. Implementations never return an
// error; every outcome is a Response.
type Dispatcher interface {
	Dispatch(ctx context.Context, env protocol.Envelope) protocol.Response
}

// Config wires a Server. HTTPAddr and StreamAddr accept port 0.
type Config struct {
	Dispatcher Dispatcher
	Bus        *bus.Bus
	HTTPAddr   string
	StreamAddr string
	HTTP       config.HTTPConfig
	Stream     config.StreamConfig
	Auth       config.AuthConfig
	RateLimit  config.RateLimitConfig
	Tracer     trace.Tracer
	Metrics    *hbotel.Metrics
	Logger     *slog.Logger
}

// Server owns both listeners.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	auth      *Authenticator
	rateLimit *RateLimiter
	inflight  chan struct{}
	stream    *streamTransport

	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	httpLn   net.Listener
	streamLn net.Listener
	wg       sync.WaitGroup
}

// New validates cfg and fills defaults. Nothing is bound until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("gateway: dispatcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("hostbridge")
	}
	if cfg.HTTP.MaxInflight <= 0 {
		cfg.HTTP.MaxInflight = 1
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if cfg.Stream.MaxConns <= 0 {
		cfg.Stream.MaxConns = 1
	}
	if cfg.Stream.MaxLineBytes <= 0 {
		cfg.Stream.MaxLineBytes = config.DefaultMaxBodyBytes
	}
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		auth:      NewAuthenticator(cfg.Auth),
		rateLimit: NewRateLimiter(cfg.RateLimit, cfg.Metrics, cfg.Logger),
		inflight:  make(chan struct{}, cfg.HTTP.MaxInflight),
	}
	s.stream = &streamTransport{
		dispatcher: cfg.Dispatcher,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		maxConns:   cfg.Stream.MaxConns,
		maxLine:    cfg.Stream.MaxLineBytes,
		limiter:    s.rateLimit,
	}
	return s, nil
}

// Start binds both listeners and begins serving. A bind failure on either
// listener is returned before anything is served.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("gateway: already started")
	}
	httpLn, err := listen(ctx, s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("bind http listener: %w", err)
	}
	streamLn, err := listen(ctx, s.cfg.StreamAddr)
	if err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("bind stream listener: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.httpLn, s.streamLn = httpLn, streamLn
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	if s.rateLimit.Enabled() {
		go s.rateLimit.pruneLoop(s.ctx, time.Minute, 10*time.Minute)
		s.logger.Info("rate limiting enabled", "limit", s.rateLimit.String())
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http listener stopped", "addr", httpLn.Addr().String(), "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.stream.serve(s.ctx, streamLn)
	}()

	s.logger.Info("listeners bound",
		"http", httpLn.Addr().String(),
		"stream", streamLn.Addr().String(),
		"http_max_inflight", s.cfg.HTTP.MaxInflight,
		"stream_max_conns", s.cfg.Stream.MaxConns,
		"events", s.eventsEnabled(),
	)
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// StreamAddr returns the bound stream address, or "" before Start.
func (s *Server) StreamAddr() string {
	if s.streamLn == nil {
		return ""
	}
	return s.streamLn.Addr().String()
}

// Shutdown stops accepting, lets in-flight requests finish, and waits for
// both loops until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	_ = s.streamLn.Close()
	err := s.httpSrv.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.stream.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.logger.Info("listeners stopped")
	return err
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

// IsAddrInUse reports whether err is a bind failure on an occupied port.
func IsAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
