package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/shared"
)

const (
	// EmptyRequestMessage answers a blank line.
	EmptyRequestMessage = "Empty request."

	streamReadTimeout  = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
	acceptBackoff      = 50 * time.Millisecond
)

var errLineTooLong = errors.New("request line too long")

// streamTransport serves one envelope per TCP connection: one line in, one
// line out, then close.
type streamTransport struct {
	dispatcher Dispatcher
	tracer     trace.Tracer
	metrics    *hbotel.Metrics
	logger     *slog.Logger
	maxConns   int
	maxLine    int
	limiter    *RateLimiter

	wg sync.WaitGroup
}

// serve accepts until ln is closed or ctx ends. A slot is taken before each
// Accept, so with maxConns 1 the next connection is not accepted until the
// current one has been answered.
func (t *streamTransport) serve(ctx context.Context, ln net.Listener) {
	slots := make(chan struct{}, t.maxConns)
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			<-slots
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.logger.Warn("stream accept failed", "addr", ln.Addr().String(), "error", err)
			select {
			case <-time.After(acceptBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer func() { <-slots }()
			t.handle(ctx, conn)
		}()
	}
}

func (t *streamTransport) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	ctx = shared.WithTransport(ctx, "stream")
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if t.metrics != nil {
		attrs := metric.WithAttributes(hbotel.AttrTransport.String("stream"))
		t.metrics.ActiveConnections.Add(ctx, 1, attrs)
		defer t.metrics.ActiveConnections.Add(ctx, -1, attrs)
	}

	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	line, err := readLine(bufio.NewReader(conn), t.maxLine)
	var resp protocol.Response
	switch {
	case errors.Is(err, errLineTooLong):
		resp = protocol.Failf("Request line exceeds %d bytes.", t.maxLine)
	case err != nil:
		t.logger.Warn("stream read failed", "remote", remote, "error", err)
		return
	case len(bytes.TrimSpace(line)) == 0:
		resp = protocol.Fail(EmptyRequestMessage)
	case !t.allow(ctx, remote):
		resp = protocol.Fail(RateLimitedMessage)
	default:
		resp = t.dispatch(ctx, line, remote)
	}

	out := append(protocol.EncodeResponse(resp), '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if _, err := conn.Write(out); err != nil {
		t.logger.Warn("stream write failed", "remote", remote, "error", err)
	}
}

func (t *streamTransport) allow(ctx context.Context, remote string) bool {
	if t.limiter == nil {
		return true
	}
	ok, _ := t.limiter.Allow(ctx, remoteHost(remote))
	return ok
}

func (t *streamTransport) dispatch(ctx context.Context, line []byte, remote string) protocol.Response {
	env, decErr := protocol.DecodeEnvelope(line)
	if decErr != nil {
		t.logger.Debug("stream envelope not decodable", "remote", remote, "error", decErr)
	}
	ctx, span := hbotel.StartServerSpan(ctx, t.tracer, "stream command",
		hbotel.AttrTransport.String("stream"),
		hbotel.AttrToolName.String(env.Tool),
	)
	resp := t.dispatcher.Dispatch(ctx, env)
	hbotel.EndSpan(span, resp.Success, resp.Error)
	return resp
}

// readLine returns one line without its "\n" or "\r\n" terminator. A final
// line closed by EOF instead of a newline is still returned.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(bytes.TrimRight(buf, "\r\n")) > max {
			return nil, errLineTooLong
		}
		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return bytes.TrimRight(buf, "\r\n"), nil
		default:
			return nil, err
		}
	}
}
