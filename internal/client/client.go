// Package client speaks the two bridge wire protocols from the agent side.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/hostbridge/internal/config"
	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/protocol"
)

const (
	maxResponseBytes = 16 << 20
	defaultTimeout   = 60 * time.Second
)

// Bridge sends one envelope and returns the decoded Response. An error means
// no Response was obtained; a failed command is a Response with Success false.
type Bridge interface {
	Call(ctx context.Context, env protocol.Envelope) (protocol.Response, error)
}

// New builds the bridge selected by cfg.Client.Transport.
func New(cfg config.Config, apiKey string) (Bridge, error) {
	switch cfg.Client.Transport {
	case "", "http":
		return NewHTTPBridge(cfg.HTTPAddr(), apiKey), nil
	case "stream":
		return NewStreamBridge(cfg.StreamAddr()), nil
	default:
		return nil, fmt.Errorf("unknown client transport %q", cfg.Client.Transport)
	}
}

// HTTPBridge posts envelopes to the /command endpoint.
type HTTPBridge struct {
	URL    string
	APIKey string
	Client *http.Client
	Tracer trace.Tracer
}

// NewHTTPBridge targets http://addr/command.
func NewHTTPBridge(addr, apiKey string) *HTTPBridge {
	return &HTTPBridge{
		URL:    "http://" + addr + "/command",
		APIKey: apiKey,
		Client: &http.Client{Timeout: defaultTimeout},
	}
}

func (b *HTTPBridge) Call(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	ctx, span := hbotel.StartClientSpan(ctx, tracerOrNoop(b.Tracer), "POST /command",
		hbotel.AttrToolName.String(env.Tool),
		hbotel.AttrTransport.String("http"),
	)
	resp, err := b.call(ctx, env)
	endSpan(span, resp, err)
	return resp, err
}

func (b *HTTPBridge) call(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	hbotel.InjectHeader(ctx, req.Header)

	httpClient := b.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	httpResp, err := httpClient.Do(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("post %s: %w", env.Tool, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}
	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("http %d: %w", httpResp.StatusCode, err)
	}
	// Auth, rate limit and 404 rejections carry a Response body too.
	return resp, nil
}

// StreamBridge opens one TCP connection per envelope.
type StreamBridge struct {
	Addr    string
	Timeout time.Duration
	Tracer  trace.Tracer
	dialer  net.Dialer
}

// NewStreamBridge targets the line-delimited listener at addr.
func NewStreamBridge(addr string) *StreamBridge {
	return &StreamBridge{Addr: addr, Timeout: defaultTimeout}
}

func (b *StreamBridge) Call(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	ctx, span := hbotel.StartClientSpan(ctx, tracerOrNoop(b.Tracer), "stream command",
		hbotel.AttrToolName.String(env.Tool),
		hbotel.AttrTransport.String("stream"),
	)
	resp, err := b.call(ctx, env)
	endSpan(span, resp, err)
	return resp, err
}

func (b *StreamBridge) call(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	line, err := json.Marshal(env)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode envelope: %w", err)
	}
	conn, err := b.dialer.DialContext(ctx, "tcp", b.Addr)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("dial %s: %w", b.Addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(b.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(append(line, '\n')); err != nil {
		return protocol.Response{}, fmt.Errorf("write envelope: %w", err)
	}
	out, err := bufio.NewReader(io.LimitReader(conn, maxResponseBytes)).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(out) > 0) {
		if ctx.Err() != nil {
			return protocol.Response{}, ctx.Err()
		}
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}
	return protocol.DecodeResponse(bytes.TrimSpace(out))
}

func (b *StreamBridge) timeout() time.Duration {
	if b.Timeout <= 0 {
		return defaultTimeout
	}
	return b.Timeout
}

func tracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("hostbridge/client")
	}
	return t
}

func endSpan(span trace.Span, resp protocol.Response, err error) {
	if err != nil {
		hbotel.EndSpan(span, false, err.Error())
		return
	}
	hbotel.EndSpan(span, resp.Success, resp.Error)
}
