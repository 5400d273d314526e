package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hostbridge/internal/client"
	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/gateway"
	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/shared"
)

type dispatchFunc func(ctx context.Context, env protocol.Envelope) protocol.Response

func (f dispatchFunc) Dispatch(ctx context.Context, env protocol.Envelope) protocol.Response {
	return f(ctx, env)
}

func echo(ctx context.Context, env protocol.Envelope) protocol.Response {
	if env.Tool == "" {
		return protocol.Fail("Missing required field 'tool'.")
	}
	resp := protocol.OK(map[string]any{"tool": env.Tool, "transport": shared.Transport(ctx), "params": env.Params})
	resp.RequestID = env.RequestID
	return resp
}

func startGateway(t *testing.T, cfg gateway.Config) *gateway.Server {
	t.Helper()
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatchFunc(echo)
	}
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.StreamAddr = "127.0.0.1:0"
	srv, err := gateway.New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestBridges_RoundTrip(t *testing.T) {
	srv := startGateway(t, gateway.Config{})
	bridges := map[string]client.Bridge{
		"http":   client.NewHTTPBridge(srv.HTTPAddr(), ""),
		"stream": client.NewStreamBridge(srv.StreamAddr()),
	}
	for name, b := range bridges {
		t.Run(name, func(t *testing.T) {
			resp, err := b.Call(context.Background(), protocol.Envelope{
				RequestID: "req-" + name,
				Tool:      "echo",
				Params:    map[string]any{"n": 1},
			})
			require.NoError(t, err)
			require.True(t, resp.Success, resp.Error)
			assert.Equal(t, "req-"+name, resp.RequestID)

			var data struct {
				Tool      string         `json:"tool"`
				Transport string         `json:"transport"`
				Params    map[string]any `json:"params"`
			}
			require.NoError(t, resp.DecodeData(&data))
			assert.Equal(t, "echo", data.Tool)
			assert.Equal(t, name, data.Transport)
			assert.EqualValues(t, 1, data.Params["n"])
		})
	}
}

func TestBridges_FailureIsAResponse(t *testing.T) {
	srv := startGateway(t, gateway.Config{})
	for _, b := range []client.Bridge{client.NewHTTPBridge(srv.HTTPAddr(), ""), client.NewStreamBridge(srv.StreamAddr())} {
		resp, err := b.Call(context.Background(), protocol.Envelope{})
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, "Missing required field 'tool'.", resp.Error)
	}
}

func TestHTTPBridge_SendsAPIKey(t *testing.T) {
	srv := startGateway(t, gateway.Config{Auth: config.AuthConfig{
		Enabled: true,
		Keys:    []config.APIKeyEntry{{Name: "agent", Key: "secret"}},
	}})

	resp, err := client.NewHTTPBridge(srv.HTTPAddr(), "").Call(context.Background(), protocol.Envelope{Tool: "echo"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "missing API key", resp.Error)

	resp, err = client.NewHTTPBridge(srv.HTTPAddr(), "secret").Call(context.Background(), protocol.Envelope{Tool: "echo"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestBridges_UnreachableIsAnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = client.NewHTTPBridge(addr, "").Call(context.Background(), protocol.Envelope{Tool: "echo"})
	assert.Error(t, err)
	_, err = client.NewStreamBridge(addr).Call(context.Background(), protocol.Envelope{Tool: "echo"})
	assert.Error(t, err)
}

func TestStreamBridge_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := startGateway(t, gateway.Config{Dispatcher: dispatchFunc(func(ctx context.Context, env protocol.Envelope) protocol.Response {
		<-release
		return protocol.OK(nil)
	})})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.NewStreamBridge(srv.StreamAddr()).Call(ctx, protocol.Envelope{Tool: "slow"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNew_SelectsTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Client.Transport = "http"
	b, err := client.New(cfg, "")
	require.NoError(t, err)
	assert.IsType(t, &client.HTTPBridge{}, b)

	cfg.Client.Transport = "stream"
	b, err = client.New(cfg, "")
	require.NoError(t, err)
	assert.IsType(t, &client.StreamBridge{}, b)

	cfg.Client.Transport = "carrier-pigeon"
	_, err = client.New(cfg, "")
	assert.Error(t, err)
}
