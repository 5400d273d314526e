package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/basket/hostbridge/internal/jobs"
	"github.com/basket/hostbridge/internal/protocol"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// autoClock advances itself by the requested duration on every After call,
// so polling loops run instantly with exact elapsed times.
type autoClock struct {
	mu  sync.Mutex
	now time.Time
}

func newAutoClock() *autoClock { return &autoClock{now: epoch} }

func (c *autoClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *autoClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *autoClock) elapsed() time.Duration { return c.Now().Sub(epoch) }

type handlerFunc func(env protocol.Envelope) (protocol.Response, error)

// scriptedBridge answers per tool and records every envelope it receives.
type scriptedBridge struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []protocol.Envelope
}

func newScriptedBridge() *scriptedBridge {
	return &scriptedBridge{handlers: make(map[string]handlerFunc)}
}

func (b *scriptedBridge) on(tool string, h handlerFunc) *scriptedBridge {
	b.handlers[tool] = h
	return b
}

func (b *scriptedBridge) Call(_ context.Context, env protocol.Envelope) (protocol.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, env)
	h, ok := b.handlers[env.Tool]
	b.mu.Unlock()
	if !ok {
		return protocol.Failf("Unsupported tool '%s'.", env.Tool), nil
	}
	return h(env)
}

func (b *scriptedBridge) tools() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.Tool
	}
	return out
}

func ok(data any) handlerFunc {
	return func(protocol.Envelope) (protocol.Response, error) { return protocol.OK(data), nil }
}

func fail(msg string) handlerFunc {
	return func(protocol.Envelope) (protocol.Response, error) { return protocol.Fail(msg), nil }
}

var errUnreachable = errors.New("connection refused")

// registryGet serves get_test_job from a real registry and calls hook after
// every successful lookup.
func registryGet(reg *jobs.Registry, hook func(poll int)) handlerFunc {
	var mu sync.Mutex
	polls := 0
	return func(env protocol.Envelope) (protocol.Response, error) {
		id, _ := env.Params["job_id"].(string)
		j, found := reg.Get(id)
		if !found {
			return protocol.Failf("Unknown job '%s'.", id), nil
		}
		resp := protocol.OK(j.Snapshot())
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if hook != nil {
			hook(n)
		}
		return resp, nil
	}
}
