package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/basket/hostbridge/internal/config"
	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/protocol"
)

const (
	defaultRequestsPerMinute = 60
	defaultBurst             = 10
)

// RateLimitedMessage is the error text of a throttled request on either
// transport.
const RateLimitedMessage = "rate limit exceeded"

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles each client to a steady request rate with a burst
// allowance. HTTP clients are keyed by API key, then by remote host; stream
// clients by remote host.
type RateLimiter struct {
	enabled bool
	every   rate.Limit
	burst   int
	metrics *hbotel.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

func NewRateLimiter(cfg config.RateLimitConfig, metrics *hbotel.Metrics, logger *slog.Logger) *RateLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = defaultBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		enabled: cfg.Enabled,
		every:   rate.Limit(float64(rpm) / 60),
		burst:   burst,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

func (rl *RateLimiter) Enabled() bool { return rl.enabled }

// Allow spends one token for key. When the bucket is empty it returns the
// wait until the next token.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if !rl.enabled {
		return true, 0
	}
	now := rl.now()

	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	if c.lim.AllowN(now, 1) {
		return true, 0
	}
	rl.metrics.Count(ctx, func(m *hbotel.Metrics) metric.Int64Counter { return m.RateLimitRejects })
	return false, time.Duration(float64(time.Second) / float64(rl.every))
}

// Prune forgets clients idle for longer than maxIdle and returns how many
// were dropped.
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
			n++
		}
	}
	if n > 0 {
		rl.logger.Debug("rate limiter pruned idle clients", "pruned", n, "remaining", len(rl.clients))
	}
	return n
}

// Clients is the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// pruneLoop runs Prune every interval until ctx ends.
func (rl *RateLimiter) pruneLoop(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune(maxIdle)
		}
	}
}

// Middleware answers throttled HTTP requests with 429 and a Response body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ExtractAPIKey(r)
		if key == "" {
			key = remoteHost(r.RemoteAddr)
		}
		if ok, wait := rl.Allow(r.Context(), key); !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			writeResponse(w, http.StatusTooManyRequests, protocol.Fail(RateLimitedMessage))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (rl *RateLimiter) String() string {
	return fmt.Sprintf("%.2f req/s burst %d", float64(rl.every), rl.burst)
}
