package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost                 = "127.0.0.1"
	DefaultHTTPPort             = 6401
	DefaultStreamPort           = 6400
	DefaultMaxAttempts          = 30
	DefaultPollIntervalMs       = 1000
	DefaultPollTimeoutMs        = 120000
	DefaultInvokeTimeoutSeconds = 30
	DefaultQueueSize            = 256
	DefaultFrameIntervalMs      = 16
	DefaultMaxBodyBytes         = 1 << 20
)

// HTTPConfig configures the request/response listener.
type HTTPConfig struct {
	Port int `yaml:"port"`
	// MaxInflight bounds concurrently processed requests. 1 keeps the
	// listener strictly serial.
	MaxInflight  int   `yaml:"max_inflight"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// EventsEnabled exposes GET /events, a websocket feed of job events.
	EventsEnabled bool     `yaml:"events_enabled"`
	AllowOrigins  []string `yaml:"allow_origins"`
}

// StreamConfig configures the line-delimited TCP listener.
type StreamConfig struct {
	Port int `yaml:"port"`
	// MaxConns bounds connections handled at once. 1 means the accept loop
	// finishes one connection before taking the next.
	MaxConns     int `yaml:"max_conns"`
	MaxLineBytes int `yaml:"max_line_bytes"`
}

// HostLoopConfig configures the single host goroutine.
type HostLoopConfig struct {
	QueueSize            int `yaml:"queue_size"`
	FrameIntervalMs      int `yaml:"frame_interval_ms"`
	InvokeTimeoutSeconds int `yaml:"invoke_timeout_seconds"`
}

// InvokeTimeout returns the per-call wait bound as a duration.
func (h HostLoopConfig) InvokeTimeout() time.Duration {
	return time.Duration(h.InvokeTimeoutSeconds) * time.Second
}

// FrameInterval returns the frame tick as a duration.
func (h HostLoopConfig) FrameInterval() time.Duration {
	return time.Duration(h.FrameIntervalMs) * time.Millisecond
}

// ClientConfig holds the defaults used by the CLI executor and poller.
type ClientConfig struct {
	// Transport selects "http" or "stream".
	Transport        string   `yaml:"transport"`
	MaxAttempts      int      `yaml:"max_attempts"`
	PollIntervalMs   int      `yaml:"poll_interval_ms"`
	PollTimeoutMs    int      `yaml:"poll_timeout_ms"`
	AllowDestructive bool     `yaml:"allow_destructive"`
	StopOnError      bool     `yaml:"stop_on_error"`
	BlockedTools     []string `yaml:"blocked_tools"`
}

// APIKeyEntry is one accepted bearer token.
type APIKeyEntry struct {
	Name   string   `yaml:"name"`
	Key    string   `yaml:"key"`
	Scopes []string `yaml:"scopes"`
}

// AuthConfig enables bearer-token auth on the HTTP listener.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// RateLimitConfig enables a per-client token bucket on the HTTP listener.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// SandboxConfig routes test commands through a docker container.
type SandboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

// TelemetryConfig mirrors the OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// AuditConfig controls the audit trail sinks.
type AuditConfig struct {
	// SQLite additionally records dispatch outcomes in hostbridge.db.
	SQLite        bool `yaml:"sqlite"`
	RetentionDays int  `yaml:"retention_days"`
}

// TestCaseConfig is one runnable test inside a suite.
type TestCaseConfig struct {
	Name       string   `yaml:"name"`
	Command    []string `yaml:"command"`
	Skip       bool     `yaml:"skip"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// SuiteConfig is a named group of tests run by run_tests.
type SuiteConfig struct {
	Name  string            `yaml:"name"`
	Dir   string            `yaml:"dir"`
	Env   map[string]string `yaml:"env"`
	Tests []TestCaseConfig  `yaml:"tests"`
}

// ScheduleConfig runs a suite on a cron expression.
type ScheduleConfig struct {
	Name   string `yaml:"name"`
	Spec   string `yaml:"spec"`
	Suite  string `yaml:"suite"`
	Filter string `yaml:"filter"`
}

// PlanStepConfig is one command in a configured plan.
type PlanStepConfig struct {
	// ID defaults to <plan>-<n>.
	ID          string         `yaml:"id"`
	Tool        string         `yaml:"tool"`
	Params      map[string]any `yaml:"params"`
	Risk        string         `yaml:"risk"`
	Description string         `yaml:"description"`
}

// PlanConfig is a named, reusable command sequence for the client executor.
type PlanConfig struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Steps       []PlanStepConfig `yaml:"steps"`

	// Constraints declared by the plan itself, merged with the client's.
	AllowDestructive bool     `yaml:"allow_destructive"`
	StopOnError      bool     `yaml:"stop_on_error"`
	BlockedTools     []string `yaml:"blocked_tools"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses the default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	HTTP      HTTPConfig      `yaml:"http"`
	Stream    StreamConfig    `yaml:"stream"`
	HostLoop  HostLoopConfig  `yaml:"host_loop"`
	Client    ClientConfig    `yaml:"client"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`

	Suites    []SuiteConfig    `yaml:"suites"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Plans     []PlanConfig     `yaml:"plans"`

	NeedsGenesis bool `yaml:"-"`
}

// HTTPAddr is the host:port the HTTP listener binds.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.HTTP.Port))
}

// StreamAddr is the host:port the stream listener binds.
func (c Config) StreamAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Stream.Port))
}

// PollInterval returns the client poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Client.PollIntervalMs) * time.Millisecond
}

// PollTimeout returns the overall client poll deadline as a duration.
func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.Client.PollTimeoutMs) * time.Millisecond
}

// Suite looks up a configured suite by name.
func (c Config) Suite(name string) (SuiteConfig, bool) {
	for _, s := range c.Suites {
		if s.Name == name {
			return s, true
		}
	}
	return SuiteConfig{}, false
}

// Plan looks up a configured plan by name.
func (c Config) Plan(name string) (PlanConfig, bool) {
	for _, p := range c.Plans {
		if p.Name == name {
			return p, true
		}
	}
	return PlanConfig{}, false
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape the listeners.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|http=%d|stream=%d|queue=%d|invoke=%d|log=%s|suites=%d|origins=%v",
		c.Host, c.HTTP.Port, c.Stream.Port, c.HostLoop.QueueSize, c.HostLoop.InvokeTimeoutSeconds,
		c.LogLevel, len(c.Suites), c.HTTP.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Host:                DefaultHost,
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		HTTP: HTTPConfig{
			Port:         DefaultHTTPPort,
			MaxInflight:  1,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Stream: StreamConfig{
			Port:         DefaultStreamPort,
			MaxConns:     1,
			MaxLineBytes: DefaultMaxBodyBytes,
		},
		HostLoop: HostLoopConfig{
			QueueSize:            DefaultQueueSize,
			FrameIntervalMs:      DefaultFrameIntervalMs,
			InvokeTimeoutSeconds: DefaultInvokeTimeoutSeconds,
		},
		Client: ClientConfig{
			Transport:      "http",
			MaxAttempts:    DefaultMaxAttempts,
			PollIntervalMs: DefaultPollIntervalMs,
			PollTimeoutMs:  DefaultPollTimeoutMs,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Sandbox: SandboxConfig{
			Image:    "golang:1.24-alpine",
			MemoryMB: 512,
			Network:  "none",
		},
		Audit: AuditConfig{
			RetentionDays: 365,
		},
	}
}

// Default returns the built-in configuration with HomeDir resolved.
func Default() Config {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("HOSTBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hostbridge")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hostbridge home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteGenesis writes a starter config.yaml containing the sample suites.
// An existing file is left untouched.
func WriteGenesis(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := defaultConfig()
	cfg.Suites = StarterSuites()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create hostbridge home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = DefaultHost
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = DefaultHTTPPort
	}
	if cfg.HTTP.MaxInflight <= 0 {
		cfg.HTTP.MaxInflight = 1
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Stream.Port <= 0 {
		cfg.Stream.Port = DefaultStreamPort
	}
	if cfg.Stream.MaxConns <= 0 {
		cfg.Stream.MaxConns = 1
	}
	if cfg.Stream.MaxLineBytes <= 0 {
		cfg.Stream.MaxLineBytes = DefaultMaxBodyBytes
	}
	if cfg.HostLoop.QueueSize <= 0 {
		cfg.HostLoop.QueueSize = DefaultQueueSize
	}
	if cfg.HostLoop.FrameIntervalMs <= 0 {
		cfg.HostLoop.FrameIntervalMs = DefaultFrameIntervalMs
	}
	if cfg.HostLoop.InvokeTimeoutSeconds <= 0 {
		cfg.HostLoop.InvokeTimeoutSeconds = DefaultInvokeTimeoutSeconds
	}
	cfg.Client.Transport = strings.ToLower(strings.TrimSpace(cfg.Client.Transport))
	if cfg.Client.Transport == "" {
		cfg.Client.Transport = "http"
	}
	if cfg.Client.MaxAttempts <= 0 {
		cfg.Client.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Client.PollIntervalMs <= 0 {
		cfg.Client.PollIntervalMs = DefaultPollIntervalMs
	}
	if cfg.Client.PollTimeoutMs <= 0 {
		cfg.Client.PollTimeoutMs = DefaultPollTimeoutMs
	}
	for i := range cfg.Suites {
		for j := range cfg.Suites[i].Tests {
			if cfg.Suites[i].Tests[j].TimeoutSec <= 0 {
				cfg.Suites[i].Tests[j].TimeoutSec = 300
			}
		}
	}
}

// validate rejects configurations the server cannot run with.
func validate(cfg *Config) error {
	if cfg.HTTP.Port == cfg.Stream.Port {
		return fmt.Errorf("http.port and stream.port must differ (both %d)", cfg.HTTP.Port)
	}
	switch cfg.Client.Transport {
	case "http", "stream":
	default:
		return fmt.Errorf("client.transport must be http or stream, got %q", cfg.Client.Transport)
	}
	seen := make(map[string]struct{}, len(cfg.Suites))
	for _, s := range cfg.Suites {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("suite with empty name")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate suite %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		for _, tc := range s.Tests {
			if tc.Name == "" {
				return fmt.Errorf("suite %q: test with empty name", s.Name)
			}
			if len(tc.Command) == 0 && !tc.Skip {
				return fmt.Errorf("suite %q: test %q has no command", s.Name, tc.Name)
			}
		}
	}
	for _, sch := range cfg.Schedules {
		if _, ok := seen[sch.Suite]; !ok {
			return fmt.Errorf("schedule %q references unknown suite %q", sch.Name, sch.Suite)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HOSTBRIDGE_HOST"); raw != "" {
		cfg.Host = raw
	}
	if raw := os.Getenv("HOSTBRIDGE_HTTP_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HTTP.Port = v
		}
	}
	if raw := os.Getenv("HOSTBRIDGE_STREAM_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Stream.Port = v
		}
	}
	if raw := os.Getenv("HOSTBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HOSTBRIDGE_INVOKE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HostLoop.InvokeTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("HOSTBRIDGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("HOSTBRIDGE_TRANSPORT"); raw != "" {
		cfg.Client.Transport = raw
	}
	if raw := os.Getenv("HOSTBRIDGE_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Client.MaxAttempts = v
		}
	}
	if raw := os.Getenv("HOSTBRIDGE_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Client.PollIntervalMs = v
		}
	}
	if raw := os.Getenv("HOSTBRIDGE_POLL_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Client.PollTimeoutMs = v
		}
	}
	if raw := os.Getenv("HOSTBRIDGE_API_KEY"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{Name: "env", Key: raw})
	}
}
