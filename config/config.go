// Package config builds the provider's configuration value: defaults, then
// an optional TOML file, then the environment the supervisor launches the
// process with.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"ipc-provider/message"
)

const (
	EnvHost = "THINKNODE_HOST"
	EnvPort = "THINKNODE_PORT"
	EnvPID  = "THINKNODE_PID"
)

// Balancer names accepted in the discovery section.
const (
	BalancerRoundRobin     = "round_robin"
	BalancerWeightedRandom = "weighted_random"
	BalancerConsistentHash = "consistent_hash"
)

type Config struct {
	Host string
	Port int
	PID  string

	DialAttempts   int
	DialBackoff    time.Duration
	ReadBufferSize int

	MetricsAddr string
	LogLevel    string

	RateLimit RateLimit
	Discovery Discovery
}

// RateLimit throttles function invocations. Zero CallsPerSecond disables it.
type RateLimit struct {
	CallsPerSecond float64
	Burst          int
}

// Discovery resolves the supervisor address from etcd instead of Host/Port.
// It is enabled when Endpoints is non-empty.
type Discovery struct {
	Endpoints   []string
	Service     string
	Balancer    string
	DialTimeout time.Duration
}

func (d Discovery) Enabled() bool { return len(d.Endpoints) > 0 }

func Default() Config {
	return Config{
		Host:           "127.0.0.1",
		PID:            NewPID(),
		DialAttempts:   5,
		DialBackoff:    200 * time.Millisecond,
		ReadBufferSize: 64 * 1024,
		LogLevel:       "info",
		Discovery: Discovery{
			Service:     "supervisor",
			Balancer:    BalancerConsistentHash,
			DialTimeout: 5 * time.Second,
		},
	}
}

// NewPID returns a random 32-character process identifier.
func NewPID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Address returns host:port of the supervisor.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) Validate() error {
	var errs []error
	if !c.Discovery.Enabled() {
		if strings.TrimSpace(c.Host) == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if c.Port <= 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
		}
	}
	if len(c.PID) != message.PIDSize {
		errs = append(errs, fmt.Errorf("pid must be %d bytes, got %d", message.PIDSize, len(c.PID)))
	}
	if c.DialAttempts < 1 {
		errs = append(errs, errors.New("dial_attempts must be at least 1"))
	}
	if c.ReadBufferSize <= 0 {
		errs = append(errs, errors.New("read_buffer_size must be positive"))
	}
	if c.RateLimit.CallsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.calls_per_second must not be negative"))
	}
	switch c.Discovery.Balancer {
	case BalancerRoundRobin, BalancerWeightedRandom, BalancerConsistentHash:
	default:
		errs = append(errs, fmt.Errorf("unknown balancer %q", c.Discovery.Balancer))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

type fileConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	PID            string        `toml:"pid"`
	DialAttempts   int           `toml:"dial_attempts"`
	DialBackoff    string        `toml:"dial_backoff"`
	ReadBufferSize int           `toml:"read_buffer_size"`
	MetricsAddr    string        `toml:"metrics_addr"`
	LogLevel       string        `toml:"log_level"`
	RateLimit      fileRateLimit `toml:"rate_limit"`
	Discovery      fileDiscovery `toml:"discovery"`
}

type fileRateLimit struct {
	CallsPerSecond float64 `toml:"calls_per_second"`
	Burst          int     `toml:"burst"`
}

type fileDiscovery struct {
	Endpoints   []string `toml:"endpoints"`
	Service     string   `toml:"service"`
	Balancer    string   `toml:"balancer"`
	DialTimeout string   `toml:"dial_timeout"`
}

// Load reads path over the defaults. Keys absent from the file keep their
// default value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load provider config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("pid") {
		cfg.PID = strings.TrimSpace(raw.PID)
	}
	if meta.IsDefined("dial_attempts") {
		cfg.DialAttempts = raw.DialAttempts
	}
	if meta.IsDefined("dial_backoff") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialBackoff))
		if err != nil {
			return Config{}, fmt.Errorf("parse dial_backoff: %w", err)
		}
		cfg.DialBackoff = d
	}
	if meta.IsDefined("read_buffer_size") {
		cfg.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("rate_limit", "calls_per_second") {
		cfg.RateLimit.CallsPerSecond = raw.RateLimit.CallsPerSecond
	}
	if meta.IsDefined("rate_limit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}
	if meta.IsDefined("discovery", "endpoints") {
		cfg.Discovery.Endpoints = normalize(raw.Discovery.Endpoints)
	}
	if meta.IsDefined("discovery", "service") {
		cfg.Discovery.Service = strings.TrimSpace(raw.Discovery.Service)
	}
	if meta.IsDefined("discovery", "balancer") {
		cfg.Discovery.Balancer = strings.TrimSpace(raw.Discovery.Balancer)
	}
	if meta.IsDefined("discovery", "dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Discovery.DialTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse discovery.dial_timeout: %w", err)
		}
		cfg.Discovery.DialTimeout = d
	}
	return cfg, nil
}

// ApplyEnv overlays the supervisor-provided environment. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvHost)); v != "" {
		c.Host = v
	}
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		c.Port = port
	}
	if v := strings.TrimSpace(getenv(EnvPID)); v != "" {
		c.PID = v
	}
	return nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
