// Package config captures Zaku server runtime configuration, loaded from
// environment variables with CLI flags layered on top in cmd/zaku-server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHost is the default bind host.
	DefaultHost = "0.0.0.0"
	// DefaultPort is the default bind port.
	DefaultPort = 9000
	// DefaultRedisAddr is the default backing-store address.
	DefaultRedisAddr = "127.0.0.1:6379"
	// DefaultPrefix namespaces backing-store keys.
	DefaultPrefix = "zaku"
	// DefaultReapInterval is the reaper sweep cadence. The reaper sweeps at
	// this fixed interval; it does not shorten it for small task ttls.
	DefaultReapInterval = time.Second
	// DefaultMetricsAddr is where the Prometheus /metrics endpoint listens.
	DefaultMetricsAddr = ":9001"
)

// Config holds Zaku server runtime tunables.
type Config struct {
	Host         string
	Port         int
	RedisAddr    string
	RedisPass    string
	Prefix       string
	Verbose      bool
	FreePort     bool
	ReapInterval time.Duration
	MetricsAddr  string
	AuthUser     string
	AuthKey      string
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from environment variables, applying defaults
// and returning a descriptive error for invalid overrides. CLI flags are
// applied on top of the result by the caller (cmd/zaku-server), so flags
// win over environment, which wins over defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Host:         getString("ZAKU_HOST", DefaultHost),
		Port:         DefaultPort,
		RedisAddr:    getString("ZAKU_REDIS_ADDR", DefaultRedisAddr),
		RedisPass:    os.Getenv("ZAKU_REDIS_PASSWORD"),
		Prefix:       getString("ZAKU_PREFIX", DefaultPrefix),
		ReapInterval: DefaultReapInterval,
		MetricsAddr:  getString("ZAKU_METRICS_ADDR", DefaultMetricsAddr),
		AuthUser:     os.Getenv("ZAKU_USER"),
		AuthKey:      os.Getenv("ZAKU_KEY"),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("ZAKU_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("ZAKU_PORT must be a valid port number, got %q", raw))
		} else {
			cfg.Port = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZAKU_VERBOSE")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ZAKU_VERBOSE must be a boolean, got %q", raw))
		} else {
			cfg.Verbose = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZAKU_FREE_PORT")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ZAKU_FREE_PORT must be a boolean, got %q", raw))
		} else {
			cfg.FreePort = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZAKU_REAP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ZAKU_REAP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.ReapInterval = duration
		}
	}

	if (cfg.AuthUser == "") != (cfg.AuthKey == "") {
		problems = append(problems, "ZAKU_USER and ZAKU_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
