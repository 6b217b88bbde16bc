// Package config loads orchestrator configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds server and agent configuration. CommandTimeout and
// StaleCheckInterval are read by the reclaimer on every tick and could be
// retuned by a future admin surface, so they are guarded by mu and exposed
// only through getter/setter methods; every other field is set once at
// startup and read without synchronization.
type Config struct {
	// Server
	Port            string
	DBPath          string
	LogJSON         bool
	Metrics         bool
	MetricsTextfile string

	// Agent
	ServerURL      string
	PollInterval   time.Duration
	AgentDataPath  string
	KillAfter      int // 0 = disabled
	RandomFailures bool

	mu                 sync.RWMutex
	commandTimeout     time.Duration
	staleCheckInterval time.Duration
}

// Load reads configuration from environment variables, applying the
// defaults from the external-interfaces table.
func Load() *Config {
	return &Config{
		Port:               envStr("PORT", "3000"),
		DBPath:             envStr("DB_PATH", "./data/commands.db"),
		LogJSON:            envBool("LOG_JSON", true),
		Metrics:            envBool("METRICS_ENABLED", false),
		MetricsTextfile:    envStr("METRICS_TEXTFILE_PATH", ""),
		ServerURL:          envStr("SERVER_URL", "http://localhost:3000"),
		PollInterval:       envDuration("POLL_INTERVAL", 1000*time.Millisecond),
		AgentDataPath:      envStr("AGENT_DATA_PATH", "./data"),
		KillAfter:          envInt("KILL_AFTER", 0),
		RandomFailures:     envBool("RANDOM_FAILURES", false),
		commandTimeout:     envDuration("COMMAND_TIMEOUT", 60000*time.Millisecond),
		staleCheckInterval: envDuration("STALE_CHECK_INTERVAL", 10000*time.Millisecond),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	ct := c.CommandTimeout()
	sci := c.StaleCheckInterval()

	var errs []error
	if c.Port == "" {
		errs = append(errs, fmt.Errorf("PORT must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("DB_PATH must not be empty"))
	}
	if ct <= 0 {
		errs = append(errs, fmt.Errorf("COMMAND_TIMEOUT must be > 0, got %s", ct))
	}
	if sci <= 0 {
		errs = append(errs, fmt.Errorf("STALE_CHECK_INTERVAL must be > 0, got %s", sci))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be > 0, got %s", c.PollInterval))
	}
	if c.KillAfter < 0 {
		errs = append(errs, fmt.Errorf("KILL_AFTER must be >= 0, got %d", c.KillAfter))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for startup log dumps.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"PORT":                 c.Port,
		"DB_PATH":              c.DBPath,
		"LOG_JSON":             fmt.Sprintf("%t", c.LogJSON),
		"METRICS_ENABLED":      fmt.Sprintf("%t", c.Metrics),
		"METRICS_TEXTFILE_PATH": c.MetricsTextfile,
		"SERVER_URL":           c.ServerURL,
		"POLL_INTERVAL":        c.PollInterval.String(),
		"AGENT_DATA_PATH":      c.AgentDataPath,
		"KILL_AFTER":           fmt.Sprintf("%d", c.KillAfter),
		"RANDOM_FAILURES":      fmt.Sprintf("%t", c.RandomFailures),
		"COMMAND_TIMEOUT":      c.CommandTimeout().String(),
		"STALE_CHECK_INTERVAL": c.StaleCheckInterval().String(),
	}
}

// CommandTimeout returns the current stale threshold (thread-safe).
func (c *Config) CommandTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandTimeout
}

// SetCommandTimeout updates the stale threshold at runtime (thread-safe).
func (c *Config) SetCommandTimeout(d time.Duration) {
	c.mu.Lock()
	c.commandTimeout = d
	c.mu.Unlock()
}

// StaleCheckInterval returns the current reclaimer period (thread-safe).
func (c *Config) StaleCheckInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleCheckInterval
}

// SetStaleCheckInterval updates the reclaimer period at runtime (thread-safe).
func (c *Config) SetStaleCheckInterval(d time.Duration) {
	c.mu.Lock()
	c.staleCheckInterval = d
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Also accept bare milliseconds, matching the external-interfaces table.
		if ms, err2 := strconv.Atoi(v); err2 == nil {
			return time.Duration(ms) * time.Millisecond
		}
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
