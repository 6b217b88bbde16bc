package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"PORT", "DB_PATH", "LOG_JSON", "SERVER_URL", "POLL_INTERVAL",
		"AGENT_DATA_PATH", "KILL_AFTER", "RANDOM_FAILURES",
		"COMMAND_TIMEOUT", "STALE_CHECK_INTERVAL",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.Port != "3000" {
		t.Errorf("Port = %q, want 3000", cfg.Port)
	}
	if cfg.DBPath != "./data/commands.db" {
		t.Errorf("DBPath = %q, want ./data/commands.db", cfg.DBPath)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if cfg.CommandTimeout() != 60000*time.Millisecond {
		t.Errorf("CommandTimeout = %s, want 60s", cfg.CommandTimeout())
	}
	if cfg.StaleCheckInterval() != 10000*time.Millisecond {
		t.Errorf("StaleCheckInterval = %s, want 10s", cfg.StaleCheckInterval())
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %s, want 1s", cfg.PollInterval)
	}
	if cfg.KillAfter != 0 {
		t.Errorf("KillAfter = %d, want 0", cfg.KillAfter)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("COMMAND_TIMEOUT", "5000")
	t.Setenv("STALE_CHECK_INTERVAL", "2s")
	t.Setenv("LOG_JSON", "false")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.CommandTimeout() != 5*time.Second {
		t.Errorf("CommandTimeout = %s, want 5s (bare ms)", cfg.CommandTimeout())
	}
	if cfg.StaleCheckInterval() != 2*time.Second {
		t.Errorf("StaleCheckInterval = %s, want 2s", cfg.StaleCheckInterval())
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestCommandTimeoutSetter(t *testing.T) {
	cfg := Load()
	cfg.SetCommandTimeout(90 * time.Second)
	if got := cfg.CommandTimeout(); got != 90*time.Second {
		t.Errorf("CommandTimeout = %s, want 90s", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"empty port", func(c *Config) { c.Port = "" }, true},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"negative kill after", func(c *Config) { c.KillAfter = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}

	t.Run("zero command timeout", func(t *testing.T) {
		cfg := Load()
		cfg.SetCommandTimeout(0)
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() = nil, want error")
		}
	})
}

func TestEnvStr(t *testing.T) {
	const key = "ORCH_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("ORCH_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "ORCH_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "ORCH_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "ORCH_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "250")
	if got := envDuration(key, time.Hour); got != 250*time.Millisecond {
		t.Errorf("got %s, want 250ms (bare number)", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}
