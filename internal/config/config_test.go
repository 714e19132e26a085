package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskboard/internal/config"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "board")
	t.Setenv("TASKBOARD_HOME", home)
	for _, key := range []string{"PORT", "DB_PATH", "JWT_SECRET", "JWT_REFRESH_SECRET", "TASKBOARD_BIND_ADDR",
		"TASKBOARD_LOG_LEVEL", "TASKBOARD_DB_PATH", "TASKBOARD_SWEEP_SCHEDULE"} {
		t.Setenv(key, "")
	}
	return home
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := setHome(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FileMissing {
		t.Fatal("expected FileMissing=true")
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.DBPath != filepath.Join(home, "taskboard.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.BindAddr != "127.0.0.1:3000" || cfg.LogLevel != "info" || cfg.DefaultModel != "claude-sonnet-4" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Sweep.Schedule != "* * * * *" || cfg.Sweep.TokenCleanupSchedule != "0 * * * *" {
		t.Fatalf("unexpected sweep defaults: %+v", cfg.Sweep)
	}
	if cfg.Auth.AccessTTL != 15*time.Minute || cfg.Auth.RefreshTTL != 7*24*time.Hour || cfg.Auth.BcryptCost != 12 {
		t.Fatalf("unexpected auth defaults: %+v", cfg.Auth)
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home dir created: %v", err)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	home := setHome(t)
	writeConfig(t, home, `
bind_addr: 0.0.0.0:8080
log_level: DEBUG
auth:
  access_ttl: 5m
  bcrypt_cost: 10
sweep:
  schedule: "*/5 * * * *"
rate_limit:
  enabled: true
  requests_per_minute: 30
usage:
  estimate_missing_cost: true
telemetry:
  enabled: false
  exporter: stdout
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FileMissing {
		t.Fatal("expected FileMissing=false")
	}
	if cfg.BindAddr != "0.0.0.0:8080" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected bind/log: %q %q", cfg.BindAddr, cfg.LogLevel)
	}
	if cfg.Auth.AccessTTL != 5*time.Minute || cfg.Auth.BcryptCost != 10 {
		t.Fatalf("unexpected auth: %+v", cfg.Auth)
	}
	if cfg.Auth.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unset refresh_ttl should keep default, got %s", cfg.Auth.RefreshTTL)
	}
	if cfg.Sweep.Schedule != "*/5 * * * *" || cfg.Sweep.TokenCleanupSchedule != "0 * * * *" {
		t.Fatalf("unexpected sweep: %+v", cfg.Sweep)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 30 || cfg.RateLimit.AuthRequestsPerMinute != 10 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if !cfg.Usage.EstimateMissingCost || cfg.Telemetry.Exporter != "stdout" {
		t.Fatalf("unexpected usage/telemetry: %+v %+v", cfg.Usage, cfg.Telemetry)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := setHome(t)
	writeConfig(t, home, "bind_addr: 127.0.0.1:9000\ndb_path: /tmp/from-yaml.db\n")
	t.Setenv("PORT", "4000")
	t.Setenv("DB_PATH", "/tmp/from-env.db")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("TASKBOARD_SWEEP_SCHEDULE", "@every 30s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != ":4000" {
		t.Fatalf("expected PORT override, got %q", cfg.BindAddr)
	}
	if cfg.DBPath != "/tmp/from-env.db" {
		t.Fatalf("expected DB_PATH override, got %q", cfg.DBPath)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("expected JWT_SECRET override, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Sweep.Schedule != "@every 30s" {
		t.Fatalf("expected schedule override, got %q", cfg.Sweep.Schedule)
	}

	t.Setenv("TASKBOARD_BIND_ADDR", "127.0.0.1:5000")
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:5000" {
		t.Fatalf("TASKBOARD_BIND_ADDR should win over PORT, got %q", cfg.BindAddr)
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	home := setHome(t)
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("JWT_REFRESH_SECRET=from-dotenv\nTASKBOARD_LOG_LEVEL=warn\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// t.Setenv above restores both keys; unset one so .env may fill it.
	os.Unsetenv("JWT_REFRESH_SECRET")
	t.Setenv("TASKBOARD_LOG_LEVEL", "error")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.RefreshSecret != "from-dotenv" {
		t.Fatalf("expected refresh secret from .env, got %q", cfg.Auth.RefreshSecret)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("environment should win over .env, got %q", cfg.LogLevel)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad schedule", "sweep:\n  schedule: \"not a cron\"\n", "sweep.schedule"},
		{"bad cleanup schedule", "sweep:\n  token_cleanup_schedule: \"61 * * * *\"\n", "sweep.token_cleanup_schedule"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"bad bcrypt cost", "auth:\n  bcrypt_cost: 40\n", "bcrypt_cost"},
		{"negative rate", "rate_limit:\n  burst_size: -1\n", "rate_limit"},
		{"negative auth rate", "rate_limit:\n  auth_requests_per_minute: -5\n", "rate_limit"},
		{"unknown exporter", "telemetry:\n  exporter: zipkin\n", "telemetry.exporter"},
		{"sample rate", "telemetry:\n  sample_rate: 2\n", "telemetry.sample_rate"},
		{"bad yaml", "bind_addr: [\n", "parse config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := setHome(t)
			writeConfig(t, home, tt.body)
			_, err := config.Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	home := setHome(t)
	writeConfig(t, home, "log_level: info\n")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := config.Load()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should be stable across loads")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint %q", a.Fingerprint())
	}

	b.Auth.JWTSecret = "changed"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("secrets must not affect the fingerprint")
	}
	b.Sweep.Schedule = "*/2 * * * *"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("schedule change should change the fingerprint")
	}
}
