package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskboard/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		DBPath:   filepath.Join(home, "taskboard.db"),
		BindAddr: "127.0.0.1:0",
		Auth:     config.AuthConfig{JWTSecret: "a", RefreshSecret: "b"},
		Sweep:    config.SweepConfig{Schedule: "* * * * *", TokenCleanupSchedule: "0 * * * *"},
	}
}

func statusOf(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestRun_HealthyConfig(t *testing.T) {
	d := Run(context.Background(), testConfig(t), "test")
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			t.Fatalf("unexpected failure: %+v", r)
		}
	}
	if d.Failed() {
		t.Fatal("expected no failures")
	}
	if db := statusOf(d, "Database"); db.Status != "PASS" || db.Message != "Schema v2, 0 tasks" {
		t.Fatalf("unexpected database result: %+v", db)
	}
	if d.System.Version != "test" {
		t.Fatalf("unexpected version %q", d.System.Version)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if statusOf(d, "Config").Status != "FAIL" {
		t.Fatal("expected config FAIL")
	}
	for _, r := range d.Results[1:] {
		if r.Status != "SKIP" {
			t.Fatalf("expected SKIP for %s, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckSecrets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.RefreshSecret = ""
	if r := checkSecrets(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("expected WARN for missing refresh secret, got %+v", r)
	}
	cfg.Auth.RefreshSecret = cfg.Auth.JWTSecret
	if r := checkSecrets(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("expected WARN for shared secret, got %+v", r)
	}
}

func TestCheckPolicy_InvalidFile(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(config.PolicyPath(cfg.HomeDir), []byte("roles:\n  user: [tasks.fly]\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if r := checkPolicy(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckSchedules_Invalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweep.Schedule = "whenever"
	if r := checkSchedules(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckBind_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if r := checkBind(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("expected WARN for occupied address, got %+v", r)
	}
}

func TestCheckDatabase_Unopenable(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.HomeDir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.DBPath = filepath.Join(blocker, "taskboard.db")
	if r := checkDatabase(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckTelemetry(t *testing.T) {
	cfg := testConfig(t)
	if r := checkTelemetry(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("disabled telemetry: %+v", r)
	}
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Exporter = "stdout"
	if r := checkTelemetry(context.Background(), cfg); r.Status != StatusPass || r.Message != "Tracing via stdout" {
		t.Fatalf("stdout exporter: %+v", r)
	}
	cfg.Telemetry.SampleRate = 2
	if r := checkTelemetry(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for sample rate, got %+v", r)
	}
}

func TestCheckLogs_ReportsSize(t *testing.T) {
	cfg := testConfig(t)
	if r := checkLogs(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("missing logs should pass: %+v", r)
	}
	dir := filepath.Join(cfg.HomeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "audit.jsonl"), make([]byte, 3<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := checkLogs(context.Background(), cfg); r.Status != StatusPass || !strings.HasPrefix(r.Message, "3.0 MiB") {
		t.Fatalf("unexpected logs result: %+v", r)
	}
}
