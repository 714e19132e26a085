// Package doctor runs offline health checks against a configuration: the
// things that would stop the server from starting or degrade it silently.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskboard/internal/config"
	"github.com/basket/taskboard/internal/cron"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/policy"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check struct {
	name string
	run  func(context.Context, *config.Config) CheckResult
}

// checks run in order; Config comes first so its failure explains the
// skips that follow.
var checks = []check{
	{"Config", checkConfig},
	{"Secrets", checkSecrets},
	{"Database", checkDatabase},
	{"Policy", checkPolicy},
	{"Schedules", checkSchedules},
	{"Telemetry", checkTelemetry},
	{"Permissions", checkPermissions},
	{"Logs", checkLogs},
	{"Bind", checkBind},
}

// Run executes every check. A nil cfg fails Config and skips the rest.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System:    SystemInfo{OS: runtime.GOOS, Arch: runtime.GOARCH, Go: runtime.Version(), Version: version},
		Results:   make([]CheckResult, 0, len(checks)),
	}
	for _, c := range checks {
		var r CheckResult
		switch {
		case cfg != nil:
			r = c.run(ctx, cfg)
		case c.name == "Config":
			r = CheckResult{Status: StatusFail, Message: "Configuration not loaded"}
		default:
			r = CheckResult{Status: StatusSkip, Message: "Config missing"}
		}
		r.Name = c.name
		d.Results = append(d.Results, r)
	}
	return d
}

func pass(msg, detail string) CheckResult {
	return CheckResult{Status: StatusPass, Message: msg, Detail: detail}
}

func warn(msg, detail string) CheckResult {
	return CheckResult{Status: StatusWarn, Message: msg, Detail: detail}
}

func fail(msg, detail string) CheckResult {
	return CheckResult{Status: StatusFail, Message: msg, Detail: detail}
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg.FileMissing {
		return warn("config.yaml missing, using defaults", config.ConfigPath(cfg.HomeDir))
	}
	return pass("Loaded from "+cfg.HomeDir, cfg.Fingerprint())
}

func checkSecrets(_ context.Context, cfg *config.Config) CheckResult {
	var missing []string
	if cfg.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.Auth.RefreshSecret == "" {
		missing = append(missing, "JWT_REFRESH_SECRET")
	}
	switch {
	case len(missing) > 0:
		return warn(strings.Join(missing, ", ")+" not set; sessions will not survive a restart",
			"Set auth.jwt_secret/auth.refresh_secret in config.yaml or the environment")
	case cfg.Auth.JWTSecret == cfg.Auth.RefreshSecret:
		return warn("Access and refresh tokens share one secret", "")
	}
	return pass("Token secrets configured", "")
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fail("Connection failed: "+err.Error(), cfg.DBPath)
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return fail("Query failed: "+err.Error(), cfg.DBPath)
	}
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return fail("Query failed: "+err.Error(), cfg.DBPath)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return pass(fmt.Sprintf("Schema v%d, %d tasks", version, total), cfg.DBPath)
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return fail(err.Error(), path)
	}
	if _, err := os.Stat(path); err != nil {
		return pass("policy.yaml absent, default role grants apply", p.PolicyVersion())
	}
	return pass("policy.yaml valid", p.PolicyVersion())
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	now := time.Now().UTC()
	sweep, err := cron.NextRunTime(cfg.Sweep.Schedule, now)
	if err != nil {
		return fail("sweep.schedule: "+err.Error(), "")
	}
	cleanup, err := cron.NextRunTime(cfg.Sweep.TokenCleanupSchedule, now)
	if err != nil {
		return fail("sweep.token_cleanup_schedule: "+err.Error(), "")
	}
	return pass("Next sweep "+sweep.Format(time.RFC3339), "next token cleanup "+cleanup.Format(time.RFC3339))
}

func checkTelemetry(_ context.Context, cfg *config.Config) CheckResult {
	t := cfg.Telemetry
	if err := t.Validate(); err != nil {
		return fail(err.Error(), "")
	}
	if !t.Enabled {
		return pass("Tracing disabled", "")
	}
	exporter := t.Exporter
	if exporter == "" {
		exporter = "otlp-http"
	}
	return pass("Tracing via "+exporter, t.Endpoint)
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fail("Home dir unwritable: "+err.Error(), cfg.HomeDir)
	}
	_ = os.Remove(probe)
	return pass("Home directory writable", cfg.HomeDir)
}

// checkLogs reports the size of the system and audit logs, which are
// appended to forever.
func checkLogs(_ context.Context, cfg *config.Config) CheckResult {
	dir := filepath.Join(cfg.HomeDir, "logs")
	var total int64
	for _, name := range []string{"system.jsonl", "audit.jsonl"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil {
			total += info.Size()
		}
	}
	const warnAt = 512 << 20
	msg := fmt.Sprintf("%.1f MiB in %s", float64(total)/(1<<20), dir)
	if total > warnAt {
		return warn(msg, "rotate or truncate the log files")
	}
	return pass(msg, "")
}

// checkBind tries to listen on the configured address. An address already
// in use usually means the server is running.
func checkBind(ctx context.Context, cfg *config.Config) CheckResult {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if errors.Is(err, syscall.EADDRINUSE) {
		return warn(cfg.BindAddr+" in use (server already running?)", "")
	}
	if err != nil {
		return fail(fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err), "")
	}
	_ = ln.Close()
	return pass(cfg.BindAddr+" available", "")
}
