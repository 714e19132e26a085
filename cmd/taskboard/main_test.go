package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskboard/internal/audit"
	"github.com/basket/taskboard/internal/board"
	"github.com/basket/taskboard/internal/config"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/policy"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	home := t.TempDir()
	return config.Config{
		HomeDir:  home,
		BindAddr: "127.0.0.1:0",
		LogLevel: "info",
		DBPath:   filepath.Join(home, "taskboard.db"),
		Auth: config.AuthConfig{
			JWTSecret:     "access-secret",
			RefreshSecret: "refresh-secret",
			BcryptCost:    4,
		},
		Sweep: config.SweepConfig{
			Schedule:             "* * * * *",
			TokenCleanupSchedule: "0 * * * *",
		},
	}
}

func withConfig(t *testing.T, cfg config.Config) {
	t.Helper()
	prev := loadConfig
	loadConfig = func() (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = prev })
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, cfg config.Config, fn func(ctx context.Context, e *board.Engine)) {
	t.Helper()
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	fn(context.Background(), board.New(board.Config{Store: store}))
}

func createTask(t *testing.T, ctx context.Context, e *board.Engine, in board.CreateInput) *persistence.Task {
	t.Helper()
	if in.CreatedBy == "" {
		in.CreatedBy = "user-1"
	}
	res, err := e.Create(ctx, in)
	if err != nil || !res.OK {
		t.Fatalf("create %q: res=%+v err=%v", in.Title, res, err)
	}
	return res.Task
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("expected second listen to fail")
	}
	if !isAddrInUse(err) {
		t.Fatalf("expected address-in-use, got %v", err)
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unrelated error reported as address-in-use")
	}
	if isAddrInUse(nil) {
		t.Fatal("nil reported as address-in-use")
	}
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:3000": true,
		"localhost:3000": true,
		"[::1]:3000":     true,
		"0.0.0.0:3000":   false,
		":3000":          false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:3000":         "http://127.0.0.1:3000/healthz",
		":3000":                  "http://127.0.0.1:3000/healthz",
		"0.0.0.0:8080":           "http://127.0.0.1:8080/healthz",
		"[::1]:3000":             "http://[::1]:3000/healthz",
		"http://board.local/":    "http://board.local/healthz",
		"https://board.local:99": "https://board.local:99/healthz",
	}
	for addr, want := range cases {
		if got := healthURL(addr); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestStatus_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ts.Listener.Addr().String()
	withConfig(t, cfg)

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"status":"ok"`) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestStatus_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer ts.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ts.Listener.Addr().String()
	withConfig(t, cfg)

	out, err := execute(t, "status")
	if exitCode(err) != 1 {
		t.Fatalf("got exit code %d, want 1 (err=%v)", exitCode(err), err)
	}
	if !strings.Contains(out, "degraded") {
		t.Fatalf("body not echoed: %q", out)
	}
}

func TestStatus_NoServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = addr
	withConfig(t, cfg)

	if _, err := execute(t, "status"); err == nil {
		t.Fatal("expected error when nothing is listening")
	}
}

func TestStatus_RejectsArgs(t *testing.T) {
	withConfig(t, testConfig(t))
	if _, err := execute(t, "status", "extra"); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestDoctor_JSON(t *testing.T) {
	withConfig(t, testConfig(t))

	out, err := execute(t, "doctor", "--json")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(diag.Results) == 0 {
		t.Fatal("no results")
	}
	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			t.Fatalf("check %s failed", r.Name)
		}
	}
}

func TestDoctor_TextReportsFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweep.Schedule = "not a schedule"
	withConfig(t, cfg)

	out, err := execute(t, "doctor")
	if exitCode(err) != 1 {
		t.Fatalf("got exit code %d, want 1", exitCode(err))
	}
	if !strings.Contains(out, "Schedules") || !strings.Contains(out, "❌") {
		t.Fatalf("failure not rendered: %q", out)
	}
}

func TestBoard_JSONWhenNotTerminal(t *testing.T) {
	cfg := testConfig(t)
	withConfig(t, cfg)
	seed(t, cfg, func(ctx context.Context, e *board.Engine) {
		createTask(t, ctx, e, board.CreateInput{Title: "write docs", Status: persistence.TaskStatusReady})
		createTask(t, ctx, e, board.CreateInput{Title: "old work", Status: persistence.TaskStatusDone})
		if _, err := e.ArchiveColumn(ctx, persistence.TaskStatusDone); err != nil {
			t.Fatalf("archive: %v", err)
		}
	})

	out, err := execute(t, "board")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	var snap struct {
		Columns []boardColumn `json:"columns"`
	}
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(snap.Columns) != len(persistence.AllStatuses)-1 {
		t.Fatalf("got %d columns, want archived hidden", len(snap.Columns))
	}
	for _, col := range snap.Columns {
		if col.Status == persistence.TaskStatusReady {
			if col.Count != 1 || len(col.Tasks) != 1 || col.Tasks[0].Title != "write docs" {
				t.Fatalf("ready column: %+v", col)
			}
		}
	}

	out, err = execute(t, "board", "--archived")
	if err != nil {
		t.Fatalf("board --archived: %v", err)
	}
	if !strings.Contains(out, "old work") {
		t.Fatalf("archived task missing: %s", out)
	}
}

func TestRenderBoard(t *testing.T) {
	agent := "agent-7"
	out := renderBoard([]boardColumn{
		{Status: persistence.TaskStatusReady, Count: 3, Tasks: []persistence.Task{{Title: "ship it", Priority: 5}}},
		{Status: persistence.TaskStatusInProgress, Count: 1, Tasks: []persistence.Task{{Title: "fix bug", Priority: 3, ClaimedBy: &agent}}},
	})
	for _, want := range []string{"ready (3)", "in_progress (1)", "ship it", "@agent-7", "+2 more"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncate("a long task title", 6); got != "a lon…" {
		t.Fatalf("got %q", got)
	}
}

func TestSweep_ReleasesExpiredClaims(t *testing.T) {
	cfg := testConfig(t)
	withConfig(t, cfg)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	past := board.New(board.Config{Store: store, Now: func() time.Time { return time.Now().Add(-2 * time.Hour) }})
	ctx := context.Background()
	task := createTask(t, ctx, past, board.CreateInput{Title: "stale", Status: persistence.TaskStatusReady})
	if res, err := past.Claim(ctx, task.ID, "agent-1"); err != nil || !res.OK {
		t.Fatalf("claim: res=%+v err=%v", res, err)
	}
	store.Close()

	out, err := execute(t, "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "released 1 task(s)") {
		t.Fatalf("unexpected output: %q", out)
	}

	out, err = execute(t, "sweep")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if !strings.Contains(out, "released 0 task(s)") {
		t.Fatalf("second sweep should be a no-op: %q", out)
	}
}

func TestArchive(t *testing.T) {
	cfg := testConfig(t)
	withConfig(t, cfg)
	seed(t, cfg, func(ctx context.Context, e *board.Engine) {
		createTask(t, ctx, e, board.CreateInput{Title: "a", Status: persistence.TaskStatusDone})
		createTask(t, ctx, e, board.CreateInput{Title: "b", Status: persistence.TaskStatusDone})
		createTask(t, ctx, e, board.CreateInput{Title: "c", Status: persistence.TaskStatusReady})
	})

	out, err := execute(t, "archive", "DONE")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.Contains(out, "archived 2 task(s) from done") {
		t.Fatalf("unexpected output: %q", out)
	}

	if _, err := execute(t, "archive", "doing"); exitCode(err) != 2 {
		t.Fatalf("got exit code %d for invalid status, want 2", exitCode(err))
	}
	if _, err := execute(t, "archive"); err == nil {
		t.Fatal("expected error without a status argument")
	}
}

func TestUsers_CreateAndList(t *testing.T) {
	withConfig(t, testConfig(t))

	out, err := execute(t, "users", "create", "--email", "ops@example.com", "--password", "correct-horse", "--role", "admin")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "created ops@example.com (admin)") {
		t.Fatalf("unexpected output: %q", out)
	}

	_, err = execute(t, "users", "create", "--email", "ops@example.com", "--password", "correct-horse")
	if exitCode(err) != 1 || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate email: %v", err)
	}

	out, err = execute(t, "users", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "ops@example.com") || !strings.Contains(out, "EMAIL") {
		t.Fatalf("unexpected listing: %q", out)
	}
}

func TestUsers_CreateValidates(t *testing.T) {
	withConfig(t, testConfig(t))

	cases := [][]string{
		{"users", "create", "--email", "not-an-email", "--password", "correct-horse"},
		{"users", "create", "--email", "a@example.com", "--password", "short"},
		{"users", "create", "--email", "a@example.com", "--password", "correct-horse", "--role", "root"},
	}
	for _, args := range cases {
		if _, err := execute(t, args...); exitCode(err) != 2 {
			t.Errorf("%v: got exit code %d, want 2 (err=%v)", args, exitCode(err), err)
		}
	}
	if _, err := execute(t, "users", "create", "--email", "a@example.com"); err == nil {
		t.Fatal("expected missing --password to fail")
	}
}

func TestAudit_ListsDenials(t *testing.T) {
	cfg := testConfig(t)
	withConfig(t, cfg)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	audit.SetDB(store.DB())
	audit.Record(context.Background(), audit.DecisionDeny, "tasks.archive", "role user lacks capability", "v1", "dev@example.com")
	audit.Record(context.Background(), audit.DecisionAllow, "auth.login", "password accepted", "", "ops@example.com")
	audit.SetDB(nil)
	store.Close()

	out, err := execute(t, "audit", "--denied")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "tasks.archive") || strings.Contains(out, "ops@example.com") {
		t.Fatalf("unexpected audit output: %q", out)
	}

	out, err = execute(t, "audit", "--json", "-n", "1")
	if err != nil {
		t.Fatalf("audit --json: %v", err)
	}
	var entries []audit.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode: %v (%q)", err, out)
	}
	if len(entries) != 1 || entries[0].Capability != "auth.login" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestPolicy_GrantRevokeShow(t *testing.T) {
	cfg := testConfig(t)
	withConfig(t, cfg)

	out, err := execute(t, "policy", "revoke", "user", "tasks.archive")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !strings.HasPrefix(out, "revoke user tasks.archive (policy-") {
		t.Fatalf("unexpected output: %q", out)
	}
	p, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		t.Fatalf("load written policy: %v", err)
	}
	if p.Allow("user", policy.CapTasksArchive) || !p.Allow("admin", policy.CapTasksArchive) {
		t.Fatal("policy.yaml not updated as expected")
	}

	if _, err := execute(t, "policy", "grant", "user", "tasks.archive"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	out, err = execute(t, "policy", "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "tasks.archive") || !strings.Contains(out, "admin") {
		t.Fatalf("unexpected show output: %q", out)
	}

	if _, err := execute(t, "policy", "grant", "root", "tasks.read"); exitCode(err) != 2 {
		t.Fatalf("unknown role: exit %d (%v)", exitCode(err), err)
	}
}
