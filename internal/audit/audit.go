// Package audit keeps the record of access decisions: every denied
// capability check, every login and setup attempt, and fatal startup
// failures. Entries go to logs/audit.jsonl under the home directory and,
// once a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskboard/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionFatal = "fatal"
)

// Entry is one audit record as written to the JSONL file.
type Entry struct {
	Time          time.Time `json:"timestamp"`
	TraceID       string    `json:"trace_id"`
	Decision      string    `json:"decision"`
	Capability    string    `json:"capability"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	Subject       string    `json:"subject,omitempty"`
}

// sinks is the process-wide destination set. Record is called from
// request handlers on many goroutines, so writes are serialized.
type sinks struct {
	mu  sync.Mutex
	out *os.File
	enc *json.Encoder
	db  *sql.DB
}

var (
	dest   sinks
	denied atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending. Calling it again
// while a file is open does nothing.
func Init(homeDir string) error {
	dest.mu.Lock()
	defer dest.mu.Unlock()
	if dest.out != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	dest.out = f
	dest.enc = json.NewEncoder(f)
	return nil
}

// SetDB attaches the database mirror. nil detaches it.
func SetDB(db *sql.DB) {
	dest.mu.Lock()
	dest.db = db
	dest.mu.Unlock()
}

// Close detaches the database and closes the file.
func Close() error {
	dest.mu.Lock()
	defer dest.mu.Unlock()
	dest.db = nil
	if dest.out == nil {
		return nil
	}
	err := dest.out.Close()
	dest.out, dest.enc = nil, nil
	return err
}

// DenyCount returns how many deny decisions were recorded since startup.
func DenyCount() int64 { return denied.Load() }

// Record writes one decision. reason and subject pass through
// shared.Redact first. Failures to write are swallowed: auditing never
// fails the request that triggered it.
func Record(ctx context.Context, decision, capability, reason, policyVersion, subject string) {
	if decision == DecisionDeny {
		denied.Add(1)
	}
	e := Entry{
		Time:          time.Now().UTC(),
		TraceID:       shared.TraceID(ctx),
		Decision:      decision,
		Capability:    capability,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	}

	dest.mu.Lock()
	defer dest.mu.Unlock()
	if dest.enc != nil {
		_ = dest.enc.Encode(e)
	}
	if dest.db != nil {
		_, _ = dest.db.ExecContext(context.WithoutCancel(ctx),
			`INSERT INTO audit_log (trace_id, subject, capability, decision, reason, policy_version) VALUES (?, ?, ?, ?, ?, ?)`,
			e.TraceID, e.Subject, e.Capability, e.Decision, e.Reason, e.PolicyVersion)
	}
}

// Query filters Recent. Zero fields match everything.
type Query struct {
	Decision   string
	Capability string
	Limit      int
}

// Recent reads the newest audit_log rows first.
func Recent(ctx context.Context, db *sql.DB, q Query) ([]Entry, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT created_at, COALESCE(trace_id, ''), decision, capability,
		       COALESCE(reason, ''), COALESCE(policy_version, ''), COALESCE(subject, '')
		FROM audit_log
		WHERE (? = '' OR decision = ?) AND (? = '' OR capability = ?)
		ORDER BY id DESC
		LIMIT ?`,
		q.Decision, q.Decision, q.Capability, q.Capability, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Time, &e.TraceID, &e.Decision, &e.Capability, &e.Reason, &e.PolicyVersion, &e.Subject); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
