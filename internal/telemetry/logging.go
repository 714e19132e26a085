// Package telemetry builds the process logger: JSON lines to
// <home>/logs/system.jsonl, mirrored to stdout unless quiet, with
// credentials masked on the way out.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskboard/internal/shared"
)

// SystemLogName is the file under <home>/logs written by NewLogger.
const SystemLogName = "system.jsonl"

// NewLogger opens the system log. The handler reads its threshold from
// level on every record, so SetLevel takes effect without a restart.
// The returned Closer closes the log file.
func NewLogger(homeDir string, level *slog.LevelVar, quiet bool) (*slog.Logger, io.Closer, error) {
	f, err := openLogFile(filepath.Join(homeDir, "logs"))
	if err != nil {
		return nil, nil, err
	}
	if level == nil {
		level = new(slog.LevelVar)
	}

	sink := io.Writer(f)
	if !quiet {
		sink = io.MultiWriter(os.Stdout, f)
	}
	h := slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr})
	return slog.New(h).With("component", "runtime", "trace_id", "-"), f, nil
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, SystemLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open system log: %w", err)
	}
	return f, nil
}

// replaceAttr renames the time key to match the audit trail and masks
// anything that looks like a credential.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if a.Value.Kind() == slog.KindString && strings.Contains(strings.ToLower(a.Value.String()), "authorization:") {
		return slog.String(a.Key, "[REDACTED]")
	}
	return shared.RedactAttr(groups, a)
}

// ParseLevel maps a config log level to slog. Unknown values are info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "debug", "info", "warn", "error":
		if err := l.UnmarshalText([]byte(s)); err == nil {
			return l
		}
	}
	return slog.LevelInfo
}
