package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type ActivityType string

const (
	ActivityTaskCreated   ActivityType = "task_created"
	ActivityTaskClaimed   ActivityType = "task_claimed"
	ActivityTaskCompleted ActivityType = "task_completed"
	ActivityTaskBlocked   ActivityType = "task_blocked"
	ActivityTaskUnblocked ActivityType = "task_unblocked"
	ActivityTaskHandoff   ActivityType = "task_handoff"
	ActivityTaskUpdated   ActivityType = "task_updated"
	ActivityTaskDeleted   ActivityType = "task_deleted"
	ActivityTaskReleased  ActivityType = "task_released"
)

var activityTypes = map[ActivityType]struct{}{
	ActivityTaskCreated: {}, ActivityTaskClaimed: {}, ActivityTaskCompleted: {},
	ActivityTaskBlocked: {}, ActivityTaskUnblocked: {}, ActivityTaskHandoff: {},
	ActivityTaskUpdated: {}, ActivityTaskDeleted: {}, ActivityTaskReleased: {},
}

// Valid reports whether t is a known activity type.
func (t ActivityType) Valid() bool {
	_, ok := activityTypes[t]
	return ok
}

// SystemActor is the agent_id recorded for automated actions.
const SystemActor = "system"

// Activity is an append-only board event.
type Activity struct {
	ID        string         `json:"id"`
	Type      ActivityType   `json:"type"`
	AgentID   string         `json:"agent_id"`
	TaskID    *string        `json:"task_id,omitempty"`
	TaskTitle *string        `json:"task_title,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AppendActivity inserts a. ID and CreatedAt must already be set.
func (s *Store) AppendActivity(ctx context.Context, a *Activity) error {
	var details sql.NullString
	if a.Details != nil {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("encode activity details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	if _, err := s.exec(ctx, `
		INSERT INTO activities (id, type, agent_id, task_id, task_title, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, a.ID, string(a.Type), a.AgentID, nullString(a.TaskID), nullString(a.TaskTitle), details, FormatTime(a.CreatedAt)); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ActivityQuery filters the feed. Since is exclusive.
type ActivityQuery struct {
	AgentID string
	TaskID  string
	Type    ActivityType
	Since   *time.Time
	Limit   int
	Offset  int
}

const DefaultActivityLimit = 50

func (q ActivityQuery) where() (string, []any) {
	var clauses []string
	var args []any
	if q.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.Since != nil {
		clauses = append(clauses, "created_at > ?")
		args = append(args, FormatTime(*q.Since))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListActivities returns the feed, newest first.
func (s *Store) ListActivities(ctx context.Context, q ActivityQuery) ([]Activity, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	where, args := q.where()
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, type, agent_id, task_id, task_title, details, created_at
		FROM activities`+where+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	out := []Activity{}
	for rows.Next() {
		var (
			a                         Activity
			taskID, taskTitle, detail sql.NullString
			createdAt                 string
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.AgentID, &taskID, &taskTitle, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.TaskID = stringPtr(taskID)
		a.TaskTitle = stringPtr(taskTitle)
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &a.Details); err != nil {
				return nil, fmt.Errorf("decode activity details: %w", err)
			}
		}
		if a.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActivities counts rows matching the filters of q. Limit and Offset
// are ignored.
func (s *Store) CountActivities(ctx context.Context, q ActivityQuery) (int, error) {
	where, args := q.where()
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM activities`+where+`;`, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return n, nil
}
