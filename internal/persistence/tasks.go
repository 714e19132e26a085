package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusArchived   TaskStatus = "archived"
)

// AllStatuses lists the board columns in display order.
var AllStatuses = []TaskStatus{
	TaskStatusBacklog,
	TaskStatusReady,
	TaskStatusInProgress,
	TaskStatusReview,
	TaskStatusDone,
	TaskStatusBlocked,
	TaskStatusArchived,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type Task struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Description       *string         `json:"description"`
	Status            TaskStatus      `json:"status"`
	Priority          int             `json:"priority"`
	SkillsRequired    []string        `json:"skills_required"`
	ClaimedBy         *string         `json:"claimed_by"`
	ClaimedAt         *time.Time      `json:"claimed_at"`
	TimeoutMinutes    int             `json:"timeout_minutes"`
	ParentTaskID      *string         `json:"parent_task_id"`
	Output            json.RawMessage `json:"output"`
	BlockedReason     *string         `json:"blocked_reason"`
	DueDate           *string         `json:"due_date"`
	UsageInputTokens  *int64          `json:"usage_input_tokens"`
	UsageOutputTokens *int64          `json:"usage_output_tokens"`
	UsageModel        *string         `json:"usage_model"`
	UsageCostUSD      *float64        `json:"usage_cost_usd"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Nullable is an optional column assignment in a TaskUpdate. The zero value
// leaves the column untouched.
type Nullable[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Val assigns v.
func Val[T any](v T) Nullable[T] { return Nullable[T]{Set: true, Value: v} }

// Null assigns SQL NULL.
func Null[T any]() Nullable[T] { return Nullable[T]{Set: true, Null: true} }

// UnmarshalJSON marks the field as set. A JSON null becomes a NULL
// assignment; an absent key never reaches here and stays unset.
func (n *Nullable[T]) UnmarshalJSON(b []byte) error {
	n.Set = true
	if string(b) == "null" {
		n.Null = true
		return nil
	}
	return json.Unmarshal(b, &n.Value)
}

// Any returns nil for NULL and the value otherwise.
func (n Nullable[T]) Any() any {
	if n.Null {
		return nil
	}
	return n.Value
}

// TaskMatch is the row predicate of a conditional update. Every non-zero
// field must hold for the row to be written.
type TaskMatch struct {
	Status    TaskStatus
	ClaimedBy *string
	Unclaimed bool
	ClaimedAt *time.Time
}

func (m TaskMatch) where() ([]string, []any) {
	var clauses []string
	var args []any
	if m.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(m.Status))
	}
	if m.Unclaimed {
		clauses = append(clauses, "claimed_by IS NULL")
	}
	if m.ClaimedBy != nil {
		clauses = append(clauses, "claimed_by = ?")
		args = append(args, *m.ClaimedBy)
	}
	if m.ClaimedAt != nil {
		clauses = append(clauses, "claimed_at = ?")
		args = append(args, FormatTime(*m.ClaimedAt))
	}
	return clauses, args
}

func (m TaskMatch) empty() bool {
	return m.Status == "" && !m.Unclaimed && m.ClaimedBy == nil && m.ClaimedAt == nil
}

// TaskUpdate lists the columns a write assigns. updated_at is always bumped.
type TaskUpdate struct {
	Title             Nullable[string]
	Description       Nullable[string]
	Status            Nullable[TaskStatus]
	Priority          Nullable[int]
	SkillsRequired    Nullable[[]string]
	ClaimedBy         Nullable[string]
	ClaimedAt         Nullable[time.Time]
	TimeoutMinutes    Nullable[int]
	Output            Nullable[json.RawMessage]
	BlockedReason     Nullable[string]
	DueDate           Nullable[string]
	UsageInputTokens  Nullable[int64]
	UsageOutputTokens Nullable[int64]
	UsageModel        Nullable[string]
	UsageCostUSD      Nullable[float64]
	UpdatedAt         time.Time
}

func assign[T any](sets *[]string, args *[]any, column string, f Nullable[T], conv func(T) (any, error)) error {
	if !f.Set {
		return nil
	}
	*sets = append(*sets, column+" = ?")
	if f.Null {
		*args = append(*args, nil)
		return nil
	}
	v, err := conv(f.Value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", column, err)
	}
	*args = append(*args, v)
	return nil
}

func same[T any](v T) (any, error) { return v, nil }

func (u TaskUpdate) assignments() ([]string, []any, error) {
	var sets []string
	var args []any
	steps := []func() error{
		func() error { return assign(&sets, &args, "title", u.Title, same[string]) },
		func() error { return assign(&sets, &args, "description", u.Description, same[string]) },
		func() error {
			return assign(&sets, &args, "status", u.Status, func(s TaskStatus) (any, error) { return string(s), nil })
		},
		func() error { return assign(&sets, &args, "priority", u.Priority, same[int]) },
		func() error { return assign(&sets, &args, "skills_required", u.SkillsRequired, encodeSkills) },
		func() error { return assign(&sets, &args, "claimed_by", u.ClaimedBy, same[string]) },
		func() error {
			return assign(&sets, &args, "claimed_at", u.ClaimedAt, func(t time.Time) (any, error) { return FormatTime(t), nil })
		},
		func() error { return assign(&sets, &args, "timeout_minutes", u.TimeoutMinutes, same[int]) },
		func() error { return assign(&sets, &args, "output", u.Output, encodeOutput) },
		func() error { return assign(&sets, &args, "blocked_reason", u.BlockedReason, same[string]) },
		func() error { return assign(&sets, &args, "due_date", u.DueDate, same[string]) },
		func() error { return assign(&sets, &args, "usage_input_tokens", u.UsageInputTokens, same[int64]) },
		func() error { return assign(&sets, &args, "usage_output_tokens", u.UsageOutputTokens, same[int64]) },
		func() error { return assign(&sets, &args, "usage_model", u.UsageModel, same[string]) },
		func() error { return assign(&sets, &args, "usage_cost_usd", u.UsageCostUSD, same[float64]) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, nil, err
		}
	}
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, FormatTime(updatedAt))
	return sets, args, nil
}

func encodeSkills(skills []string) (any, error) {
	if skills == nil {
		skills = []string{}
	}
	b, err := json.Marshal(skills)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func encodeOutput(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("output is not valid JSON")
	}
	return string(raw), nil
}

const taskColumns = `id, title, description, status, priority, skills_required,
	claimed_by, claimed_at, timeout_minutes, parent_task_id, output, blocked_reason,
	due_date, usage_input_tokens, usage_output_tokens, usage_model, usage_cost_usd,
	created_by, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		description, claimedBy, claimedAt    sql.NullString
		parentID, output, blockedReason      sql.NullString
		dueDate, usageModel, skills          sql.NullString
		usageIn, usageOut                    sql.NullInt64
		usageCost                            sql.NullFloat64
		createdAt, updatedAt                 string
	)
	if err := scanFn(
		&task.ID,
		&task.Title,
		&description,
		&task.Status,
		&task.Priority,
		&skills,
		&claimedBy,
		&claimedAt,
		&task.TimeoutMinutes,
		&parentID,
		&output,
		&blockedReason,
		&dueDate,
		&usageIn,
		&usageOut,
		&usageModel,
		&usageCost,
		&task.CreatedBy,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	task.Description = stringPtr(description)
	task.ClaimedBy = stringPtr(claimedBy)
	task.ParentTaskID = stringPtr(parentID)
	task.BlockedReason = stringPtr(blockedReason)
	task.DueDate = stringPtr(dueDate)
	task.UsageModel = stringPtr(usageModel)

	task.SkillsRequired = []string{}
	if skills.Valid && skills.String != "" {
		if err := json.Unmarshal([]byte(skills.String), &task.SkillsRequired); err != nil {
			return fmt.Errorf("decode skills_required: %w", err)
		}
	}
	task.Output = nil
	if output.Valid {
		task.Output = json.RawMessage(output.String)
	}
	task.ClaimedAt = nil
	if claimedAt.Valid {
		t, err := ParseTime(claimedAt.String)
		if err != nil {
			return err
		}
		task.ClaimedAt = &t
	}
	task.UsageInputTokens, task.UsageOutputTokens, task.UsageCostUSD = nil, nil, nil
	if usageIn.Valid {
		v := usageIn.Int64
		task.UsageInputTokens = &v
	}
	if usageOut.Valid {
		v := usageOut.Int64
		task.UsageOutputTokens = &v
	}
	if usageCost.Valid {
		v := usageCost.Float64
		task.UsageCostUSD = &v
	}
	var err error
	if task.CreatedAt, err = ParseTime(createdAt); err != nil {
		return err
	}
	if task.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return err
	}
	return nil
}

// InsertTask writes a new task row.
func (s *Store) InsertTask(ctx context.Context, task *Task) error {
	skills, err := encodeSkills(task.SkillsRequired)
	if err != nil {
		return fmt.Errorf("encode skills_required: %w", err)
	}
	output, err := encodeOutput(task.Output)
	if err != nil {
		return err
	}
	var claimedAt sql.NullString
	if task.ClaimedAt != nil {
		claimedAt = sql.NullString{String: FormatTime(*task.ClaimedAt), Valid: true}
	}
	_, err = s.exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		task.ID, task.Title, nullString(task.Description), string(task.Status), task.Priority, skills,
		nullString(task.ClaimedBy), claimedAt, task.TimeoutMinutes, nullString(task.ParentTaskID),
		output, nullString(task.BlockedReason), nullString(task.DueDate),
		task.UsageInputTokens, task.UsageOutputTokens, nullString(task.UsageModel), task.UsageCostUSD,
		task.CreatedBy, FormatTime(task.CreatedAt), FormatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads one task. Returns ErrNotFound when the id is unknown.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.q.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ConditionalUpdate applies upd to the task only when match holds for its
// current row, in one UPDATE statement. The returned count is 1 on success
// and 0 when the row is missing or the predicate failed.
func (s *Store) ConditionalUpdate(ctx context.Context, taskID string, match TaskMatch, upd TaskUpdate) (int64, error) {
	sets, args, err := upd.assignments()
	if err != nil {
		return 0, err
	}
	where, whereArgs := match.where()
	where = append([]string{"id = ?"}, where...)
	args = append(args, taskID)
	args = append(args, whereArgs...)

	res, err := s.exec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE `+strings.Join(where, " AND ")+`;`, args...)
	if err != nil {
		return 0, fmt.Errorf("conditional update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("conditional update rows affected: %w", err)
	}
	return n, nil
}

// UpdateTask applies upd unconditionally.
func (s *Store) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (int64, error) {
	return s.ConditionalUpdate(ctx, taskID, TaskMatch{}, upd)
}

// BulkUpdate applies upd to every row matching match. An empty match is
// rejected so a caller bug cannot rewrite the whole table.
func (s *Store) BulkUpdate(ctx context.Context, match TaskMatch, upd TaskUpdate) (int64, error) {
	if match.empty() {
		return 0, errors.New("bulk update requires a predicate")
	}
	sets, args, err := upd.assignments()
	if err != nil {
		return 0, err
	}
	where, whereArgs := match.where()
	args = append(args, whereArgs...)
	res, err := s.exec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE `+strings.Join(where, " AND ")+`;`, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk update tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk update rows affected: %w", err)
	}
	return n, nil
}

// DeleteTask removes the row. Children keep their parent_task_id.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete task rows affected: %w", err)
	}
	return n, nil
}

// TaskQuery filters ListTasks. Skills match when the task requires at least
// one of them.
type TaskQuery struct {
	Status    TaskStatus
	Skills    []string
	ClaimedBy string
	CreatedBy string
	Limit     int
	Offset    int
}

const (
	DefaultTaskLimit = 50
	MaxTaskLimit     = 100
)

// ListTasks returns tasks ordered by priority (high first), then age.
func (s *Store) ListTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTaskLimit
	}
	if limit > MaxTaskLimit {
		limit = MaxTaskLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var where []string
	var args []any
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if len(q.Skills) > 0 {
		marks := make([]string, len(q.Skills))
		for i, skill := range q.Skills {
			marks[i] = "?"
			args = append(args, skill)
		}
		where = append(where, `EXISTS (SELECT 1 FROM json_each(tasks.skills_required) WHERE json_each.value IN (`+strings.Join(marks, ", ")+`))`)
	}
	if q.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, q.ClaimedBy)
	}
	if q.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, q.CreatedBy)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimedTask is the projection the timeout sweep works from.
type ClaimedTask struct {
	ID             string
	Title          string
	ClaimedBy      string
	ClaimedAt      time.Time
	TimeoutMinutes int
}

// ListClaimedInProgress returns every in_progress task that carries a claim.
func (s *Store) ListClaimedInProgress(ctx context.Context) ([]ClaimedTask, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, title, COALESCE(claimed_by, ''), claimed_at, timeout_minutes
		FROM tasks
		WHERE status = ? AND claimed_at IS NOT NULL
		ORDER BY claimed_at ASC;
	`, string(TaskStatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("query claimed tasks: %w", err)
	}
	defer rows.Close()

	var out []ClaimedTask
	for rows.Next() {
		var ct ClaimedTask
		var claimedAt string
		if err := rows.Scan(&ct.ID, &ct.Title, &ct.ClaimedBy, &claimedAt, &ct.TimeoutMinutes); err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		if ct.ClaimedAt, err = ParseTime(claimedAt); err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of tasks in each column. Columns with no
// tasks are present with zero.
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	counts := make(map[TaskStatus]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
