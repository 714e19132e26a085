package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskboard/internal/bus"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/google/uuid"
)

func (e *Engine) buildTask(in CreateInput) *persistence.Task {
	now := e.clock()
	status := in.Status
	if status == "" {
		status = persistence.TaskStatusBacklog
	}
	priority := defaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	timeout := defaultTimeoutMinutes
	if in.TimeoutMinutes != nil {
		timeout = *in.TimeoutMinutes
	}
	skills := in.SkillsRequired
	if skills == nil {
		skills = []string{}
	}
	return &persistence.Task{
		ID:             uuid.NewString(),
		Title:          in.Title,
		Description:    in.Description,
		Status:         status,
		Priority:       priority,
		SkillsRequired: skills,
		TimeoutMinutes: timeout,
		ParentTaskID:   in.ParentTaskID,
		DueDate:        in.DueDate,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (e *Engine) insertTx(ctx context.Context, tx *persistence.Store, task *persistence.Task) error {
	if err := tx.InsertTask(ctx, task); err != nil {
		return err
	}
	return e.logActivity(ctx, tx, persistence.ActivityTaskCreated, task.CreatedBy, task, map[string]any{
		"status":          task.Status,
		"priority":        task.Priority,
		"skills_required": task.SkillsRequired,
	})
}

// Create inserts a new task. Status defaults to backlog.
func (e *Engine) Create(ctx context.Context, in CreateInput) (res Result, err error) {
	ctx, done := e.track(ctx, "create", "", in.CreatedBy)
	defer func() { done(&res, err) }()

	if msg := checkCreate(in); msg != "" {
		return fail(KindValidationFailed, msg), nil
	}
	task := e.buildTask(in)
	if err := e.store.InTx(ctx, func(tx *persistence.Store) error {
		return e.insertTx(ctx, tx, task)
	}); err != nil {
		return Result{}, fmt.Errorf("create task: %w", err)
	}
	e.emit([]event{{bus.TopicTaskCreated, taskPayload(task)}})
	e.logger.Info("task created", "task_id", task.ID, "status", task.Status, "created_by", task.CreatedBy)
	return ok(task), nil
}

// Get returns persistence.ErrNotFound for an unknown id.
func (e *Engine) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

func (e *Engine) List(ctx context.Context, q persistence.TaskQuery) ([]persistence.Task, error) {
	return e.store.ListTasks(ctx, q)
}

func isReleaseStatus(s persistence.TaskStatus) bool {
	return s == persistence.TaskStatusReady || s == persistence.TaskStatusBacklog
}

// UpdateFields applies a partial edit without any claim or transition
// guard. Moving a task to ready or backlog always drops its claim, and a
// task that ends up outside blocked never keeps a blocked_reason. An empty
// actorID is recorded as the system actor.
func (e *Engine) UpdateFields(ctx context.Context, taskID string, in UpdateInput, actorID string) (res Result, err error) {
	if actorID == "" {
		actorID = persistence.SystemActor
	}
	ctx, done := e.track(ctx, "update", taskID, actorID)
	defer func() { done(&res, err) }()

	if msg := checkUpdate(in); msg != "" {
		return fail(KindValidationFailed, msg), nil
	}

	now := e.clock()
	err = e.store.InTx(ctx, func(tx *persistence.Store) error {
		existing, err := tx.GetTask(ctx, taskID)
		if errors.Is(err, persistence.ErrNotFound) {
			res = fail(KindNotFound, "Task not found")
			return nil
		}
		if err != nil {
			return err
		}

		upd := persistence.TaskUpdate{
			Title:          in.Title,
			Description:    in.Description,
			Status:         in.Status,
			Priority:       in.Priority,
			SkillsRequired: in.SkillsRequired,
			TimeoutMinutes: in.TimeoutMinutes,
			BlockedReason:  in.BlockedReason,
			DueDate:        in.DueDate,
			UpdatedAt:      now,
		}
		if in.Status.Set && isReleaseStatus(in.Status.Value) {
			upd.ClaimedBy = persistence.Null[string]()
			upd.ClaimedAt = persistence.Null[time.Time]()
		}
		status := existing.Status
		if in.Status.Set {
			status = in.Status.Value
		}
		if status != persistence.TaskStatusBlocked {
			upd.BlockedReason = persistence.Null[string]()
		}
		if _, err := tx.UpdateTask(ctx, taskID, upd); err != nil {
			return err
		}
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}

		if err := e.logActivity(ctx, tx, persistence.ActivityTaskUpdated, actorID, task, map[string]any{
			"changes":     in.changes(),
			"from_status": existing.Status,
			"to_status":   task.Status,
		}); err != nil {
			return err
		}
		if existing.Status == persistence.TaskStatusBlocked && isReleaseStatus(task.Status) {
			details := map[string]any{"to_status": task.Status}
			if existing.BlockedReason != nil {
				details["previous_reason"] = *existing.BlockedReason
			}
			if err := e.logActivity(ctx, tx, persistence.ActivityTaskUnblocked, actorID, task, details); err != nil {
				return err
			}
		}
		res = ok(task)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("update task: %w", err)
	}
	if res.OK {
		e.emit([]event{{bus.TopicTaskUpdated, taskPayload(res.Task)}})
	}
	return res, nil
}

// changes is the activity record of what the caller asked for.
func (in UpdateInput) changes() map[string]any {
	out := map[string]any{}
	add := func(key string, set bool, v any) {
		if set {
			out[key] = v
		}
	}
	add("title", in.Title.Set, in.Title.Any())
	add("description", in.Description.Set, in.Description.Any())
	add("status", in.Status.Set, in.Status.Any())
	add("priority", in.Priority.Set, in.Priority.Any())
	add("skills_required", in.SkillsRequired.Set, in.SkillsRequired.Any())
	add("timeout_minutes", in.TimeoutMinutes.Set, in.TimeoutMinutes.Any())
	add("blocked_reason", in.BlockedReason.Set, in.BlockedReason.Any())
	add("due_date", in.DueDate.Set, in.DueDate.Any())
	return out
}

// Delete removes the task. Children keep their parent_task_id.
func (e *Engine) Delete(ctx context.Context, taskID, actorID string) (res Result, err error) {
	if actorID == "" {
		actorID = persistence.SystemActor
	}
	ctx, done := e.track(ctx, "delete", taskID, actorID)
	defer func() { done(&res, err) }()

	err = e.store.InTx(ctx, func(tx *persistence.Store) error {
		existing, err := tx.GetTask(ctx, taskID)
		if errors.Is(err, persistence.ErrNotFound) {
			res = fail(KindNotFound, "Task not found")
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.DeleteTask(ctx, taskID); err != nil {
			return err
		}
		if err := e.logActivity(ctx, tx, persistence.ActivityTaskDeleted, actorID, existing, nil); err != nil {
			return err
		}
		res = ok(existing)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("delete task: %w", err)
	}
	if res.OK {
		e.emit([]event{{bus.TopicTaskDeleted, map[string]any{"taskId": taskID}}})
		e.logger.Info("task deleted", "task_id", taskID, "actor", actorID)
	}
	return res, nil
}
