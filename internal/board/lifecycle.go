package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskboard/internal/bus"
	"github.com/basket/taskboard/internal/metrics"
	otelPkg "github.com/basket/taskboard/internal/otel"
	"github.com/basket/taskboard/internal/persistence"
)

// ErrInvalidStatus is returned by ArchiveColumn for an unknown column.
var ErrInvalidStatus = errors.New("invalid status")

// Claim moves a ready, unclaimed task to in_progress for agentID. Of any
// number of concurrent claims on one task exactly one succeeds.
func (e *Engine) Claim(ctx context.Context, taskID, agentID string) (res Result, err error) {
	ctx, done := e.track(ctx, "claim", taskID, agentID)
	defer func() { done(&res, err) }()

	if agentID == "" {
		return fail(KindValidationFailed, "agent_id: required"), nil
	}

	now := e.clock()
	err = e.store.InTx(ctx, func(tx *persistence.Store) error {
		n, err := tx.ConditionalUpdate(ctx, taskID,
			persistence.TaskMatch{Status: persistence.TaskStatusReady, Unclaimed: true},
			persistence.TaskUpdate{
				Status:    persistence.Val(persistence.TaskStatusInProgress),
				ClaimedBy: persistence.Val(agentID),
				ClaimedAt: persistence.Val(now),
				UpdatedAt: now,
			})
		if err != nil {
			return err
		}
		if n == 0 {
			res, err = classifyClaim(ctx, tx, taskID)
			return err
		}
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := e.logActivity(ctx, tx, persistence.ActivityTaskClaimed, agentID, task, nil); err != nil {
			return err
		}
		res = ok(task)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("claim task: %w", err)
	}
	if res.OK {
		e.emit([]event{{bus.TopicTaskClaimed, agentPayload(res.Task, agentID)}})
		e.logger.Info("task claimed", "task_id", taskID, "agent_id", agentID)
	}
	return res, nil
}

// classifyClaim explains why the claim predicate matched nothing. A task
// someone else holds is a conflict; any other non-ready status is an
// invalid state.
func classifyClaim(ctx context.Context, tx *persistence.Store, taskID string) (Result, error) {
	task, err := tx.GetTask(ctx, taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return fail(KindNotFound, "Task not found"), nil
	}
	if err != nil {
		return Result{}, err
	}
	held := task.Status == persistence.TaskStatusInProgress || task.Status == persistence.TaskStatusReady
	if held && task.ClaimedBy != nil {
		return fail(KindConflict, "Task already claimed by "+*task.ClaimedBy), nil
	}
	if task.Status == persistence.TaskStatusReady {
		return fail(KindConflict, "Task changed concurrently"), nil
	}
	return fail(KindInvalidState, fmt.Sprintf("Task is not ready (status: %s)", task.Status)), nil
}

// classifyOwned explains why an in_progress-and-owned predicate matched
// nothing.
func classifyOwned(ctx context.Context, tx *persistence.Store, taskID, agentID string) (Result, error) {
	task, err := tx.GetTask(ctx, taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return fail(KindNotFound, "Task not found"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if task.ClaimedBy == nil || *task.ClaimedBy != agentID {
		return fail(KindNotAuthorized, "You are not the claiming agent"), nil
	}
	if task.Status != persistence.TaskStatusInProgress {
		return fail(KindInvalidState, fmt.Sprintf("Task is not in progress (status: %s)", task.Status)), nil
	}
	return fail(KindConflict, "Task changed concurrently"), nil
}

func ownedBy(agentID string) persistence.TaskMatch {
	return persistence.TaskMatch{Status: persistence.TaskStatusInProgress, ClaimedBy: &agentID}
}

// completeTx marks the task done inside tx and logs task_completed.
func (e *Engine) completeTx(ctx context.Context, tx *persistence.Store, taskID, agentID string, output json.RawMessage, usage *Usage) (Result, error) {
	now := e.clock()
	upd := persistence.TaskUpdate{
		Status:    persistence.Val(persistence.TaskStatusDone),
		Output:    persistence.Null[json.RawMessage](),
		UpdatedAt: now,
	}
	if hasOutput(output) {
		upd.Output = persistence.Val(output)
	}
	if usage != nil {
		upd.UsageInputTokens = persistence.Val(usage.InputTokens)
		upd.UsageOutputTokens = persistence.Val(usage.OutputTokens)
		upd.UsageModel = persistence.Val(usage.Model)
		upd.UsageCostUSD = persistence.Null[float64]()
		if cost := e.costFor(usage); cost != nil {
			upd.UsageCostUSD = persistence.Val(*cost)
		}
	}

	n, err := tx.ConditionalUpdate(ctx, taskID, ownedBy(agentID), upd)
	if err != nil {
		return Result{}, err
	}
	if n == 0 {
		return classifyOwned(ctx, tx, taskID, agentID)
	}
	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if err := e.logActivity(ctx, tx, persistence.ActivityTaskCompleted, agentID, task, map[string]any{
		"has_output": hasOutput(output),
	}); err != nil {
		return Result{}, err
	}
	return ok(task), nil
}

// Complete finishes a task the agent holds, recording output and usage.
func (e *Engine) Complete(ctx context.Context, taskID, agentID string, in CompleteInput) (res Result, err error) {
	ctx, done := e.track(ctx, "complete", taskID, agentID)
	defer func() { done(&res, err) }()

	if agentID == "" {
		return fail(KindValidationFailed, "agent_id: required"), nil
	}
	if msg := checkOutput(in.Output); msg != "" {
		return fail(KindValidationFailed, msg), nil
	}
	if msg := checkUsage(in.Usage); msg != "" {
		return fail(KindValidationFailed, msg), nil
	}

	err = e.store.InTx(ctx, func(tx *persistence.Store) error {
		var err error
		res, err = e.completeTx(ctx, tx, taskID, agentID, in.Output, in.Usage)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("complete task: %w", err)
	}
	if !res.OK {
		return res, nil
	}
	if in.Usage != nil && e.otelMetrics != nil {
		e.otelMetrics.TokensRecorded.Add(ctx, in.Usage.InputTokens+in.Usage.OutputTokens,
			metric.WithAttributes(otelPkg.AttrModel.String(in.Usage.Model)))
	}
	e.emit([]event{{bus.TopicTaskCompleted, agentPayload(res.Task, agentID)}})
	e.logger.Info("task completed", "task_id", taskID, "agent_id", agentID, "has_output", hasOutput(in.Output))
	return res, nil
}

// Block parks a task the agent holds with a reason.
func (e *Engine) Block(ctx context.Context, taskID, agentID, reason string) (res Result, err error) {
	ctx, done := e.track(ctx, "block", taskID, agentID)
	defer func() { done(&res, err) }()

	if agentID == "" {
		return fail(KindValidationFailed, "agent_id: required"), nil
	}
	if reason == "" {
		return fail(KindValidationFailed, "reason: required"), nil
	}

	now := e.clock()
	err = e.store.InTx(ctx, func(tx *persistence.Store) error {
		n, err := tx.ConditionalUpdate(ctx, taskID, ownedBy(agentID), persistence.TaskUpdate{
			Status:        persistence.Val(persistence.TaskStatusBlocked),
			BlockedReason: persistence.Val(reason),
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		if n == 0 {
			res, err = classifyOwned(ctx, tx, taskID, agentID)
			return err
		}
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := e.logActivity(ctx, tx, persistence.ActivityTaskBlocked, agentID, task, map[string]any{
			"reason": reason,
		}); err != nil {
			return err
		}
		res = ok(task)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("block task: %w", err)
	}
	if res.OK {
		e.emit([]event{{bus.TopicTaskBlocked, map[string]any{"task": res.Task, "agentId": agentID, "reason": reason}}})
		e.logger.Info("task blocked", "task_id", taskID, "agent_id", agentID)
	}
	return res, nil
}

// Handoff completes the task and creates its successor in one transaction.
// The successor defaults to ready, is created by agentID and points back at
// taskID. If the completion is rejected nothing is written.
func (e *Engine) Handoff(ctx context.Context, taskID, agentID string, in HandoffInput) (res Result, err error) {
	ctx, done := e.track(ctx, "handoff", taskID, agentID)
	defer func() { done(&res, err) }()

	if agentID == "" {
		return fail(KindValidationFailed, "agent_id: required"), nil
	}
	if msg := checkOutput(in.Output); msg != "" {
		return fail(KindValidationFailed, msg), nil
	}
	next := in.NextTask
	next.CreatedBy = agentID
	parent := taskID
	next.ParentTaskID = &parent
	if next.Status == "" {
		next.Status = persistence.TaskStatusReady
	}
	if msg := checkCreate(next); msg != "" {
		return fail(KindValidationFailed, "next_task."+msg), nil
	}

	successor := e.buildTask(next)
	err = e.store.InTx(ctx, func(tx *persistence.Store) error {
		completed, err := e.completeTx(ctx, tx, taskID, agentID, in.Output, nil)
		if err != nil || !completed.OK {
			res = completed
			return err
		}
		if err := e.logActivity(ctx, tx, persistence.ActivityTaskHandoff, agentID, completed.Task, map[string]any{
			"next_task_id": successor.ID,
		}); err != nil {
			return err
		}
		if err := e.insertTx(ctx, tx, successor); err != nil {
			return err
		}
		res = Result{OK: true, Task: completed.Task, Next: successor}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("handoff task: %w", err)
	}
	if res.OK {
		e.emit([]event{
			{bus.TopicTaskCompleted, agentPayload(res.Task, agentID)},
			{bus.TopicTaskCreated, taskPayload(res.Next)},
		})
		e.logger.Info("task handed off", "task_id", taskID, "agent_id", agentID, "next_task_id", successor.ID)
	}
	return res, nil
}

// ReleaseTimedOut returns every in_progress task whose claim is older than
// its timeout to ready. Each release re-checks the claim it observed, so a
// completion or re-claim that lands first is left alone. Safe to call
// repeatedly.
func (e *Engine) ReleaseTimedOut(ctx context.Context) (released int, err error) {
	ctx, done := e.track(ctx, "release", "", persistence.SystemActor)
	defer func() { done(nil, err) }()

	now := e.clock()
	claimed, err := e.store.ListClaimedInProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("release timed out: %w", err)
	}
	for _, ct := range claimed {
		if now.Sub(ct.ClaimedAt) <= time.Duration(ct.TimeoutMinutes)*time.Minute {
			continue
		}
		task, err := e.releaseOne(ctx, ct, now)
		if err != nil {
			return released, fmt.Errorf("release task %s: %w", ct.ID, err)
		}
		if task == nil {
			continue
		}
		released++
		metrics.TasksReleased.Inc()
		if e.otelMetrics != nil {
			e.otelMetrics.TasksReleased.Add(ctx, 1)
		}
		e.emit([]event{{bus.TopicTaskUpdated, taskPayload(task)}})
		e.logger.Info("task released", "task_id", ct.ID, "previous_agent", ct.ClaimedBy,
			"claimed_at", persistence.FormatTime(ct.ClaimedAt), "timeout_minutes", ct.TimeoutMinutes)
	}
	return released, nil
}

func (e *Engine) releaseOne(ctx context.Context, ct persistence.ClaimedTask, now time.Time) (*persistence.Task, error) {
	claimedAt := ct.ClaimedAt
	match := persistence.TaskMatch{Status: persistence.TaskStatusInProgress, ClaimedAt: &claimedAt}
	var previous any
	if ct.ClaimedBy == "" {
		match.Unclaimed = true
	} else {
		prev := ct.ClaimedBy
		match.ClaimedBy = &prev
		previous = prev
	}

	var task *persistence.Task
	err := e.store.InTx(ctx, func(tx *persistence.Store) error {
		n, err := tx.ConditionalUpdate(ctx, ct.ID, match, persistence.TaskUpdate{
			Status:    persistence.Val(persistence.TaskStatusReady),
			ClaimedBy: persistence.Null[string](),
			ClaimedAt: persistence.Null[time.Time](),
			UpdatedAt: now,
		})
		if err != nil || n == 0 {
			return err
		}
		if task, err = tx.GetTask(ctx, ct.ID); err != nil {
			return err
		}
		return e.logActivity(ctx, tx, persistence.ActivityTaskReleased, persistence.SystemActor, task, map[string]any{
			"reason":         "timeout",
			"previous_agent": previous,
		})
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ArchiveColumn moves every task in status to archived and returns how many
// moved.
func (e *Engine) ArchiveColumn(ctx context.Context, status persistence.TaskStatus) (count int64, err error) {
	ctx, done := e.track(ctx, "archive", "", "")
	defer func() { done(nil, err) }()

	if !status.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	count, err = e.store.BulkUpdate(ctx,
		persistence.TaskMatch{Status: status},
		persistence.TaskUpdate{Status: persistence.Val(persistence.TaskStatusArchived), UpdatedAt: e.clock()})
	if err != nil {
		return 0, fmt.Errorf("archive column: %w", err)
	}
	metrics.TasksArchived.Add(float64(count))
	e.emit([]event{{bus.TopicTasksArchived, map[string]any{"status": status, "count": count}}})
	e.logger.Info("column archived", "status", status, "count", count)
	return count, nil
}
