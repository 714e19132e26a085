// Package board is the task lifecycle engine. Every transition is a single
// conditional UPDATE against the store; the affected row count decides
// success and a re-read classifies failures. Successful mutations append
// an activity in the same transaction and notify subscribers after commit.
package board

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskboard/internal/bus"
	"github.com/basket/taskboard/internal/metrics"
	otelPkg "github.com/basket/taskboard/internal/otel"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/pricing"
	"github.com/google/uuid"
)

// FailureKind classifies an expected, non-retryable rejection.
type FailureKind string

const (
	KindNotFound         FailureKind = "not_found"
	KindInvalidState     FailureKind = "invalid_state"
	KindNotAuthorized    FailureKind = "not_authorized"
	KindValidationFailed FailureKind = "validation_failed"
	KindConflict         FailureKind = "conflict"
)

// Result is the outcome of a mutating operation. Business failures are
// reported here with OK=false; store failures come back as errors.
type Result struct {
	OK     bool
	Kind   FailureKind
	Reason string
	Task   *persistence.Task
	// Next is the successor created by Handoff.
	Next *persistence.Task
}

func fail(kind FailureKind, reason string) Result {
	return Result{Kind: kind, Reason: reason}
}

func ok(task *persistence.Task) Result {
	return Result{OK: true, Task: task}
}

// Notifier receives board events after the write that produced them has
// committed. *bus.Bus satisfies it.
type Notifier interface {
	Emit(event string, payload any)
}

type Config struct {
	Store    *persistence.Store
	Notifier Notifier
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// Metrics is optional; Prometheus counters are always recorded.
	Metrics *otelPkg.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
	// EstimateMissingCost fills usage_cost_usd from the model catalogue
	// when a completion reports tokens without a cost.
	EstimateMissingCost bool
}

type Engine struct {
	store        *persistence.Store
	notifier     Notifier
	logger       *slog.Logger
	tracer       trace.Tracer
	otelMetrics  *otelPkg.Metrics
	now          func() time.Time
	estimateCost bool
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discard{}
	}
	return &Engine{
		store:        cfg.Store,
		notifier:     notifier,
		logger:       logger.With("component", "board"),
		tracer:       tracer,
		otelMetrics:  cfg.Metrics,
		now:          now,
		estimateCost: cfg.EstimateMissingCost,
	}
}

type discard struct{}

func (discard) Emit(string, any) {}

// clock truncates to the stored precision so returned tasks equal re-reads.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

// event is a notification queued until the surrounding transaction commits.
type event struct {
	name    string
	payload any
}

func (e *Engine) emit(events []event) {
	for _, ev := range events {
		e.notifier.Emit(ev.name, ev.payload)
	}
}

func taskPayload(task *persistence.Task) map[string]any {
	return map[string]any{"task": task}
}

func agentPayload(task *persistence.Task, agentID string) map[string]any {
	return map[string]any{"task": task, "agentId": agentID}
}

// logActivity appends an activity through s, which is normally a
// transaction-bound store.
func (e *Engine) logActivity(ctx context.Context, s *persistence.Store, typ persistence.ActivityType, agentID string, task *persistence.Task, details map[string]any) error {
	a := &persistence.Activity{
		ID:        uuid.NewString(),
		Type:      typ,
		AgentID:   agentID,
		Details:   details,
		CreatedAt: e.clock(),
	}
	if task != nil {
		id, title := task.ID, task.Title
		a.TaskID = &id
		a.TaskTitle = &title
	}
	return s.AppendActivity(ctx, a)
}

// track opens a span for op and returns the function that closes it and
// records the outcome.
func (e *Engine) track(ctx context.Context, op, taskID, agentID string) (context.Context, func(*Result, error)) {
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "board."+op,
		otelPkg.AttrOperation.String(op),
		otelPkg.AttrTaskID.String(taskID),
		otelPkg.AttrAgentID.String(agentID),
	)
	return ctx, func(res *Result, err error) {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res != nil && !res.OK:
			outcome = string(res.Kind)
		}
		span.SetAttributes(otelPkg.AttrOutcome.String(outcome))
		span.End()

		elapsed := time.Since(start).Seconds()
		metrics.LifecycleOperations.WithLabelValues(op, outcome).Inc()
		metrics.LifecycleDuration.WithLabelValues(op).Observe(elapsed)
		if e.otelMetrics != nil {
			e.otelMetrics.LifecycleDuration.Record(ctx, elapsed, metric.WithAttributes(
				otelPkg.AttrOperation.String(op),
				otelPkg.AttrOutcome.String(outcome),
			))
		}
	}
}

// costFor returns the cost to store for u.
func (e *Engine) costFor(u *Usage) *float64 {
	if u.CostUSD != nil {
		return u.CostUSD
	}
	if !e.estimateCost {
		return nil
	}
	if cost, found := pricing.EstimateCost(u.Model, u.InputTokens, u.OutputTokens); found {
		return &cost
	}
	return nil
}

var _ Notifier = (*bus.Bus)(nil)
