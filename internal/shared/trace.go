// Package shared holds request-scoped values passed through context and the
// redaction rules applied to logs and the audit trail.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	keyTrace ctxKey = iota
	keyAgent
	keyActor
)

// Actor is the authenticated principal behind a request.
type Actor struct {
	UserID string
	Email  string
	Role   string
}

func (a Actor) IsAdmin() bool { return a.Role == "admin" }

// NewTraceID returns a random request correlation id.
func NewTraceID() string { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTrace, id)
}

// TraceID returns the correlation id on ctx, or "-" so log and audit lines
// always carry the field.
func TraceID(ctx context.Context) string {
	if id, _ := ctx.Value(keyTrace).(string); id != "" {
		return id
	}
	return "-"
}

// WithAgentID records the acting agent named by the X-Agent-Id header.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyAgent, id)
}

func AgentID(ctx context.Context) string {
	id, _ := ctx.Value(keyAgent).(string)
	return id
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, keyActor, a)
}

// ActorFrom reports the authenticated actor; ok is false for anonymous
// requests.
func ActorFrom(ctx context.Context) (a Actor, ok bool) {
	a, ok = ctx.Value(keyActor).(Actor)
	return a, ok
}
