// Package settings manages per-agent configuration and exposes the model
// catalogue agents can be assigned.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/pricing"
	"github.com/basket/taskboard/internal/schema"
)

var ErrNotFound = errors.New("agent settings not found")

// UpdateInput is the body of an upsert. Absent fields keep their stored
// value; a null budget clears the limit.
type UpdateInput struct {
	Model          persistence.Nullable[string]  `json:"model"`
	BudgetLimitUSD persistence.Nullable[float64] `json:"budget_limit_usd"`
}

var updateSchema = schema.MustCompile("agent_settings.json", `{
	"type": "object",
	"properties": {
		"model": {"type": "string"},
		"budget_limit_usd": {"type": ["number", "null"]}
	}
}`)

func DecodeUpdate(raw []byte) (UpdateInput, error) {
	var in UpdateInput
	err := updateSchema.Decode(raw, &in)
	return in, err
}

type Service struct {
	store  *persistence.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store *persistence.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "settings"), now: time.Now}
}

func (s *Service) Get(ctx context.Context, agentID string) (*persistence.AgentSettings, error) {
	rec, err := s.store.GetAgentSettings(ctx, agentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *Service) List(ctx context.Context) ([]persistence.AgentSettings, error) {
	return s.store.ListAgentSettings(ctx)
}

// Upsert creates the agent's row or applies in to the existing one.
func (s *Service) Upsert(ctx context.Context, agentID string, in UpdateInput) (*persistence.AgentSettings, error) {
	if in.Model.Set && !in.Model.Null {
		if _, known := pricing.Lookup(in.Model.Value); !known {
			s.logger.Warn("agent assigned a model outside the catalogue", "agent_id", agentID, "model", in.Model.Value)
		}
	}
	return s.store.UpsertAgentSettings(ctx, agentID, persistence.AgentSettingsUpdate{
		Model:          in.Model,
		BudgetLimitUSD: in.BudgetLimitUSD,
	}, s.now().UTC())
}

func (s *Service) Delete(ctx context.Context, agentID string) error {
	removed, err := s.store.DeleteAgentSettings(ctx, agentID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// Models returns the assignable model catalogue.
func (s *Service) Models() []pricing.Model {
	return pricing.Catalogue()
}
