package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultAgentModel is assigned when settings are created without a model.
const DefaultAgentModel = "claude-sonnet-4"

// AgentSettings is the per-agent configuration row.
type AgentSettings struct {
	AgentID        string    `json:"agent_id"`
	Model          string    `json:"model"`
	BudgetLimitUSD *float64  `json:"budget_limit_usd"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AgentSettingsUpdate is a partial write. Unset fields keep their value on
// an existing row and take defaults on a new one.
type AgentSettingsUpdate struct {
	Model          Nullable[string]
	BudgetLimitUSD Nullable[float64]
}

func scanAgentSettings(scanFn func(dest ...any) error, rec *AgentSettings) error {
	var budget sql.NullFloat64
	var createdAt, updatedAt string
	if err := scanFn(&rec.AgentID, &rec.Model, &budget, &createdAt, &updatedAt); err != nil {
		return err
	}
	rec.BudgetLimitUSD = nil
	if budget.Valid {
		v := budget.Float64
		rec.BudgetLimitUSD = &v
	}
	var err error
	if rec.CreatedAt, err = ParseTime(createdAt); err != nil {
		return err
	}
	rec.UpdatedAt, err = ParseTime(updatedAt)
	return err
}

// GetAgentSettings returns ErrNotFound when the agent has no settings row.
func (s *Store) GetAgentSettings(ctx context.Context, agentID string) (*AgentSettings, error) {
	var rec AgentSettings
	err := scanAgentSettings(s.q.QueryRowContext(ctx, `
		SELECT agent_id, model, budget_limit_usd, created_at, updated_at
		FROM agent_settings WHERE agent_id = ?;
	`, agentID).Scan, &rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent settings: %w", err)
	}
	return &rec, nil
}

// ListAgentSettings returns every settings row ordered by agent id.
func (s *Store) ListAgentSettings(ctx context.Context) ([]AgentSettings, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT agent_id, model, budget_limit_usd, created_at, updated_at
		FROM agent_settings ORDER BY agent_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agent settings: %w", err)
	}
	defer rows.Close()
	out := []AgentSettings{}
	for rows.Next() {
		var rec AgentSettings
		if err := scanAgentSettings(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan agent settings: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertAgentSettings creates or partially updates the agent's row and
// returns the stored result.
func (s *Store) UpsertAgentSettings(ctx context.Context, agentID string, upd AgentSettingsUpdate, now time.Time) (*AgentSettings, error) {
	model := DefaultAgentModel
	if upd.Model.Set && !upd.Model.Null && upd.Model.Value != "" {
		model = upd.Model.Value
	}
	var budget sql.NullFloat64
	if upd.BudgetLimitUSD.Set && !upd.BudgetLimitUSD.Null {
		budget = sql.NullFloat64{Float64: upd.BudgetLimitUSD.Value, Valid: true}
	}
	ts := FormatTime(now)
	if _, err := s.exec(ctx, `
		INSERT INTO agent_settings (agent_id, model, budget_limit_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			model = CASE WHEN ? THEN excluded.model ELSE agent_settings.model END,
			budget_limit_usd = CASE WHEN ? THEN excluded.budget_limit_usd ELSE agent_settings.budget_limit_usd END,
			updated_at = excluded.updated_at;
	`, agentID, model, budget, ts, ts, upd.Model.Set && !upd.Model.Null, upd.BudgetLimitUSD.Set); err != nil {
		return nil, fmt.Errorf("upsert agent settings: %w", err)
	}
	return s.GetAgentSettings(ctx, agentID)
}

// DeleteAgentSettings reports whether a row was removed.
func (s *Store) DeleteAgentSettings(ctx context.Context, agentID string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM agent_settings WHERE agent_id = ?;`, agentID)
	if err != nil {
		return false, fmt.Errorf("delete agent settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete agent settings rows affected: %w", err)
	}
	return n > 0, nil
}
