package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UsageRow is one usage-bearing task as the stats aggregator sees it.
type UsageRow struct {
	ID           string
	Title        string
	ClaimedBy    *string
	InputTokens  int64
	OutputTokens int64
	Model        *string
	CostUSD      *float64
	UpdatedAt    string
}

// UsageFilter narrows ListUsageRows. From and To are inclusive bounds on
// updated_at.
type UsageFilter struct {
	ClaimedBy string
	From      *time.Time
	To        *time.Time
	DoneOnly  bool
}

// ListUsageRows returns tasks with recorded usage, most recently updated first.
func (s *Store) ListUsageRows(ctx context.Context, f UsageFilter) ([]UsageRow, error) {
	where := []string{"usage_input_tokens IS NOT NULL"}
	var args []any
	if f.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, f.ClaimedBy)
	}
	if f.DoneOnly {
		where = append(where, "status = ?")
		args = append(args, string(TaskStatusDone))
	}
	if f.From != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, FormatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "updated_at <= ?")
		args = append(args, FormatTime(*f.To))
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, title, claimed_by, usage_input_tokens, COALESCE(usage_output_tokens, 0),
			usage_model, usage_cost_usd, updated_at
		FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_at DESC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage rows: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var (
			r                UsageRow
			claimedBy, model sql.NullString
			cost             sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Title, &claimedBy, &r.InputTokens, &r.OutputTokens, &model, &cost, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		r.ClaimedBy = stringPtr(claimedBy)
		r.Model = stringPtr(model)
		if cost.Valid {
			v := cost.Float64
			r.CostUSD = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
