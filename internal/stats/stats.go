// Package stats rolls up token and cost usage recorded on completed tasks.
// Everything here is read-only.
package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/basket/taskboard/internal/persistence"
)

// UsageSource is the slice of the store the aggregator reads from.
type UsageSource interface {
	ListUsageRows(ctx context.Context, f persistence.UsageFilter) ([]persistence.UsageRow, error)
}

const (
	unknownKey  = "unknown"
	recentLimit = 20
)

type Bucket struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	TaskCount    int     `json:"task_count"`
}

func (b *Bucket) add(r persistence.UsageRow) {
	b.InputTokens += r.InputTokens
	b.OutputTokens += r.OutputTokens
	b.CostUSD += cost(r)
	b.TaskCount++
}

type AgentBucket struct {
	Agent string `json:"agent"`
	Bucket
}

type ModelBucket struct {
	Model string `json:"model"`
	Bucket
}

type DayBucket struct {
	Day string `json:"day"`
	Bucket
}

type Totals struct {
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalTokens       int64   `json:"total_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TaskCount         int     `json:"task_count"`
	AgentCount        int     `json:"agent_count"`
}

type RecentTask struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Agent        *string  `json:"agent"`
	Model        *string  `json:"model"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	TotalTokens  int64    `json:"total_tokens"`
	CostUSD      *float64 `json:"cost_usd"`
	CompletedAt  string   `json:"completed_at"`
}

type Usage struct {
	Totals      Totals        `json:"totals"`
	ByAgent     []AgentBucket `json:"by_agent"`
	ByModel     []ModelBucket `json:"by_model"`
	ByDay       []DayBucket   `json:"by_day"`
	RecentTasks []RecentTask  `json:"recent_tasks"`
}

// UsageQuery filters Usage. From and To bound updated_at inclusively.
type UsageQuery struct {
	AgentID string
	From    *time.Time
	To      *time.Time
}

type Service struct {
	src UsageSource
}

func New(src UsageSource) *Service {
	return &Service{src: src}
}

// Usage aggregates every task with recorded usage that matches q.
func (s *Service) Usage(ctx context.Context, q UsageQuery) (*Usage, error) {
	rows, err := s.src.ListUsageRows(ctx, persistence.UsageFilter{
		ClaimedBy: q.AgentID,
		From:      q.From,
		To:        q.To,
	})
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	return Summarize(rows), nil
}

func cost(r persistence.UsageRow) float64 {
	if r.CostUSD == nil {
		return 0
	}
	return *r.CostUSD
}

func keyOr(v *string) string {
	if v == nil || *v == "" {
		return unknownKey
	}
	return *v
}

func dayOf(updatedAt string) string {
	if len(updatedAt) < 10 {
		return unknownKey
	}
	return updatedAt[:10]
}

// Summarize folds rows into totals and breakdowns. Breakdowns are sorted by
// key; recent tasks are the newest twenty by updated_at.
func Summarize(rows []persistence.UsageRow) *Usage {
	out := &Usage{
		ByAgent:     []AgentBucket{},
		ByModel:     []ModelBucket{},
		ByDay:       []DayBucket{},
		RecentTasks: []RecentTask{},
	}
	byAgent := map[string]*Bucket{}
	byModel := map[string]*Bucket{}
	byDay := map[string]*Bucket{}
	agents := map[string]struct{}{}

	bucket := func(m map[string]*Bucket, key string) *Bucket {
		b, ok := m[key]
		if !ok {
			b = &Bucket{}
			m[key] = b
		}
		return b
	}

	for _, r := range rows {
		out.Totals.TotalInputTokens += r.InputTokens
		out.Totals.TotalOutputTokens += r.OutputTokens
		out.Totals.TotalTokens += r.InputTokens + r.OutputTokens
		out.Totals.TotalCostUSD += cost(r)
		out.Totals.TaskCount++
		if r.ClaimedBy != nil && *r.ClaimedBy != "" {
			agents[*r.ClaimedBy] = struct{}{}
		}
		bucket(byAgent, keyOr(r.ClaimedBy)).add(r)
		bucket(byModel, keyOr(r.Model)).add(r)
		bucket(byDay, dayOf(r.UpdatedAt)).add(r)
	}
	out.Totals.AgentCount = len(agents)

	for _, k := range sortedKeys(byAgent) {
		out.ByAgent = append(out.ByAgent, AgentBucket{Agent: k, Bucket: *byAgent[k]})
	}
	for _, k := range sortedKeys(byModel) {
		out.ByModel = append(out.ByModel, ModelBucket{Model: k, Bucket: *byModel[k]})
	}
	for _, k := range sortedKeys(byDay) {
		out.ByDay = append(out.ByDay, DayBucket{Day: k, Bucket: *byDay[k]})
	}

	recent := make([]persistence.UsageRow, len(rows))
	copy(recent, rows)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].UpdatedAt > recent[j].UpdatedAt })
	if len(recent) > recentLimit {
		recent = recent[:recentLimit]
	}
	for _, r := range recent {
		out.RecentTasks = append(out.RecentTasks, RecentTask{
			ID:           r.ID,
			Title:        r.Title,
			Agent:        r.ClaimedBy,
			Model:        r.Model,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			TotalTokens:  r.InputTokens + r.OutputTokens,
			CostUSD:      r.CostUSD,
			CompletedAt:  r.UpdatedAt,
		})
	}
	return out
}

func sortedKeys(m map[string]*Bucket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CalcTrend renders the change from baseline to current as a signed whole
// percentage. A zero baseline yields "+∞%" for any positive current and
// "0%" otherwise.
func CalcTrend(current, baseline float64) string {
	if baseline == 0 {
		if current > 0 {
			return "+∞%"
		}
		return "0%"
	}
	pct := (current - baseline) / baseline * 100
	sign := ""
	if pct >= 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.0f%%", sign, math.Round(pct))
}
