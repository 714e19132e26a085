package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/basket/taskboard/internal/persistence"
)

// DailyUsage is usage over some window of completed tasks.
type DailyUsage struct {
	TokensIn    int64   `json:"tokens_in"`
	TokensOut   int64   `json:"tokens_out"`
	TokensTotal int64   `json:"tokens_total"`
	CostUSD     float64 `json:"cost_usd"`
	TaskCount   float64 `json:"task_count"`
}

type AgentSummary struct {
	AgentID          string     `json:"agent_id"`
	Today            DailyUsage `json:"today"`
	Yesterday        DailyUsage `json:"yesterday"`
	WeekTotal        DailyUsage `json:"week_total"`
	WeekAvg          DailyUsage `json:"week_avg"`
	TrendVsYesterday string     `json:"trend_vs_yesterday"`
	TrendVsWeekAvg   string     `json:"trend_vs_week_avg"`
}

func aggregate(rows []persistence.UsageRow) DailyUsage {
	var u DailyUsage
	for _, r := range rows {
		u.TokensIn += r.InputTokens
		u.TokensOut += r.OutputTokens
		u.TokensTotal += r.InputTokens + r.OutputTokens
		u.CostUSD += cost(r)
		u.TaskCount++
	}
	return u
}

// dayRange returns the UTC calendar day daysAgo days before now, from
// 00:00:00.000 through 23:59:59.999.
func dayRange(now time.Time, daysAgo int) (time.Time, time.Time) {
	d := now.UTC().AddDate(0, 0, -daysAgo)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24*time.Hour - time.Millisecond)
}

// AgentSummary reports the agent's completed-task usage for today,
// yesterday and the trailing week as seen at now.
func (s *Service) AgentSummary(ctx context.Context, agentID string, now time.Time) (*AgentSummary, error) {
	window := func(from, to *time.Time) (DailyUsage, error) {
		rows, err := s.src.ListUsageRows(ctx, persistence.UsageFilter{
			ClaimedBy: agentID,
			DoneOnly:  true,
			From:      from,
			To:        to,
		})
		if err != nil {
			return DailyUsage{}, fmt.Errorf("agent usage: %w", err)
		}
		return aggregate(rows), nil
	}

	todayStart, todayEnd := dayRange(now, 0)
	today, err := window(&todayStart, &todayEnd)
	if err != nil {
		return nil, err
	}
	yStart, yEnd := dayRange(now, 1)
	yesterday, err := window(&yStart, &yEnd)
	if err != nil {
		return nil, err
	}
	weekStart := now.UTC().AddDate(0, 0, -6)
	week, err := window(&weekStart, nil)
	if err != nil {
		return nil, err
	}

	avg := DailyUsage{
		TokensIn:    int64(math.Round(float64(week.TokensIn) / 7)),
		TokensOut:   int64(math.Round(float64(week.TokensOut) / 7)),
		TokensTotal: int64(math.Round(float64(week.TokensTotal) / 7)),
		CostUSD:     math.Round(week.CostUSD/7*100) / 100,
		TaskCount:   math.Round(week.TaskCount/7*10) / 10,
	}
	return &AgentSummary{
		AgentID:          agentID,
		Today:            today,
		Yesterday:        yesterday,
		WeekTotal:        week,
		WeekAvg:          avg,
		TrendVsYesterday: CalcTrend(today.CostUSD, yesterday.CostUSD),
		TrendVsWeekAvg:   CalcTrend(today.CostUSD, avg.CostUSD),
	}, nil
}
