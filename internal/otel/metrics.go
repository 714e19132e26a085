package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments recorded by the board. Prometheus
// series in internal/metrics cover the same ground for scrapers; these
// follow the traces to the collector.
type Metrics struct {
	LifecycleDuration metric.Float64Histogram
	RequestDuration   metric.Float64Histogram
	TasksReleased     metric.Int64Counter
	TokensRecorded    metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics registers every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	seconds := func(name, desc string) (metric.Float64Histogram, error) {
		return meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	}
	count := func(name, desc, unit string) (metric.Int64Counter, error) {
		return meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}

	var m Metrics
	var errs [5]error
	m.LifecycleDuration, errs[0] = seconds("taskboard.lifecycle.duration", "Lifecycle operation duration")
	m.RequestDuration, errs[1] = seconds("taskboard.request.duration", "Gateway request duration")
	m.TasksReleased, errs[2] = count("taskboard.tasks.released", "Claims reclaimed by the timeout sweep", "{task}")
	m.TokensRecorded, errs[3] = count("taskboard.usage.tokens", "Tokens reported on task completion", "{token}")
	m.RateLimitRejects, errs[4] = count("taskboard.ratelimit.rejects", "Requests rejected by the rate limiter", "{request}")
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &m, nil
}
