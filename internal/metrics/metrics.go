// Package metrics holds the Prometheus instruments of pipeline runs.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry collects every pipeline metric. It is separate from the default
// registry so a run can push exactly these series.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// stageRunsTotal counts stage executions by outcome (success, failure).
	stageRunsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "homepedia_stage_runs_total",
		Help: "Total number of pipeline stage executions",
	}, []string{"stage", "outcome"})

	stageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "homepedia_stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"stage"})

	// stageRows counts rows per stage and counter name (imported, skipped, failed...).
	stageRows = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "homepedia_stage_rows_total",
		Help: "Rows handled by pipeline stages, by counter",
	}, []string{"stage", "counter"})

	lastSuccess = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "homepedia_stage_last_success_timestamp_seconds",
		Help: "Unix time of the last successful stage run",
	}, []string{"stage"})
)

// ObserveStage records one stage execution.
func ObserveStage(stage string, seconds float64, counters map[string]int64, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	stageRunsTotal.WithLabelValues(stage, outcome).Inc()
	stageDuration.WithLabelValues(stage).Observe(seconds)

	for name, v := range counters {
		if v > 0 {
			stageRows.WithLabelValues(stage, name).Add(float64(v))
		}
	}
	if err == nil {
		lastSuccess.WithLabelValues(stage).SetToCurrentTime()
	}
}

// Push sends the registry to a Pushgateway, grouped by run id.
func Push(ctx context.Context, url, runID string) error {
	err := push.New(url, "homepedia_pipeline").
		Gatherer(Registry).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
