// Package metrics defines the Prometheus metrics of an export run.
//
// The exporter is a batch job, so nothing scrapes it.  Metrics are kept
// in their own registry and pushed once to a Pushgateway at the end of
// the run when a gateway is configured.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "opencost_parquet_exporter"

	// Job is the Pushgateway job name.
	Job = "opencost_parquet_exporter"
)

var (
	// Registry holds all metrics of this package.
	Registry = prometheus.NewRegistry()

	StageDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of each export stage",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	StageFailures = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_failures_total",
		Help:      "Number of failed export stages",
	}, []string{"stage"})

	Rows = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rows",
		Help:      "Number of rows in the exported table",
	})

	Columns = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "columns",
		Help:      "Number of columns in the exported table",
	})

	BytesWritten = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bytes_written",
		Help:      "Size of the exported Parquet file in bytes",
	})

	LastSuccess = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful export",
	})
)

// ObserveStage records the duration of a stage that started at start
// and counts it as failed if err is not nil.
func ObserveStage(stage string, start time.Time, err error) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		StageFailures.WithLabelValues(stage).Inc()
	}
}

// Push sends all metrics to the Pushgateway at url, grouped by
// backend.
func Push(url, backend string) error {
	err := push.New(url, Job).
		Gatherer(Registry).
		Grouping("backend", backend).
		Push()
	if err != nil {
		return fmt.Errorf("failed to push metrics to %v: %w", url, err)
	}
	return nil
}
