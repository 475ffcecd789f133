// Package metrics provides Prometheus metrics for the snapshot pipeline
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes used as the status label.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusConflict = "conflict"
)

// PipelineMetrics contains Prometheus metrics for refresh runs
type PipelineMetrics struct {
	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	stageSeconds *prometheus.HistogramVec

	statesFetched  prometheus.Gauge
	statesDropped  prometheus.Gauge
	statesEnriched *prometheus.GaugeVec
	statesMissing  prometheus.Gauge

	historyCalls   *prometheus.CounterVec
	rowsReaped     prometheus.Counter
	reapErrors     prometheus.Counter
	activeSnapshot prometheus.Gauge
}

// NewPipelineMetrics creates and registers new pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flytie_refresh_runs_total",
			Help: "Total number of refresh runs",
		},
		[]string{"status"}, // status: success, error, conflict
	)

	m.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "flytie_refresh_duration_seconds",
			Help: "Time taken by a complete refresh run",
			// Enrichment with pauses between history windows dominates: 1s to ~17min.
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		},
	)

	m.stageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flytie_refresh_stage_duration_seconds",
			Help:    "Time taken by each refresh stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage"}, // stage: fetch, enrich, write, promote, reap
	)

	m.statesFetched = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flytie_states_fetched",
		Help: "Raw state vectors returned by the last fetch",
	})

	m.statesDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flytie_states_dropped",
		Help: "State vectors dropped for lacking a position in the last run",
	})

	m.statesEnriched = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flytie_states_enriched",
			Help: "States that received a route in the last run",
		},
		[]string{"source"}, // source: carried_forward, history
	)

	m.statesMissing = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flytie_states_unenriched",
		Help: "States left without a departure airport after the last run",
	})

	m.historyCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flytie_history_queries_total",
			Help: "Historical flights windows queried",
		},
		[]string{"status"},
	)

	m.rowsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flytie_rows_reaped_total",
		Help: "Rows deleted from superseded snapshots",
	})

	m.reapErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flytie_reap_errors_total",
		Help: "Reaper passes that stopped on an error",
	})

	m.activeSnapshot = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flytie_active_snapshot_timestamp_seconds",
		Help: "Snapshot time of the active snapshot",
	})
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.runsTotal.Describe(ch)
	m.runDuration.Describe(ch)
	m.stageSeconds.Describe(ch)
	m.statesFetched.Describe(ch)
	m.statesDropped.Describe(ch)
	m.statesEnriched.Describe(ch)
	m.statesMissing.Describe(ch)
	m.historyCalls.Describe(ch)
	m.rowsReaped.Describe(ch)
	m.reapErrors.Describe(ch)
	m.activeSnapshot.Describe(ch)
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.runsTotal.Collect(ch)
	m.runDuration.Collect(ch)
	m.stageSeconds.Collect(ch)
	m.statesFetched.Collect(ch)
	m.statesDropped.Collect(ch)
	m.statesEnriched.Collect(ch)
	m.statesMissing.Collect(ch)
	m.historyCalls.Collect(ch)
	m.rowsReaped.Collect(ch)
	m.reapErrors.Collect(ch)
	m.activeSnapshot.Collect(ch)
}

// RecordRun records the outcome and duration of a refresh run.
func (m *PipelineMetrics) RecordRun(status string, d time.Duration) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// RecordStage records the duration of one refresh stage.
func (m *PipelineMetrics) RecordStage(stage string, d time.Duration) {
	m.stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordStates records the fetch and enrichment tallies of a run.
func (m *PipelineMetrics) RecordStates(fetched, parsed, carried, fromHistory, missing int) {
	m.statesFetched.Set(float64(fetched))
	m.statesDropped.Set(float64(fetched - parsed))
	m.statesEnriched.WithLabelValues("carried_forward").Set(float64(carried))
	m.statesEnriched.WithLabelValues("history").Set(float64(fromHistory))
	m.statesMissing.Set(float64(missing))
}

// RecordHistoryQueries adds n history windows queried with the given status.
func (m *PipelineMetrics) RecordHistoryQueries(status string, n int) {
	if n > 0 {
		m.historyCalls.WithLabelValues(status).Add(float64(n))
	}
}

// RecordReap records a reaper pass.
func (m *PipelineMetrics) RecordReap(deleted int, err error) {
	m.rowsReaped.Add(float64(deleted))
	if err != nil {
		m.reapErrors.Inc()
	}
}

// SetActiveSnapshot records the active snapshot time.
func (m *PipelineMetrics) SetActiveSnapshot(t time.Time) {
	m.activeSnapshot.Set(float64(t.UnixMilli()) / 1000)
}

// Registry returns the registry the metrics are registered with.
func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}
