// Package metrics tracks migration progress with Prometheus collectors.
//
// # Overview
//
// A Collector owns a private registry so several runs in one process (tests,
// an embedding front-end) never collide on the default registerer. Metrics
// are scraped nowhere by default; the CLI writes them once at the end of a
// run in the node_exporter textfile format.
//
// # Basic Usage
//
//	collector := metrics.NewCollector("pgsync")
//
//	collector.TableStarted()
//	err := transfer(table)
//	collector.TableDone()
//	collector.TableFinished("orders", "success")
//
//	timer := metrics.NewTimer()
//	runSchema()
//	collector.ObservePhase("schema", "ok", timer.Stop())
//
//	_ = collector.WriteTextfile("/var/lib/node_exporter/pgsync.prom")
//
// Every method is safe on a nil *Collector, so components can take an
// optional collector without guarding each call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector groups the run metrics behind one registry
type Collector struct {
	registry *prometheus.Registry

	tableTransfers *prometheus.CounterVec   // database, status
	tablesInFlight prometheus.Gauge         // tables currently transferring
	phaseDuration  *prometheus.HistogramVec // phase, result
	processRuns    *prometheus.CounterVec   // tool, status
	databases      *prometheus.CounterVec   // final phase
	sweptFiles     prometheus.Counter       // retention sweep removals
	cleanupRemoved *prometheus.CounterVec   // artifact kind
}

// NewCollector creates a collector whose metric names carry namespace
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tableTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_transfers_total",
			Help:      "Table transfers by final outcome",
		}, []string{"database", "status"}),
		tablesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tables_in_flight",
			Help:      "Table transfers currently running",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of migration phases",
			// Phases range from a few seconds for an empty schema to hours of data copy.
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"phase", "result"}),
		processRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_runs_total",
			Help:      "External tool invocations by exit status",
		}, []string{"tool", "status"}),
		databases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "databases_total",
			Help:      "Databases processed by final phase",
		}, []string{"phase"}),
		sweptFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_swept_files_total",
			Help:      "Expired log files removed by the retention sweep",
		}),
		cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Transient artifacts removed on release",
		}, []string{"kind"}),
	}

	c.registry.MustRegister(
		c.tableTransfers,
		c.tablesInFlight,
		c.phaseDuration,
		c.processRuns,
		c.databases,
		c.sweptFiles,
		c.cleanupRemoved,
		collectors.NewGoCollector(),
	)
	return c
}

// TableStarted marks a table transfer as in flight
func (c *Collector) TableStarted() {
	if c == nil {
		return
	}
	c.tablesInFlight.Inc()
}

// TableDone releases an in-flight slot taken by TableStarted
func (c *Collector) TableDone() {
	if c == nil {
		return
	}
	c.tablesInFlight.Dec()
}

// TableFinished counts a table outcome, including tables that never started
func (c *Collector) TableFinished(database, status string) {
	if c == nil {
		return
	}
	c.tableTransfers.WithLabelValues(database, status).Inc()
}

// ObservePhase records how long a phase took
func (c *Collector) ObservePhase(phase, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.phaseDuration.WithLabelValues(phase, result).Observe(d.Seconds())
}

// ProcessFinished counts one tool invocation
func (c *Collector) ProcessFinished(tool, status string) {
	if c == nil {
		return
	}
	c.processRuns.WithLabelValues(tool, status).Inc()
}

// DatabaseFinished counts a database by the phase it ended in
func (c *Collector) DatabaseFinished(phase string) {
	if c == nil {
		return
	}
	c.databases.WithLabelValues(phase).Inc()
}

// SweepRemoved adds files removed by the retention sweep
func (c *Collector) SweepRemoved(files int) {
	if c == nil || files <= 0 {
		return
	}
	c.sweptFiles.Add(float64(files))
}

// ArtifactRemoved counts a released artifact
func (c *Collector) ArtifactRemoved(kind string) {
	if c == nil {
		return
	}
	c.cleanupRemoved.WithLabelValues(kind).Inc()
}

// WriteTextfile writes every metric in the textfile collector format
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}

// Timer measures an operation's duration
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
