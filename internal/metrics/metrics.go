// Package metrics defines the Prometheus collectors exported by adsync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// SyncRunsTotal counts finished sync runs.
	SyncRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Total number of finished sync runs",
	}, []string{"trigger", "status"}) // status: "SUCCEEDED", "FAILED", "CANCELLED"

	// SyncDuration tracks run duration by mode.
	SyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "adsync",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Duration of sync runs",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
	}, []string{"mode"}) // mode: "full", "incremental"

	// SyncRunning is 1 while a run holds the lease in this process.
	SyncRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "adsync",
		Subsystem: "sync",
		Name:      "running",
		Help:      "Whether a sync run is in progress",
	})

	// SyncUsersTotal counts reconciled users by resulting status.
	SyncUsersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "sync",
		Name:      "users_total",
		Help:      "Total number of reconciled users by status",
	}, []string{"status"})

	// SyncAnomaliesTotal counts duplicate identity keys seen within a run.
	SyncAnomaliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "sync",
		Name:      "anomalies_total",
		Help:      "Total number of reconciliation anomalies",
	})

	// DirectoryPagesTotal counts fetched search result pages.
	DirectoryPagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "directory",
		Name:      "pages_total",
		Help:      "Total number of directory search pages fetched",
	})

	// DirectoryErrorsTotal counts directory failures by kind.
	DirectoryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "directory",
		Name:      "errors_total",
		Help:      "Total number of directory errors",
	}, []string{"kind"}) // kind: "connection", "authentication", "timeout", "other"

	// SchedulerNextRun is the unix time of the next scheduled run, 0 when idle.
	SchedulerNextRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "adsync",
		Subsystem: "scheduler",
		Name:      "next_run_timestamp_seconds",
		Help:      "Unix time of the next scheduled sync run",
	})

	// SchedulerRetriesTotal counts retry attempts after failed runs.
	SchedulerRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "scheduler",
		Name:      "retries_total",
		Help:      "Total number of sync retry attempts",
	})

	// LeaseBusyTotal counts lease acquisitions refused because a run was active.
	LeaseBusyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "scheduler",
		Name:      "lease_busy_total",
		Help:      "Total number of sync triggers refused because a run was active",
	}, []string{"trigger"})

	// ImportsTotal counts per-user import outcomes.
	ImportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "import",
		Name:      "users_total",
		Help:      "Total number of staged users processed by import",
	}, []string{"action", "result"}) // result: "ok", "error"

	// ImportDuration tracks per-user import latency.
	ImportDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adsync",
		Subsystem: "import",
		Name:      "duration_seconds",
		Help:      "Time spent importing a single staged user",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SyncRunsTotal,
		SyncDuration,
		SyncRunning,
		SyncUsersTotal,
		SyncAnomaliesTotal,
		DirectoryPagesTotal,
		DirectoryErrorsTotal,
		SchedulerNextRun,
		SchedulerRetriesTotal,
		LeaseBusyTotal,
		ImportsTotal,
		ImportDuration,
	)
}

// Registry returns the registry holding every adsync collector.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
