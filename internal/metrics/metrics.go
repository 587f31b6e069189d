package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedemsync",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of solver processes launched.",
		}, []string{"name"},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedemsync",
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of solver process exits by outcome (ok, failed, killed).",
		}, []string{"name", "outcome"},
	)
	processWallTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fedemsync",
			Subsystem: "process",
			Name:      "wall_time_seconds",
			Help:      "Wall time of finished solver processes.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"name"},
	)
	processCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fedemsync",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a running solver process.",
		}, []string{"name"},
	)
	processRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fedemsync",
			Subsystem: "process",
			Name:      "rss_bytes",
			Help:      "Last sampled resident memory of a running solver process.",
		}, []string{"name"},
	)
	runningProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fedemsync",
			Subsystem: "registry",
			Name:      "running_processes",
			Help:      "Processes currently registered.",
		},
	)
	lifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedemsync",
			Subsystem: "registry",
			Name:      "lifecycle_events_total",
			Help:      "Registry lifecycle events (started, group_started, group_finished, finished).",
		}, []string{"event"},
	)
	rdbEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedemsync",
			Subsystem: "rdb",
			Name:      "change_events_total",
			Help:      "Result index change notifications (header, data).",
		}, []string{"kind"},
	)
	rdbScans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fedemsync",
			Subsystem: "rdb",
			Name:      "scans_total",
			Help:      "Result file update passes.",
		},
	)
	rdbFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fedemsync",
			Subsystem: "rdb",
			Name:      "watched_files",
			Help:      "Result files currently registered in the index.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processExits, processWallTime, processCPU, processRSS,
		runningProcesses, lifecycleEvents, rdbEvents, rdbScans, rdbFiles,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncExit(name, outcome string) {
	if regOK.Load() {
		processExits.WithLabelValues(name, outcome).Inc()
	}
}

func ObserveWallTime(name string, seconds float64) {
	if regOK.Load() {
		processWallTime.WithLabelValues(name).Observe(seconds)
	}
}

func SetResources(name string, cpuPercent float64, rss uint64) {
	if regOK.Load() {
		processCPU.WithLabelValues(name).Set(cpuPercent)
		processRSS.WithLabelValues(name).Set(float64(rss))
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningProcesses.Set(float64(n))
	}
}

func IncLifecycle(event string) {
	if regOK.Load() {
		lifecycleEvents.WithLabelValues(event).Inc()
	}
}

func IncRDBEvent(kind string) {
	if regOK.Load() {
		rdbEvents.WithLabelValues(kind).Inc()
	}
}

func IncRDBScan() {
	if regOK.Load() {
		rdbScans.Inc()
	}
}

func SetRDBFiles(n int) {
	if regOK.Load() {
		rdbFiles.Set(float64(n))
	}
}
