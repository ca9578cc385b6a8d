package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector shared across reconcilers and the
// api mode. Constructed once in internal/app and threaded down by reference.
type Metrics struct {
	TickDuration        *prometheus.HistogramVec // {reconciler}
	TickErrorsTotal     *prometheus.CounterVec   // {reconciler}
	TasksDispatched     *prometheus.CounterVec   // {engine}
	TasksReloaded       *prometheus.CounterVec   // {engine, reason}
	ScannersScaledIn    *prometheus.CounterVec   // {engine, phase}
	ScannersScaledOut   *prometheus.CounterVec   // {engine}
	ScannerRowsByStatus *prometheus.GaugeVec     // {status}
}

// NewMetrics constructs and registers all vtscan collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vtscan",
			Name:      "reconciler_tick_duration_seconds",
			Help:      "Duration of one reconciler tick.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"reconciler"}),
		TickErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtscan",
			Name:      "reconciler_tick_errors_total",
			Help:      "Total number of reconciler ticks that returned an error.",
		}, []string{"reconciler"}),
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtscan",
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks dispatched to a scanner.",
		}, []string{"engine"}),
		TasksReloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtscan",
			Name:      "tasks_reloaded_total",
			Help:      "Total number of running tasks reset back to queued.",
		}, []string{"engine", "reason"}),
		ScannersScaledIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtscan",
			Name:      "scanners_scaled_in_total",
			Help:      "Total number of scanner max_concurrency decrements.",
		}, []string{"engine", "phase"}),
		ScannersScaledOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtscan",
			Name:      "scanners_scaled_out_total",
			Help:      "Total number of scanner capacity increases (VPA slot or HPA new pod).",
		}, []string{"engine"}),
		ScannerRowsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vtscan",
			Name:      "scanner_rows",
			Help:      "Current count of scanner rows by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.TickDuration,
		m.TickErrorsTotal,
		m.TasksDispatched,
		m.TasksReloaded,
		m.ScannersScaledIn,
		m.ScannersScaledOut,
		m.ScannerRowsByStatus,
	)

	return m
}
