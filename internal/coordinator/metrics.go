package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle results used as metric label values.
const (
	resultOK        = "ok"
	resultRecovered = "recovered"
	resultFailed    = "failed"
)

// Metrics holds the coordinator's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	events        *prometheus.CounterVec
	dropped       prometheus.Counter
	executions    prometheus.Gauge
	devices       prometheus.Gauge
	pollInterval  prometheus.Gauge
	refreshing    prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// NewMetrics creates the coordinator collectors. Register them with
// Collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_tahoma_cycles_total",
			Help: "Reconciliation cycles by result (ok, recovered, failed) and failure reason",
		}, []string{"result", "reason"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graylogic_tahoma_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles",
			Buckets: prometheus.DefBuckets,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graylogic_tahoma_events_total",
			Help: "Gateway events folded, by kind",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graylogic_tahoma_events_dropped_total",
			Help: "Events dropped because they referenced an unknown device",
		}),
		executions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graylogic_tahoma_executions_in_flight",
			Help: "Command executions currently tracked",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graylogic_tahoma_devices",
			Help: "Devices in the committed cache",
		}),
		pollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graylogic_tahoma_poll_interval_seconds",
			Help: "Current event poll interval",
		}),
		refreshing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graylogic_tahoma_refresh_in_progress",
			Help: "1 while a full state refresh is outstanding",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graylogic_tahoma_last_success_timestamp_seconds",
			Help: "Last successful cycle timestamp (epoch seconds)",
		}),
	}
}

// Collectors exposes every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.cycles,
		m.cycleDuration,
		m.events,
		m.dropped,
		m.executions,
		m.devices,
		m.pollInterval,
		m.refreshing,
		m.lastSuccess,
	}
}

func (m *Metrics) observeCycle(result, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result, reason).Inc()
	m.cycleDuration.Observe(took.Seconds())
	if result != resultFailed {
		m.lastSuccess.Set(float64(time.Now().Unix()))
	}
}

func (m *Metrics) observeEvents(kinds map[string]int, dropped int) {
	if m == nil {
		return
	}
	for kind, n := range kinds {
		m.events.WithLabelValues(kind).Add(float64(n))
	}
	m.dropped.Add(float64(dropped))
}

func (m *Metrics) observeState(devices, executions int, refreshing bool) {
	if m == nil {
		return
	}
	m.devices.Set(float64(devices))
	m.executions.Set(float64(executions))
	if refreshing {
		m.refreshing.Set(1)
	} else {
		m.refreshing.Set(0)
	}
}

func (m *Metrics) observeInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.pollInterval.Set(d.Seconds())
}
