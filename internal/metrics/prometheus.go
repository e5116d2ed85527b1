package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// PrometheusMetrics is a small lookup-by-name wrapper over the
// client_golang registry, so callers can refer to metrics by a stable
// string key instead of threading vector references through every package.
type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["sessions_opened"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dbproxy_sessions_opened_total",
            Help: "Total number of client sessions accepted",
        },
        []string{"service"},
    )

    pm.counters["sessions_closed"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dbproxy_sessions_closed_total",
            Help: "Total number of client sessions closed",
        },
        []string{"service", "reason"},
    )

    pm.counters["backend_writes"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dbproxy_backend_writes_total",
            Help: "Total number of packets written to a backend connection",
        },
        []string{"server"},
    )

    pm.counters["backend_errors"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dbproxy_backend_errors_total",
            Help: "Total number of backend errors observed, by classification",
        },
        []string{"server", "kind"},
    )

    pm.counters["wcar_events_captured"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dbproxy_wcar_events_captured_total",
            Help: "Total number of WCAR query events captured",
        },
        []string{"filter"},
    )

    pm.counters["wcar_events_dropped"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dbproxy_wcar_events_dropped_total",
            Help: "Total number of WCAR query events dropped due to queue backpressure",
        },
        []string{"filter"},
    )

    pm.counters["diff_rounds_reported"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dbproxy_diff_rounds_reported_total",
            Help: "Total number of diff rounds that produced a report",
        },
        []string{"service"},
    )

    pm.counters["diff_rounds_conflicted"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dbproxy_diff_rounds_conflicted_total",
            Help: "Total number of diff rounds where a non-main backend diverged",
        },
        []string{"service"},
    )

    // Histograms
    pm.histograms["backend_write_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "dbproxy_backend_write_duration_seconds",
            Help:    "Time from a backend write to the matching reply completing",
            Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
        },
        []string{"server"},
    )

    pm.histograms["diff_round_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "dbproxy_diff_round_duration_seconds",
            Help:    "Time for a diff round to become ready (every backend reported)",
            Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
        },
        []string{"service"},
    )

    // Gauges
    pm.gauges["sessions_active"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "dbproxy_sessions_active",
            Help: "Current number of open client sessions",
        },
        []string{"service"},
    )

    pm.gauges["worker_sessions"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "dbproxy_worker_sessions",
            Help: "Current number of sessions pinned to a routing worker",
        },
        []string{"worker"},
    )

    pm.gauges["diff_state"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "dbproxy_diff_router_state",
            Help: "Diff router admin state as an enum value (0=prepared,1=synchronizing,2=capturing)",
        },
        []string{"service"},
    )

    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("Metrics server started")
    return http.ListenAndServe(addr, nil)
}
