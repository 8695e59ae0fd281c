package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for stage graph runs.
//
// Metrics exposed (all namespaced with "stagegraph_"):
//
//  1. inflight_transitions (gauge): transitions currently running.
//  2. generation (gauge): index of the transition generation being run.
//  3. transition_latency_ms (histogram): transition duration by from_type,
//     to_type and status (success, skipped, error, timeout).
//  4. transition_errors_total (counter): failed transitions by kind
//     (timeout, execution).
//  5. hook_waves_total (counter): hook waves dispatched by stage.
//  6. analyzed_results_total (counter): raw results reduced by stage.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(stages.Factories(), graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid; every method is then a no-op.
type PrometheusMetrics struct {
	inflight   prometheus.Gauge
	generation prometheus.Gauge

	latency *prometheus.HistogramVec

	errors   *prometheus.CounterVec
	waves    *prometheus.CounterVec
	analyzed *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the metrics with registry. A
// nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagegraph",
			Name:      "inflight_transitions",
			Help:      "Transitions currently running",
		}),
		generation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagegraph",
			Name:      "generation",
			Help:      "Index of the transition generation being run",
		}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stagegraph",
			Name:      "transition_latency_ms",
			Help:      "Transition duration in milliseconds, including the source stage run",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"from_type", "to_type", "status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagegraph",
			Name:      "transition_errors_total",
			Help:      "Failed transitions routed to the error stage",
		}, []string{"kind"}),
		waves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagegraph",
			Name:      "hook_waves_total",
			Help:      "Hook waves dispatched",
		}, []string{"stage"}),
		analyzed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagegraph",
			Name:      "analyzed_results_total",
			Help:      "Raw results reduced by analyze stages",
		}, []string{"stage"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// TransitionStarted increments the in-flight gauge.
func (pm *PrometheusMetrics) TransitionStarted() {
	if !pm.on() {
		return
	}
	pm.inflight.Inc()
}

// TransitionFinished decrements the in-flight gauge and observes the latency.
func (pm *PrometheusMetrics) TransitionFinished(from, to StageType, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.inflight.Dec()
	pm.latency.WithLabelValues(from.String(), to.String(), status).Observe(float64(latency.Milliseconds()))
}

// SetGeneration records the generation being run.
func (pm *PrometheusMetrics) SetGeneration(gen int) {
	if !pm.on() {
		return
	}
	pm.generation.Set(float64(gen))
}

// IncrementErrors counts a failed transition. kind is "timeout" or
// "execution".
func (pm *PrometheusMetrics) IncrementErrors(kind string) {
	if !pm.on() {
		return
	}
	pm.errors.WithLabelValues(kind).Inc()
}

// IncrementHookWaves counts one dispatched hook wave of stage.
func (pm *PrometheusMetrics) IncrementHookWaves(stage string) {
	if !pm.on() {
		return
	}
	pm.waves.WithLabelValues(stage).Inc()
}

// AddAnalyzedResults counts n results reduced by stage.
func (pm *PrometheusMetrics) AddAnalyzedResults(stage string, n int) {
	if !pm.on() {
		return
	}
	pm.analyzed.WithLabelValues(stage).Add(float64(n))
}

// Disable stops metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative and keep
// their values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflight.Set(0)
	pm.generation.Set(0)
}
