package render

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects render worker metrics.
//
// Metrics exposed (all namespaced with "tabflow_"):
//
//  1. inflight_renders (gauge): passes currently executing.
//  2. step_latency_ms (histogram): module render time per step.
//     Labels: module, status (ok/error/unreachable).
//  3. pass_outcomes_total (counter): finished passes. Labels: state.
//  4. lock_contention_total (counter): deliveries dropped because the
//     workflow was locked elsewhere.
//  5. requeues_total (counter): render requests published by the gateway.
//  6. module_timeouts_total (counter): module calls killed at their deadline.
//     Labels: module.
//  7. corrupt_cache_reads_total (counter): cached results whose bytes could
//     not be read.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := render.NewPrometheusMetrics(registry)
//	sched, _ := render.NewScheduler(st, blobs, reg, k, render.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	inflight prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	passOutcomes   *prometheus.CounterVec
	lockContention prometheus.Counter
	requeues       prometheus.Counter
	moduleTimeouts *prometheus.CounterVec
	corruptReads   prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the metrics with registry, or
// with prometheus.DefaultRegisterer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tabflow",
			Name:      "inflight_renders",
			Help:      "Render passes currently executing",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tabflow",
			Name:      "step_latency_ms",
			Help:      "Step render duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 300000},
		}, []string{"module", "status"}),
		passOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabflow",
			Name:      "pass_outcomes_total",
			Help:      "Finished render passes by terminal state",
		}, []string{"state"}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tabflow",
			Name:      "lock_contention_total",
			Help:      "Render requests dropped because another worker held the workflow",
		}),
		requeues: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tabflow",
			Name:      "requeues_total",
			Help:      "Render requests published after a pass",
		}),
		moduleTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabflow",
			Name:      "module_timeouts_total",
			Help:      "Module calls abandoned at their deadline",
		}, []string{"module"}),
		corruptReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tabflow",
			Name:      "corrupt_cache_reads_total",
			Help:      "Cached render results whose table could not be read",
		}),
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

// RecordStepLatency observes one step render.
func (pm *PrometheusMetrics) RecordStepLatency(module string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(module, status).Observe(float64(latency.Milliseconds()))
}

// PassStarted increments inflight_renders.
func (pm *PrometheusMetrics) PassStarted() {
	if !pm.on() {
		return
	}
	pm.inflight.Inc()
}

// PassFinished decrements inflight_renders and counts the outcome.
func (pm *PrometheusMetrics) PassFinished(state State) {
	if !pm.on() {
		return
	}
	pm.inflight.Dec()
	pm.passOutcomes.WithLabelValues(state.String()).Inc()
}

// IncrementLockContention counts a delivery dropped on ErrAlreadyLocked.
func (pm *PrometheusMetrics) IncrementLockContention() {
	if !pm.on() {
		return
	}
	pm.lockContention.Inc()
}

// IncrementRequeues counts a published requeue.
func (pm *PrometheusMetrics) IncrementRequeues() {
	if !pm.on() {
		return
	}
	pm.requeues.Inc()
}

// IncrementModuleTimeouts counts a module call killed at its deadline.
func (pm *PrometheusMetrics) IncrementModuleTimeouts(module string) {
	if !pm.on() {
		return
	}
	pm.moduleTimeouts.WithLabelValues(module).Inc()
}

// IncrementCorruptReads counts an unreadable cached result.
func (pm *PrometheusMetrics) IncrementCorruptReads() {
	if !pm.on() {
		return
	}
	pm.corruptReads.Inc()
}

// Disable stops recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
