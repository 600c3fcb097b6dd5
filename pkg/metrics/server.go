// Package metrics exposes Prometheus metrics for cycled
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowsense/cyclecore/pkg/logx"
)

// Server provides Prometheus metrics for cycled
type Server struct {
	logger   *logx.Logger
	server   *http.Server
	registry *prometheus.Registry
	started  time.Time

	// Prometheus metrics
	predictionsTotal  *prometheus.CounterVec
	predictionErrors  *prometheus.CounterVec
	predictionLatency *prometheus.HistogramVec
	confidence        *prometheus.HistogramVec
	modelTimeouts     *prometheus.CounterVec
	degradedTotal     *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	feedbackTotal  *prometheus.CounterVec
	renormTotal    prometheus.Counter
	weightsVersion *prometheus.GaugeVec

	conditionTier *prometheus.GaugeVec
	incidents     *prometheus.CounterVec

	daemonUptime  prometheus.GaugeFunc
	daemonVersion *prometheus.GaugeVec
}

// NewServer creates a new metrics server
func NewServer(logger *logx.Logger) *Server {
	s := &Server{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	s.registerMetrics()
	return s
}

// registerMetrics registers all Prometheus metrics
func (s *Server) registerMetrics() {
	s.predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclecore_predictions_total",
			Help: "Total number of delivered predictions",
		},
		[]string{"type", "source"},
	)

	s.predictionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclecore_prediction_errors_total",
			Help: "Total number of failed prediction requests",
		},
		[]string{"type", "reason"},
	)

	s.predictionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyclecore_prediction_latency_seconds",
			Help:    "End-to-end prediction request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"type"},
	)

	s.confidence = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyclecore_prediction_confidence",
			Help:    "Confidence of delivered predictions",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"type"},
	)

	s.modelTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclecore_model_timeouts_total",
			Help: "Total number of per-model timeout exclusions",
		},
		[]string{"model"},
	)

	s.degradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclecore_degraded_predictions_total",
			Help: "Total number of predictions delivered with missing models",
		},
		[]string{"type"},
	)

	s.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclecore_cache_hits_total",
		Help: "Total number of prediction cache hits",
	})

	s.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclecore_cache_misses_total",
		Help: "Total number of prediction cache misses",
	})

	s.feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclecore_feedback_total",
			Help: "Total number of feedback records applied",
		},
		[]string{"kind"},
	)

	s.renormTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cyclecore_weight_renormalizations_total",
		Help: "Total number of ensemble weight renormalizations",
	})

	s.weightsVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyclecore_weights_version",
			Help: "Current ensemble weights version per user",
		},
		[]string{"user"},
	)

	s.conditionTier = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyclecore_condition_risk_tier",
			Help: "Current condition risk tier per user (0=none .. 4=critical)",
		},
		[]string{"user", "condition"},
	)

	s.incidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclecore_condition_incidents_total",
			Help: "Total number of condition risk escalations",
		},
		[]string{"condition", "tier"},
	)

	s.daemonUptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "cyclecore_daemon_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(s.started).Seconds() },
	)

	s.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyclecore_daemon_version_info",
			Help: "Daemon version information",
		},
		[]string{"version", "model_version"},
	)

	s.registry.MustRegister(
		s.predictionsTotal,
		s.predictionErrors,
		s.predictionLatency,
		s.confidence,
		s.modelTimeouts,
		s.degradedTotal,
		s.cacheHits,
		s.cacheMisses,
		s.feedbackTotal,
		s.renormTotal,
		s.weightsVersion,
		s.conditionTier,
		s.incidents,
		s.daemonUptime,
		s.daemonVersion,
	)
}

// Start starts the metrics server
func (s *Server) Start(port int) error {
	s.logger.Info("starting metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// healthHandler provides a simple health check endpoint
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

// SetVersion records the daemon and model artifact versions
func (s *Server) SetVersion(version, modelVersion string) {
	s.daemonVersion.With(prometheus.Labels{
		"version":       version,
		"model_version": modelVersion,
	}).Set(1)
}

// RecordPrediction records one delivered prediction. source is "computed"
// or "cache".
func (s *Server) RecordPrediction(predType, source string, confidence float64, latency time.Duration, degraded bool) {
	s.predictionsTotal.With(prometheus.Labels{"type": predType, "source": source}).Inc()
	s.confidence.With(prometheus.Labels{"type": predType}).Observe(confidence)
	s.predictionLatency.With(prometheus.Labels{"type": predType}).Observe(latency.Seconds())
	if degraded {
		s.degradedTotal.With(prometheus.Labels{"type": predType}).Inc()
	}
}

// RecordPredictionError records a failed prediction request
func (s *Server) RecordPredictionError(predType, reason string) {
	s.predictionErrors.With(prometheus.Labels{"type": predType, "reason": reason}).Inc()
}

// RecordModelTimeout records one per-model timeout exclusion
func (s *Server) RecordModelTimeout(model string) {
	s.modelTimeouts.With(prometheus.Labels{"model": model}).Inc()
}

// RecordCacheHit records a prediction cache hit
func (s *Server) RecordCacheHit() { s.cacheHits.Inc() }

// RecordCacheMiss records a prediction cache miss
func (s *Server) RecordCacheMiss() { s.cacheMisses.Inc() }

// RecordFeedback records one applied feedback record. kind is "observed",
// "rating", or "auto".
func (s *Server) RecordFeedback(kind string, renormalized bool) {
	s.feedbackTotal.With(prometheus.Labels{"kind": kind}).Inc()
	if renormalized {
		s.renormTotal.Inc()
	}
}

// RecordWeightsVersion records a user's current weights version
func (s *Server) RecordWeightsVersion(userID string, version int) {
	s.weightsVersion.With(prometheus.Labels{"user": userID}).Set(float64(version))
}

// RecordConditionTier records a user's current risk tier for a condition
func (s *Server) RecordConditionTier(userID, condition string, tier int) {
	s.conditionTier.With(prometheus.Labels{"user": userID, "condition": condition}).Set(float64(tier))
}

// RecordIncident records one condition risk escalation
func (s *Server) RecordIncident(condition, tier string) {
	s.incidents.With(prometheus.Labels{"condition": condition, "tier": tier}).Inc()
}
