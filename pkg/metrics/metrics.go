// Package metrics exposes Prometheus counters for the refinement engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_refine_turns_total",
			Help: "Turns that reached a terminal state, by state.",
		},
		[]string{"state"},
	)
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_refine_decisions_total",
			Help: "User decisions on presented candidates.",
		},
		[]string{"decision"},
	)
	safetyRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_refine_safety_rejections_total",
			Help: "Candidates rejected by the safety validator, by rule.",
		},
		[]string{"rule"},
	)
	generationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ekaya_refine_generation_duration_seconds",
			Help:    "SQL generation latency by mode.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"mode", "source"},
	)
	patternWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_refine_pattern_writes_total",
			Help: "Learned pattern writes by outcome (stored, already_exists, failed).",
		},
		[]string{"outcome"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ekaya_refine_active_sessions",
			Help: "Sessions currently open.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		decisionsTotal,
		safetyRejectionsTotal,
		generationDurationSeconds,
		patternWritesTotal,
		activeSessions,
	)
}

// ObserveTerminalTurn counts a turn that ended in state.
func ObserveTerminalTurn(state string) {
	turnsTotal.WithLabelValues(state).Inc()
}

// ObserveDecision counts a user decision.
func ObserveDecision(decision string) {
	decisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveSafetyRejection counts a rejected candidate under the rule that fired.
func ObserveSafetyRejection(rule string) {
	safetyRejectionsTotal.WithLabelValues(rule).Inc()
}

// ObserveGeneration records how long one generation took. Source is "llm" or "draft".
func ObserveGeneration(mode, source string, elapsed time.Duration) {
	generationDurationSeconds.WithLabelValues(mode, source).Observe(elapsed.Seconds())
}

// ObservePatternWrite counts a learned pattern write outcome.
func ObservePatternWrite(outcome string) {
	patternWritesTotal.WithLabelValues(outcome).Inc()
}

// SessionOpened and SessionClosed track the open session gauge.
func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
