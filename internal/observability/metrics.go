// Package observability provides Prometheus metrics for visionguard.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable), loopback only.
// Metric naming convention: visionguard_<subsystem>_<name>_<unit>.
//
// All metrics are registered on a dedicated prometheus.Registry, not the
// default global registry, to avoid collisions with other instrumented
// libraries sharing the process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for visionguard.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ticks ────────────────────────────────────────────────────────────

	TicksTotal prometheus.Counter

	// ReliabilityGauge is the current reliability scalar [0,1].
	ReliabilityGauge prometheus.Gauge
	// AnomalyIntegralGauge is the current leaky anomaly integral.
	AnomalyIntegralGauge prometheus.Gauge
	// TrustVelocityGauge is the current trust velocity (reliability/sec).
	TrustVelocityGauge prometheus.Gauge
	// RecoveryDebtGauge is the current recovery debt.
	RecoveryDebtGauge prometheus.Gauge

	// AnomalyScoreHistogram records the distribution of raw anomaly scores
	// fed into the trust engine.
	AnomalyScoreHistogram prometheus.Histogram

	// ─── Classification ───────────────────────────────────────────────────

	// VisionStatusTotal counts ticks by resulting classification.
	// Labels: status (OK, FROZEN, BLANK, CORRUPTED)
	VisionStatusTotal *prometheus.CounterVec

	// InvalidFramesTotal counts frames rejected by the analyzer before
	// classification.
	InvalidFramesTotal prometheus.Counter

	// ─── Policy ────────────────────────────────────────────────────────────

	// PolicyTransitionsTotal counts edge-triggered policy changes.
	// Labels: from_policy, to_policy
	PolicyTransitionsTotal *prometheus.CounterVec

	// ExcursionsTotal counts closed excursions, by dominant cause.
	ExcursionsTotal *prometheus.CounterVec

	// ─── Error dispositions (§7) ───────────────────────────────────────────

	ClockRegressionsTotal prometheus.Counter
	BadAnomalyValuesTotal prometheus.Counter
	TickBufferEvictionsTotal prometheus.Counter
	ExcursionsDroppedTotal   prometheus.Counter
	FramesDroppedTotal       *prometheus.CounterVec

	// ─── Integrity ──────────────────────────────────────────────────────────

	IntegrityChecksTotal     prometheus.Counter
	IntegrityViolationsTotal prometheus.Counter

	// ─── Process ──────────────────────────────────────────────────────────

	UptimeSeconds prometheus.Gauge
	startTime     time.Time
}

// NewMetrics creates and registers all visionguard Prometheus metrics on a
// fresh, dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "ticks_total",
			Help: "Total ticks processed by the trust engine.",
		}),
		ReliabilityGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "reliability",
			Help: "Current reliability scalar in [0,1].",
		}),
		AnomalyIntegralGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "anomaly_integral",
			Help: "Current leaky anomaly integral.",
		}),
		TrustVelocityGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "trust_velocity",
			Help: "Current trust velocity, reliability units per second.",
		}),
		RecoveryDebtGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "recovery_debt",
			Help: "Current accumulated recovery debt.",
		}),
		AnomalyScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "visionguard", Subsystem: "anomaly", Name: "score",
			Help:    "Distribution of raw anomaly scores fed into the trust engine.",
			Buckets: []float64{0.01, 0.02, 0.05, 0.08, 0.1, 0.2, 0.5, 1.0, 2.0},
		}),
		VisionStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "vision", Name: "status_total",
			Help: "Total ticks by resulting vision classification.",
		}, []string{"status"}),
		InvalidFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "vision", Name: "invalid_frames_total",
			Help: "Total frames rejected by the analyzer before classification.",
		}),
		PolicyTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "policy_transitions_total",
			Help: "Total edge-triggered policy transitions.",
		}, []string{"from_policy", "to_policy"}),
		ExcursionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "excursions_total",
			Help: "Total closed excursions, by dominant cause.",
		}, []string{"dominant_cause"}),
		ClockRegressionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "clock_regressions_total",
			Help: "Total ticks whose timestamp was earlier than the previous tick's.",
		}),
		BadAnomalyValuesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "trust", Name: "bad_anomaly_values_total",
			Help: "Total ticks whose anomaly input was NaN, infinite, or negative.",
		}),
		TickBufferEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "recorder", Name: "tick_buffer_evictions_total",
			Help: "Total tick snapshots evicted from the ring buffer.",
		}),
		ExcursionsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "recorder", Name: "excursions_dropped_total",
			Help: "Total excursion events dropped because the excursion log was full.",
		}),
		FramesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "ingest", Name: "frames_dropped_total",
			Help: "Total frames dropped by the ingest pipeline, by reason.",
		}, []string{"reason"}),
		IntegrityChecksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "integrity", Name: "checks_total",
			Help: "Total audit events validated by the integrity kernel.",
		}),
		IntegrityViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionguard", Subsystem: "integrity", Name: "violations_total",
			Help: "Total invariant violations detected by the integrity kernel.",
		}),
		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visionguard", Subsystem: "process", Name: "uptime_seconds",
			Help: "Seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.ReliabilityGauge,
		m.AnomalyIntegralGauge,
		m.TrustVelocityGauge,
		m.RecoveryDebtGauge,
		m.AnomalyScoreHistogram,
		m.VisionStatusTotal,
		m.InvalidFramesTotal,
		m.PolicyTransitionsTotal,
		m.ExcursionsTotal,
		m.ClockRegressionsTotal,
		m.BadAnomalyValuesTotal,
		m.TickBufferEvictionsTotal,
		m.ExcursionsDroppedTotal,
		m.FramesDroppedTotal,
		m.IntegrityChecksTotal,
		m.IntegrityViolationsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails. Serves GET /metrics and
// GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
