// Package observability — metrics.go
//
// Prometheus metrics for the governance middleware daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: govspine_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Labels are bounded enums (gate action, error kind, record kind).
//   - island_id is NEVER used as a label (unbounded cardinality).
//   - Per-island detail lives in the Ledger, not in metric labels.
//
// Updated metrics: the daemon updates only the Drafter metrics
// (DrafterBudgetRemaining, DrafterThrottledTotal) and UptimeSeconds. The
// Spine, Gate, Ledger and boundary-error metrics are registered and
// exported, but no code in this repository updates them.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Spine ────────────────────────────────────────────────────────────────

	// SpineTransitionsTotal counts Spine state-machine transitions.
	// Labels: transition (received, sensed, drafting, verified, gated,
	// response, fallback, rollback, cancelled).
	SpineTransitionsTotal *prometheus.CounterVec

	// SubmitLatency records end-to-end Submit() latency.
	SubmitLatency prometheus.Histogram

	// DraftsInFlight is the current number of outstanding Drafter calls.
	DraftsInFlight prometheus.Gauge

	// BackpressureRejectionsTotal counts Submit calls rejected because the
	// outstanding-drafts semaphore was saturated.
	BackpressureRejectionsTotal prometheus.Counter

	// ─── Drafter ──────────────────────────────────────────────────────────────

	// DrafterBudgetRemaining records the process-wide rate limit bucket's
	// remaining tokens, sampled periodically. Not updated when rate
	// limiting is disabled.
	DrafterBudgetRemaining prometheus.Gauge

	// DrafterThrottledTotal counts Generate calls rejected by the
	// process-wide rate limit bucket (drafter.ErrRateLimited).
	DrafterThrottledTotal prometheus.Counter

	// ─── Gate ─────────────────────────────────────────────────────────────────

	// GateDecisionsTotal counts Gate decisions.
	// Labels: action (pass, rewrite, block).
	GateDecisionsTotal *prometheus.CounterVec

	// POAVScoreHistogram records the distribution of computed POAV scores.
	POAVScoreHistogram prometheus.Histogram

	// ─── Rewrite budget / rollback reflex ─────────────────────────────────────

	// RewriteBudgetRemaining records the rewrite attempts remaining at the
	// moment a REWRITE decision consumes one, as a distribution across
	// utterances (not a per-island gauge, to avoid unbounded cardinality).
	RewriteBudgetRemaining prometheus.Histogram

	// RollbacksTotal counts ROLLBACK_REFLEX events.
	RollbacksTotal prometheus.Counter

	// BreakerTripsTotal counts circuit breaker trips (islands force-closed).
	BreakerTripsTotal prometheus.Counter

	// ─── Ledger ───────────────────────────────────────────────────────────────

	// LedgerAppendLatency records per-record BoltDB append transaction latency.
	LedgerAppendLatency prometheus.Histogram

	// LedgerRecordsTotal counts appended StepRecords.
	// Labels: kind (user_input, draft, verify, gate_decision, rollback,
	// fallback, response, island_end).
	LedgerRecordsTotal *prometheus.CounterVec

	// IslandsOpenGauge is the current number of ACTIVE or SUSPENDED islands.
	IslandsOpenGauge prometheus.Gauge

	// ─── Errors ───────────────────────────────────────────────────────────────

	// BoundaryErrorsTotal counts errors returned across the Spine boundary.
	// Labels: kind (island_not_active, island_breaker_tripped,
	// caller_deadline_exceeded, drafter_unavailable, policy_rejected,
	// chain_corrupted, backpressure).
	BoundaryErrorsTotal *prometheus.CounterVec

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all governance-middleware Prometheus
// metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SpineTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govspine",
			Subsystem: "spine",
			Name:      "transitions_total",
			Help:      "Total Spine state-machine transitions, by transition name.",
		}, []string{"transition"}),

		SubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "govspine",
			Subsystem: "spine",
			Name:      "submit_latency_seconds",
			Help:      "End-to-end Submit() latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		DraftsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govspine",
			Subsystem: "spine",
			Name:      "drafts_in_flight",
			Help:      "Current number of outstanding Drafter calls.",
		}),

		BackpressureRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govspine",
			Subsystem: "spine",
			Name:      "backpressure_rejections_total",
			Help:      "Total Submit calls rejected due to drafter semaphore saturation.",
		}),

		DrafterBudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govspine",
			Subsystem: "drafter",
			Name:      "budget_remaining",
			Help:      "Tokens remaining in the process-wide Drafter rate limit bucket.",
		}),

		DrafterThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govspine",
			Subsystem: "drafter",
			Name:      "throttled_total",
			Help:      "Total Generate calls rejected by the process-wide rate limit bucket.",
		}),

		GateDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govspine",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total Gate decisions, by action.",
		}, []string{"action"}),

		POAVScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "govspine",
			Subsystem: "gate",
			Name:      "poav_score",
			Help:      "Distribution of computed POAV scores.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		RewriteBudgetRemaining: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "govspine",
			Subsystem: "spine",
			Name:      "rewrite_budget_remaining",
			Help:      "Rewrite attempts remaining at the moment a REWRITE decision consumes one.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),

		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govspine",
			Subsystem: "spine",
			Name:      "rollbacks_total",
			Help:      "Total rollback reflex events.",
		}),

		BreakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govspine",
			Subsystem: "spine",
			Name:      "breaker_trips_total",
			Help:      "Total circuit breaker trips (islands force-closed).",
		}),

		LedgerAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "govspine",
			Subsystem: "ledger",
			Name:      "append_latency_seconds",
			Help:      "BoltDB append transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govspine",
			Subsystem: "ledger",
			Name:      "records_total",
			Help:      "Total StepRecords appended, by kind.",
		}, []string{"kind"}),

		IslandsOpenGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govspine",
			Subsystem: "ledger",
			Name:      "islands_open",
			Help:      "Current number of ACTIVE or SUSPENDED islands.",
		}),

		BoundaryErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govspine",
			Subsystem: "spine",
			Name:      "boundary_errors_total",
			Help:      "Total boundary errors returned from Submit, by kind.",
		}, []string{"kind"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govspine",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.SpineTransitionsTotal,
		m.SubmitLatency,
		m.DraftsInFlight,
		m.BackpressureRejectionsTotal,
		m.DrafterBudgetRemaining,
		m.DrafterThrottledTotal,
		m.GateDecisionsTotal,
		m.POAVScoreHistogram,
		m.RewriteBudgetRemaining,
		m.RollbacksTotal,
		m.BreakerTripsTotal,
		m.LedgerAppendLatency,
		m.LedgerRecordsTotal,
		m.IslandsOpenGauge,
		m.BoundaryErrorsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
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

// IncDrafterThrottled increments DrafterThrottledTotal. Satisfies
// drafter.ThrottleObserver.
func (m *Metrics) IncDrafterThrottled() {
	m.DrafterThrottledTotal.Inc()
}

// updateUptime periodically updates the UptimeSeconds gauge.
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
