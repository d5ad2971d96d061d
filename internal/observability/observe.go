package observability

import (
	"github.com/visionguard/visionguard/internal/trust"
)

// ObserveTick updates all tick-scoped gauges/counters from one
// TickSnapshot, plus the optional edge-triggered events produced
// alongside it. Called once per tick from the driver loop, matching the
// teacher's runWorker() pattern of updating metrics right after a
// decision is made.
func (m *Metrics) ObserveTick(snapshot trust.TickSnapshot, changed *trust.PolicyChanged, closed *trust.ExcursionEvent) {
	m.TicksTotal.Inc()
	m.ReliabilityGauge.Set(snapshot.Reliability)
	m.AnomalyIntegralGauge.Set(snapshot.AnomalyIntegral)
	m.TrustVelocityGauge.Set(snapshot.TrustVelocity)
	m.RecoveryDebtGauge.Set(snapshot.RecoveryDebt)
	m.AnomalyScoreHistogram.Observe(snapshot.Anomaly)
	m.VisionStatusTotal.WithLabelValues(snapshot.Status.String()).Inc()

	if changed != nil {
		m.PolicyTransitionsTotal.WithLabelValues(changed.From.String(), changed.To.String()).Inc()
	}
	if closed != nil {
		m.ExcursionsTotal.WithLabelValues(closed.DominantCause.String()).Inc()
	}
}
