// debt.go implements recovery_debt: a telemetry-only accumulator of unmet
// trust, modeled after the teacher's token_bucket consume/refill
// discipline but made continuous to match the engine's dt-based update
// rule.
//
// Debt accumulates at rate (Allowed - reliability) whenever reliability is
// below the Allowed threshold, and drains at RRecover once reliability is
// back at or above Allowed. It never feeds back into reliability or
// policy — it exists purely to answer "how much sustained distrust has
// this session accumulated," the continuous-time analogue of the
// teacher's discrete token cost per escalation.
package trust

// RecoveryDebt tracks accumulated unmet trust over time. Owned exclusively
// by Engine, same single-writer discipline as AnomalyIntegral.
type RecoveryDebt struct {
	value float64
}

// Advance applies one step of debt accrual/drain and returns the new
// value. reliability is the already-clamped reliability for this tick;
// allowed is Thresholds.Allowed; recoverRate is RRecover (used as the
// drain rate once reliability has recovered).
func (d *RecoveryDebt) Advance(reliability, allowed, recoverRate, dt float64) float64 {
	if reliability < allowed {
		d.value += (allowed - reliability) * dt
	} else if d.value > 0 {
		d.value -= recoverRate * dt
		if d.value < 0 {
			d.value = 0
		}
	}
	return d.value
}

// Value returns the current debt without advancing it.
func (d *RecoveryDebt) Value() float64 {
	return d.value
}

// Reset clears accumulated debt, used on Engine.Reset().
func (d *RecoveryDebt) Reset() {
	d.value = 0
}
