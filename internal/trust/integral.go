// integral.go implements the leaky anomaly integral: a continuous analogue
// of the teacher's discrete EWMA pressure accumulator
// (P_{t+1} = α·P_t + (1-α)·A_t), adapted to the time-scaled, variable-dt
// update rule this engine runs under.
//
// Formula, per tick: integral += anomaly·dt; integral -= LEAK·integral·dt;
// integral = max(0, integral). Only advanced while status is OK; any
// non-OK tick hard-resets it to 0 before the next tick, bounding the ML
// collaborator's influence to periods of confirmed-good vision.
package trust

// AnomalyIntegral accumulates the leaky time integral of the anomaly
// score. Owned exclusively by Engine — not safe for concurrent use by
// design (§9 single-writer discipline); Engine's own mutex is what makes
// it safe across callers.
type AnomalyIntegral struct {
	leak  float64 // LEAK, per-second decay rate. Reference: 0.5.
	value float64
}

// NewAnomalyIntegral creates an integral with the given leak rate. leak
// must be >= 0. Panics if negative — a negative leak rate would grow the
// integral instead of decaying it, violating the bounded-ML invariant.
func NewAnomalyIntegral(leak float64) *AnomalyIntegral {
	if leak < 0 {
		panic("trust: leak rate must be >= 0")
	}
	return &AnomalyIntegral{leak: leak}
}

// Advance applies one leaky-integration step and returns the new value.
// anomaly must already be coerced to a non-negative finite value by the
// caller (see Engine.Tick's BadAnomalyValue handling).
func (a *AnomalyIntegral) Advance(anomaly, dt float64) float64 {
	a.value += anomaly * dt
	a.value -= a.leak * a.value * dt
	if a.value < 0 {
		a.value = 0
	}
	return a.value
}

// Value returns the current integral value without advancing it.
func (a *AnomalyIntegral) Value() float64 {
	return a.value
}

// Reset hard-resets the integral to 0, per the bounded-ML invariant: any
// tick where vision status is not OK resets the integral before the next
// tick can accumulate anomaly influence again.
func (a *AnomalyIntegral) Reset() {
	a.value = 0
}
