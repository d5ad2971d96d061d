// engine.go implements the stateful trust core: Tick and Reset. Tick is
// the wait-free hot path described by §5 — arithmetic and fixed-capacity
// state updates only, never I/O, never blocking, never erroring on a
// value stream. It must remain serialized (at most one Tick in flight);
// the mutex enforces that directly, mirroring the teacher's per-PID
// ProcessState single-writer discipline applied here to the single
// session-lifetime ReliabilityState.
package trust

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/visionguard/visionguard/internal/vision"
)

// Rates are the per-second base-term rates applied according to vision
// status, plus the anomaly-integral gain and leak. All have spec
// reference defaults, meant to be supplied from configuration.
type Rates struct {
	// Recover is the OK recovery rate, reliability/second. Reference: 0.10.
	Recover float64
	// Frozen is the FROZEN decay rate, reliability/second. Reference: 0.30.
	Frozen float64
	// Blank is the BLANK decay rate, reliability/second. Reference: 0.60.
	Blank float64
	// Corrupt is the CORRUPTED decay rate, reliability/second. Reference: 1.00.
	Corrupt float64
	// Leak is the anomaly integral's per-second leak rate. Reference: 0.5.
	Leak float64
	// Gain is the anomaly integral's effect on reliability, per second.
	// Reference: 0.15.
	Gain float64
	// DTMax is the maximum dt a single tick may apply; longer gaps are
	// clamped (no catch-up). Reference: 0.5 seconds.
	DTMax float64
}

// DefaultRates returns the spec reference calibration.
func DefaultRates() Rates {
	return Rates{
		Recover: 0.10,
		Frozen:  0.30,
		Blank:   0.60,
		Corrupt: 1.00,
		Leak:    0.5,
		Gain:    0.15,
		DTMax:   0.5,
	}
}

// Engine is the temporal trust engine for one session. Construct with
// NewEngine; zero value is not usable.
type Engine struct {
	mu sync.Mutex

	rates      Rates
	thresholds Thresholds

	state    ReliabilityState
	integral AnomalyIntegral
	debt     RecoveryDebt

	lastSnapshot TickSnapshot

	clockRegressions atomic.Uint64
	badAnomalyValues atomic.Uint64
}

// NewEngine constructs an Engine with the given rates and thresholds,
// starting from the spec's initial ReliabilityState (reliability 1.0,
// integral 0, policy ALLOWED).
func NewEngine(rates Rates, thresholds Thresholds) *Engine {
	e := &Engine{
		rates:      rates,
		thresholds: thresholds,
		state:      newReliabilityState(),
		integral:   AnomalyIntegral{leak: rates.Leak},
	}
	return e
}

// Reset returns the engine to its initial state: reliability 1.0,
// anomaly integral 0, policy ALLOWED, no open excursion, tick count 0.
// Telemetry counters (ClockRegressions, BadAnomalyValues) are not reset —
// they are lifetime counters, matching the teacher's metrics philosophy
// of never losing a count to a state reset.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = newReliabilityState()
	e.integral = AnomalyIntegral{leak: e.rates.Leak}
	e.debt = RecoveryDebt{}
	e.lastSnapshot = TickSnapshot{}
}

// LastSnapshot returns the most recent tick's snapshot, or an initial
// snapshot (reliability 1.0, policy ALLOWED, tick_count 0) before
// the first Tick. Safe to call from the operator control socket while
// the driver loop is concurrently ticking.
func (e *Engine) LastSnapshot() TickSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.HasTicked {
		return TickSnapshot{Reliability: e.state.Reliability, Policy: e.state.Policy}
	}
	return e.lastSnapshot
}

// ClockRegressions returns the lifetime count of ticks whose timestamp was
// strictly before the previous tick's timestamp (dt<0, clamped to 0). A
// repeated timestamp gives dt=0 and is not counted.
func (e *Engine) ClockRegressions() uint64 { return e.clockRegressions.Load() }

// BadAnomalyValues returns the lifetime count of ticks whose anomaly
// input was NaN, infinite, or negative (coerced to 0).
func (e *Engine) BadAnomalyValues() uint64 { return e.badAnomalyValues.Load() }

// Tick advances the engine by one frame's worth of evidence. timestamp is
// epoch seconds (or any monotonically-intended clock, ms precision
// recommended); status is the vision classification for this frame;
// anomaly is the external ML collaborator's scalar for this frame (pass 0
// if unavailable — AnomalyUnavailable is the caller's concern, not the
// engine's).
//
// Never fails: dt<0 is clamped to 0 (ClockRegression, counted); anomaly
// that is NaN, infinite, or negative is coerced to 0 (BadAnomalyValue,
// counted). Returns the tick snapshot, plus a non-nil PolicyChanged if
// this tick's policy differs from the previous tick's, plus a non-nil
// ExcursionEvent if an open excursion closed on this tick.
func (e *Engine) Tick(timestamp float64, status vision.Status, anomaly float64) (TickSnapshot, *PolicyChanged, *ExcursionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	anomaly = sanitizeAnomaly(anomaly, &e.badAnomalyValues)

	var dt float64
	if e.state.HasTicked {
		dt = timestamp - e.state.LastTimestamp
		if dt < 0 {
			e.clockRegressions.Add(1)
			dt = 0
		}
		if dt > e.rates.DTMax {
			dt = e.rates.DTMax
		}
	}

	reliabilityBefore := e.state.Reliability

	// (1) Base term, status-dependent, per second.
	switch status {
	case vision.StatusOK:
		e.state.Reliability += e.rates.Recover * dt
	case vision.StatusFrozen:
		e.state.Reliability -= e.rates.Frozen * dt
	case vision.StatusBlank:
		e.state.Reliability -= e.rates.Blank * dt
	case vision.StatusCorrupted:
		e.state.Reliability -= e.rates.Corrupt * dt
	}

	// (2) Anomaly integral, only while status is OK. Any non-OK tick hard-
	// resets the integral before the next tick can accumulate again.
	mlInfluenceActive := false
	if status == vision.StatusOK {
		integralValue := e.integral.Advance(anomaly, dt)
		e.state.Reliability -= e.rates.Gain * integralValue * dt
		mlInfluenceActive = integralValue > 0
	} else {
		e.integral.Reset()
	}

	// (3) Clamp.
	if e.state.Reliability < 0 {
		e.state.Reliability = 0
	} else if e.state.Reliability > 1 {
		e.state.Reliability = 1
	}

	// (4) Trust velocity, telemetry only.
	var velocity float64
	if dt > 0 {
		velocity = (e.state.Reliability - reliabilityBefore) / dt
	}

	// (5) Policy derivation, pure function of clamped reliability.
	previousPolicy := e.state.Policy
	newPolicy := derivePolicy(e.state.Reliability, e.thresholds)
	declining := newPolicy == PolicyAllowed && velocity < e.thresholds.DecliningVelocity

	// (6) Edge trigger.
	var changed *PolicyChanged
	if newPolicy != previousPolicy {
		changed = &PolicyChanged{From: previousPolicy, To: newPolicy, Timestamp: timestamp}
	}
	e.state.PreviousPolicy = previousPolicy
	e.state.Policy = newPolicy

	// (7) Excursion tracking.
	closed := e.trackExcursion(timestamp, status, e.state.Reliability, anomaly, dt)

	// Recovery debt, telemetry only, never feeds back into reliability.
	debtValue := e.debt.Advance(e.state.Reliability, e.thresholds.Allowed, e.rates.Recover, dt)

	e.state.TickCount++
	e.state.LastTimestamp = timestamp
	e.state.HasTicked = true

	snapshot := TickSnapshot{
		Timestamp:         timestamp,
		TickCount:         e.state.TickCount,
		Status:            status,
		Reliability:       e.state.Reliability,
		Anomaly:           anomaly,
		AnomalyIntegral:   e.integral.Value(),
		Policy:            newPolicy,
		PreviousPolicy:    previousPolicy,
		TrustVelocity:     velocity,
		RecoveryDebt:      debtValue,
		MLInfluenceActive: mlInfluenceActive,
		Declining:         declining,
	}

	e.lastSnapshot = snapshot
	return snapshot, changed, closed
}

// trackExcursion implements the open/close/accumulate state machine for
// excursions. Must be called with e.mu held.
func (e *Engine) trackExcursion(timestamp float64, status vision.Status, reliability, anomalyScore, dt float64) *ExcursionEvent {
	if e.state.current == nil {
		if reliability >= e.thresholds.Allowed {
			return nil
		}
		e.state.current = &openExcursion{
			startTimestamp: timestamp,
			minReliability: reliability,
			peakAnomaly:    anomalyScore,
			dwell:          make(map[vision.Status]float64),
		}
	}

	cur := e.state.current
	if reliability < cur.minReliability {
		cur.minReliability = reliability
	}
	if anomalyScore > cur.peakAnomaly {
		cur.peakAnomaly = anomalyScore
	}
	cur.dwell[status] += dt

	if reliability >= e.thresholds.ExcursionClose {
		event := &ExcursionEvent{
			StartTimestamp: cur.startTimestamp,
			EndTimestamp:   timestamp,
			MinReliability: cur.minReliability,
			CauseHistogram: cur.dwell,
			PeakAnomaly:    cur.peakAnomaly,
			DominantCause:  dominantCause(cur.dwell),
		}
		e.state.current = nil
		return event
	}
	return nil
}

// dominantCause returns the non-OK vision.Status with the highest dwell
// time, ties broken by classification priority (CORRUPTED > BLANK >
// FROZEN). OK recovery dwell is not compared against the faults; OK is
// returned only when no non-OK status accumulated any dwell.
func dominantCause(dwell map[vision.Status]float64) vision.Status {
	best := vision.StatusOK
	bestDwell := 0.0
	for _, s := range []vision.Status{vision.StatusCorrupted, vision.StatusBlank, vision.StatusFrozen} {
		d, ok := dwell[s]
		if !ok {
			continue
		}
		if d > bestDwell {
			bestDwell = d
			best = s
		}
	}
	return best
}

// sanitizeAnomaly coerces NaN, infinite, or negative inputs to 0 and
// increments counter when it does so.
func sanitizeAnomaly(v float64, counter *atomic.Uint64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		counter.Add(1)
		return 0
	}
	return v
}
