package trust

import "github.com/visionguard/visionguard/internal/vision"

// TickSnapshot is the outbound record produced by every call to
// Engine.Tick. One snapshot per tick, totally ordered by Timestamp.
type TickSnapshot struct {
	Timestamp      float64
	TickCount      uint64
	Status         vision.Status
	Reliability    float64
	Anomaly        float64
	AnomalyIntegral float64
	Policy         Policy
	PreviousPolicy Policy
	TrustVelocity  float64
	RecoveryDebt   float64
	// MLInfluenceActive is true iff Status is OK and AnomalyIntegral > 0:
	// the anomaly collaborator is currently able to move reliability.
	MLInfluenceActive bool
	// Declining annotates an ALLOWED policy whose trust velocity is below
	// Thresholds.DecliningVelocity. Informational only — see DESIGN.md for
	// why this stays a label rather than a fourth Policy value.
	Declining bool
}

// PolicyChanged is emitted exactly once per threshold crossing, edge-
// triggered against the previous tick's policy.
type PolicyChanged struct {
	From      Policy
	To        Policy
	Timestamp float64
}

// ExcursionEvent records one complete below-Allowed episode: opened on the
// first tick reliability drops below Thresholds.Allowed with none
// currently open, closed on the first tick reliability reaches
// Thresholds.ExcursionClose.
type ExcursionEvent struct {
	StartTimestamp float64
	EndTimestamp   float64
	MinReliability float64
	// DominantCause is the non-OK vision.Status with the highest
	// time-weighted dwell share during the excursion, ties broken by
	// classification priority (CORRUPTED > BLANK > FROZEN). It is OK only
	// when no non-OK status accumulated dwell inside the excursion.
	DominantCause vision.Status
	// CauseHistogram is the per-status dwell time in seconds, weighted by
	// each tick's dt, accumulated while the excursion was open.
	CauseHistogram map[vision.Status]float64
	PeakAnomaly    float64
}

// Duration returns EndTimestamp - StartTimestamp.
func (e *ExcursionEvent) Duration() float64 {
	return e.EndTimestamp - e.StartTimestamp
}

// openExcursion is the mutable in-progress form tracked by ReliabilityState
// while an excursion is open; it is promoted to an immutable ExcursionEvent
// on close.
type openExcursion struct {
	startTimestamp float64
	minReliability float64
	peakAnomaly    float64
	dwell          map[vision.Status]float64
}

// ReliabilityState is the engine's sole long-lived state for a session.
// Exists for the session lifetime; owned exclusively by Engine.
type ReliabilityState struct {
	Reliability     float64
	AnomalyIntegral float64
	Policy          Policy
	PreviousPolicy  Policy
	TickCount       uint64
	LastTimestamp   float64
	HasTicked       bool

	current *openExcursion
}

// newReliabilityState returns the initial state: reliability 1.0, integral
// 0, policy ALLOWED.
func newReliabilityState() ReliabilityState {
	return ReliabilityState{
		Reliability: 1.0,
		Policy:      PolicyAllowed,
		PreviousPolicy: PolicyAllowed,
	}
}
