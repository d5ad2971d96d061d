// Package trust implements the temporal trust engine: the stateful heart
// of the system, integrating per-frame classification, anomaly score, and
// elapsed time into a reliability scalar, a policy state, and excursion
// events.
//
// Policy is a closed, three-member variant — like vision.Status, modeled
// as a small enum with its own String() rather than an open hierarchy, and
// derived purely from the clamped reliability scalar plus two thresholds.
package trust

import "fmt"

// Policy is the actuation-facing state derived from reliability.
type Policy uint8

const (
	// PolicyAllowed means reliability is at or above the Allowed threshold.
	PolicyAllowed Policy = iota
	// PolicyDegraded means reliability is between the Blocked and Allowed
	// thresholds.
	PolicyDegraded
	// PolicyBlocked means reliability is below the Blocked threshold.
	PolicyBlocked
)

// String implements fmt.Stringer, matching the "VISION_ALLOWED" style
// names used in the tick log CSV format.
func (p Policy) String() string {
	switch p {
	case PolicyAllowed:
		return "VISION_ALLOWED"
	case PolicyDegraded:
		return "VISION_DEGRADED"
	case PolicyBlocked:
		return "VISION_BLOCKED"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// Thresholds are the design-time constants governing policy derivation and
// excursion open/close hysteresis. All have spec reference defaults.
type Thresholds struct {
	// Allowed is the reliability at/above which policy is ALLOWED.
	// Reference: 0.7.
	Allowed float64
	// Blocked is the reliability below which policy is BLOCKED.
	// Reference: 0.3. Reliability in [Blocked, Allowed) is DEGRADED.
	Blocked float64
	// ExcursionClose is the reliability at/above which an open excursion
	// closes. Set higher than Allowed to prevent flapping at the boundary.
	// Reference: 0.95.
	ExcursionClose float64
	// DecliningVelocity is the trust-velocity threshold (reliability units
	// per second, negative) below which the DECLINING label may annotate
	// an ALLOWED policy. Reference: -0.02.
	DecliningVelocity float64
}

// DefaultThresholds returns the spec reference calibration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Allowed:           0.7,
		Blocked:           0.3,
		ExcursionClose:    0.95,
		DecliningVelocity: -0.02,
	}
}

// derivePolicy is a pure function of clamped reliability and the
// thresholds: sharp cutoffs, no hysteresis, by design — determinism and
// auditability win over anti-chatter here.
func derivePolicy(reliability float64, t Thresholds) Policy {
	switch {
	case reliability >= t.Allowed:
		return PolicyAllowed
	case reliability >= t.Blocked:
		return PolicyDegraded
	default:
		return PolicyBlocked
	}
}
