// Package integrity implements a runtime invariant kernel: it checks the
// testable properties of the trust core against every closed excursion
// and every policy change, and chains those checks together with a
// SHA-256 parent hash so the sequence of audit-worthy events can later be
// verified end to end.
//
// Narrower in scope than the teacher's constitutional kernel on purpose:
// that kernel validated every escalation decision; this one validates
// only excursion closes and policy changes, so the tick hot path itself
// never pays for hashing (§5's wait-free requirement).
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visionguard/visionguard/internal/trust"
	"github.com/visionguard/visionguard/internal/vision"
)

// ViolationType identifies which invariant was broken.
type ViolationType string

const (
	ViolationReliabilityOutOfBounds ViolationType = "reliability_out_of_bounds"
	ViolationIntegralNegative       ViolationType = "integral_negative"
	ViolationNaNInf                 ViolationType = "nan_or_inf"
	ViolationNonMonotonicTime       ViolationType = "non_monotonic_time"
	ViolationTrustRoseOnFailure     ViolationType = "trust_rose_on_failure"
)

// Violation describes a single broken invariant.
type Violation struct {
	Type      ViolationType
	Message   string
	Timestamp time.Time
}

func (v *Violation) Error() string {
	return fmt.Sprintf("integrity violation [%s]: %s", v.Type, v.Message)
}

// Bounds are the parameter ranges every checked event must satisfy.
type Bounds struct {
	ReliabilityMin float64
	ReliabilityMax float64
	// TimestampSkewTolerance bounds how far forward a timestamp may jump
	// between consecutive checked events before it is logged (not
	// rejected — a long gap is legal per §7's LongGap disposition, just
	// worth a note in the log).
	TimestampSkewTolerance time.Duration
}

// DefaultBounds returns the bounds implied by spec.md §3's invariants.
func DefaultBounds() Bounds {
	return Bounds{
		ReliabilityMin:         0.0,
		ReliabilityMax:         1.0,
		TimestampSkewTolerance: 30 * time.Second,
	}
}

// CheckedEvent is the audit record produced for every checked tick
// snapshot: its hash and the hash of the event that preceded it.
type CheckedEvent struct {
	Snapshot   trust.TickSnapshot
	Hash       string
	ParentHash string
}

// Kernel validates tick snapshots at excursion-close/policy-change edges
// and chains them with parent hashes. Safe for concurrent use.
type Kernel struct {
	mu     sync.Mutex
	bounds Bounds
	log    *zap.Logger
	strict bool

	lastTimestamp   float64
	haveTimestamp   bool
	lastReliability float64
	haveReliability bool
	lastHash        string
	eventsChecked   int64
	violationsFound int64
}

// New constructs a Kernel. If strict is true, Check returns an error on
// any violation; if false, violations are logged and counted but Check
// still returns the (unverified) chained event — matching §7's "nothing
// fatal" design for the core while still letting an operator run in a
// stricter audit mode.
func New(log *zap.Logger, bounds Bounds, strict bool) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kernel{bounds: bounds, log: log, strict: strict}
}

// Check validates one tick snapshot (typically one carrying a policy
// change or an excursion close) and returns the chained, hashed event.
func (k *Kernel) Check(snapshot trust.TickSnapshot) (CheckedEvent, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if v := k.checkTimeMonotonicity(snapshot.Timestamp); v != nil {
		return k.handle(snapshot, v)
	}
	if v := k.checkReliabilityBounds(snapshot.Reliability); v != nil {
		return k.handle(snapshot, v)
	}
	if math.IsNaN(snapshot.Reliability) || math.IsInf(snapshot.Reliability, 0) ||
		math.IsNaN(snapshot.AnomalyIntegral) || math.IsInf(snapshot.AnomalyIntegral, 0) {
		v := &Violation{Type: ViolationNaNInf, Message: "reliability or anomaly_integral is NaN/Inf", Timestamp: time.Now()}
		return k.handle(snapshot, v)
	}
	if snapshot.AnomalyIntegral < 0 {
		v := &Violation{Type: ViolationIntegralNegative, Message: fmt.Sprintf("anomaly_integral %f < 0", snapshot.AnomalyIntegral), Timestamp: time.Now()}
		return k.handle(snapshot, v)
	}
	if v := k.checkTrustRoseOnFailure(snapshot); v != nil {
		return k.handle(snapshot, v)
	}

	k.lastTimestamp = snapshot.Timestamp
	k.haveTimestamp = true
	k.lastReliability = snapshot.Reliability
	k.haveReliability = true
	k.eventsChecked++

	hash, err := k.computeHash(snapshot)
	if err != nil {
		return CheckedEvent{}, fmt.Errorf("compute hash: %w", err)
	}
	event := CheckedEvent{Snapshot: snapshot, Hash: hash, ParentHash: k.lastHash}
	k.lastHash = hash

	k.log.Debug("tick checked",
		zap.Uint64("tick_count", snapshot.TickCount),
		zap.String("hash", hash[:16]),
	)
	return event, nil
}

func (k *Kernel) handle(snapshot trust.TickSnapshot, v *Violation) (CheckedEvent, error) {
	k.violationsFound++
	k.log.Warn("integrity violation",
		zap.String("type", string(v.Type)),
		zap.String("message", v.Message),
		zap.Uint64("tick_count", snapshot.TickCount),
	)
	if k.strict {
		return CheckedEvent{}, v
	}
	hash, _ := k.computeHash(snapshot)
	event := CheckedEvent{Snapshot: snapshot, Hash: hash, ParentHash: k.lastHash}
	k.lastHash = hash
	return event, nil
}

func (k *Kernel) checkTimeMonotonicity(ts float64) *Violation {
	if !k.haveTimestamp {
		return nil
	}
	if ts < k.lastTimestamp {
		return &Violation{
			Type:      ViolationNonMonotonicTime,
			Message:   fmt.Sprintf("timestamp went backwards: %f < %f", ts, k.lastTimestamp),
			Timestamp: time.Now(),
		}
	}
	skew := time.Duration((ts - k.lastTimestamp) * float64(time.Second))
	if skew > k.bounds.TimestampSkewTolerance {
		k.log.Info("large timestamp skew between checked events", zap.Duration("skew", skew))
	}
	return nil
}

// checkTrustRoseOnFailure flags a checked event whose status is not OK but
// whose reliability increased since the last checked event — the base term
// for FROZEN/BLANK/CORRUPTED is strictly a decay, so reliability can only
// rise on a non-OK tick if the engine itself is miscalibrated or has been
// tampered with.
func (k *Kernel) checkTrustRoseOnFailure(snapshot trust.TickSnapshot) *Violation {
	if !k.haveReliability || snapshot.Status == vision.StatusOK {
		return nil
	}
	if snapshot.Reliability > k.lastReliability {
		return &Violation{
			Type:      ViolationTrustRoseOnFailure,
			Message:   fmt.Sprintf("reliability rose from %f to %f on non-OK status %s", k.lastReliability, snapshot.Reliability, snapshot.Status),
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (k *Kernel) checkReliabilityBounds(r float64) *Violation {
	if r < k.bounds.ReliabilityMin || r > k.bounds.ReliabilityMax {
		return &Violation{
			Type:      ViolationReliabilityOutOfBounds,
			Message:   fmt.Sprintf("reliability %f outside [%f, %f]", r, k.bounds.ReliabilityMin, k.bounds.ReliabilityMax),
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (k *Kernel) computeHash(snapshot trust.TickSnapshot) (string, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(data, []byte(k.lastHash)...))
	return hex.EncodeToString(sum[:]), nil
}

// Stats returns lifetime counts, for metrics export.
func (k *Kernel) Stats() (eventsChecked, violationsFound int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.eventsChecked, k.violationsFound
}
