// Package recorder implements the append-only sink for tick snapshots and
// excursion events: a bounded ring buffer (oldest evicted when full) plus
// a capped excursion log, with CSV export. The record calls are
// O(1)/non-blocking on the hot path — the ring buffer write is a plain
// slice index, never a lock held across I/O. Export walks both buffers and
// is O(n) in their contents.
package recorder

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"sync"

	"github.com/visionguard/visionguard/internal/trust"
)

// Capacities configures the recorder's bounded buffers.
type Capacities struct {
	// TickBuffer is the ring buffer size for tick snapshots. Reference:
	// 18000 (≈10 minutes at 30Hz).
	TickBuffer int
	// ExcursionLog is the cap on retained excursion events (not a ring —
	// the newest event is dropped once the cap is reached, per §7's
	// BufferFull disposition for excursions).
	ExcursionLog int
}

// DefaultCapacities returns the spec reference calibration.
func DefaultCapacities() Capacities {
	return Capacities{TickBuffer: 18000, ExcursionLog: 1024}
}

// Recorder is a single session's tick/excursion sink. Safe for concurrent
// record() calls from the engine's single tick loop and concurrent reads
// from an exporter goroutine — Export takes a copy-on-read snapshot under
// lock, matching §5's "recorder buffers may be read concurrently by an
// exporter via copy-on-read snapshot" resource model.
type Recorder struct {
	mu sync.Mutex

	caps Capacities

	ticks      []trust.TickSnapshot
	ticksHead  int
	ticksCount int
	ticksSeen  uint64 // lifetime count, for eviction telemetry

	excursions        []trust.ExcursionEvent
	excursionsDropped uint64
}

// New constructs a Recorder with the given buffer capacities.
func New(caps Capacities) *Recorder {
	return &Recorder{
		caps:  caps,
		ticks: make([]trust.TickSnapshot, caps.TickBuffer),
	}
}

// RecordTick appends a tick snapshot, evicting the oldest entry if the
// ring buffer is full. O(1), never blocks.
func (r *Recorder) RecordTick(s trust.TickSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ticks) == 0 {
		return
	}
	idx := (r.ticksHead + r.ticksCount) % len(r.ticks)
	if r.ticksCount < len(r.ticks) {
		r.ticksCount++
	} else {
		// Buffer full: oldest slot is about to be overwritten, advance head.
		r.ticksHead = (r.ticksHead + 1) % len(r.ticks)
	}
	r.ticks[idx] = s
	r.ticksSeen++
}

// RecordExcursion appends a closed excursion event. If the excursion log
// is at its cap, the new event is dropped (not the oldest — §7's
// BufferFull disposition for excursions is "drop newest") and the drop
// counter is incremented. O(1), never blocks.
func (r *Recorder) RecordExcursion(e trust.ExcursionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.excursions) >= r.caps.ExcursionLog {
		r.excursionsDropped++
		return
	}
	r.excursions = append(r.excursions, e)
}

// ExcursionsDropped returns the lifetime count of excursion events dropped
// due to a full log.
func (r *Recorder) ExcursionsDropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.excursionsDropped
}

// TicksEvicted returns how many tick snapshots have been overwritten by
// ring buffer wraparound (ticksSeen - current occupancy, once the buffer
// has filled at least once).
func (r *Recorder) TicksEvicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticksSeen <= uint64(len(r.ticks)) {
		return 0
	}
	return r.ticksSeen - uint64(len(r.ticks))
}

// Reset clears both buffers and all counters.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = make([]trust.TickSnapshot, len(r.ticks))
	r.ticksHead = 0
	r.ticksCount = 0
	r.ticksSeen = 0
	r.excursions = nil
	r.excursionsDropped = 0
}

// snapshotTicks returns a copy of the buffered ticks in tick order (oldest
// first). Taken under lock, matching the copy-on-read resource model.
func (r *Recorder) snapshotTicks() []trust.TickSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]trust.TickSnapshot, r.ticksCount)
	for i := 0; i < r.ticksCount; i++ {
		out[i] = r.ticks[(r.ticksHead+i)%len(r.ticks)]
	}
	return out
}

// snapshotExcursions returns a copy of the excursion log in insertion
// order. Taken under lock.
func (r *Recorder) snapshotExcursions() []trust.ExcursionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]trust.ExcursionEvent, len(r.excursions))
	copy(out, r.excursions)
	return out
}

// tickCSVHeader is the stable tick log CSV header.
var tickCSVHeader = []string{"timestamp", "reliability", "policy_state", "anomaly", "anomaly_integral"}

// excursionCSVHeader is the stable excursion log CSV header.
var excursionCSVHeader = []string{"start_ts", "end_ts", "duration_s", "min_reliability", "dominant_cause", "peak_anomaly"}

// Export returns the tick log and excursion log as CSV-encoded byte
// slices, in tick/insertion order. Neither export mutates recorder state.
func (r *Recorder) Export() (tickCSV, excursionCSV []byte, err error) {
	ticks := r.snapshotTicks()
	excursions := r.snapshotExcursions()

	tickCSV, err = encodeTicksCSV(ticks)
	if err != nil {
		return nil, nil, err
	}
	excursionCSV, err = encodeExcursionsCSV(excursions)
	if err != nil {
		return nil, nil, err
	}
	return tickCSV, excursionCSV, nil
}

func encodeTicksCSV(ticks []trust.TickSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(tickCSVHeader); err != nil {
		return nil, err
	}
	for _, t := range ticks {
		row := []string{
			strconv.FormatFloat(t.Timestamp, 'f', 3, 64),
			strconv.FormatFloat(t.Reliability, 'f', 3, 64),
			t.Policy.String(),
			strconv.FormatFloat(t.Anomaly, 'f', 6, 64),
			strconv.FormatFloat(t.AnomalyIntegral, 'f', 6, 64),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeExcursionsCSV(excursions []trust.ExcursionEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(excursionCSVHeader); err != nil {
		return nil, err
	}
	for _, e := range excursions {
		row := []string{
			strconv.FormatFloat(e.StartTimestamp, 'f', 3, 64),
			strconv.FormatFloat(e.EndTimestamp, 'f', 3, 64),
			strconv.FormatFloat(e.Duration(), 'f', 3, 64),
			strconv.FormatFloat(e.MinReliability, 'f', 3, 64),
			e.DominantCause.String(),
			strconv.FormatFloat(e.PeakAnomaly, 'f', 6, 64),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
