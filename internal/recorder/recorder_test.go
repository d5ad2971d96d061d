package recorder

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/visionguard/visionguard/internal/trust"
	"github.com/visionguard/visionguard/internal/vision"
)

func TestRecorder_RingBuffer_EvictsOldestOnOverflow(t *testing.T) {
	r := New(Capacities{TickBuffer: 3, ExcursionLog: 10})
	for i := 0; i < 5; i++ {
		r.RecordTick(trust.TickSnapshot{TickCount: uint64(i)})
	}
	ticks := r.snapshotTicks()
	if len(ticks) != 3 {
		t.Fatalf("expected ring buffer to hold 3 entries, got %d", len(ticks))
	}
	want := []uint64{2, 3, 4}
	for i, w := range want {
		if ticks[i].TickCount != w {
			t.Errorf("ticks[%d].TickCount = %d, want %d", i, ticks[i].TickCount, w)
		}
	}
	if evicted := r.TicksEvicted(); evicted != 2 {
		t.Fatalf("expected 2 ticks evicted, got %d", evicted)
	}
}

func TestRecorder_RingBuffer_NoEvictionBeforeFull(t *testing.T) {
	r := New(Capacities{TickBuffer: 5, ExcursionLog: 10})
	for i := 0; i < 3; i++ {
		r.RecordTick(trust.TickSnapshot{TickCount: uint64(i)})
	}
	if evicted := r.TicksEvicted(); evicted != 0 {
		t.Fatalf("expected 0 evictions below capacity, got %d", evicted)
	}
	if ticks := r.snapshotTicks(); len(ticks) != 3 {
		t.Fatalf("expected 3 buffered ticks, got %d", len(ticks))
	}
}

func TestRecorder_ExcursionLog_DropsNewestOnceCapReached(t *testing.T) {
	r := New(Capacities{TickBuffer: 10, ExcursionLog: 2})
	r.RecordExcursion(trust.ExcursionEvent{StartTimestamp: 1})
	r.RecordExcursion(trust.ExcursionEvent{StartTimestamp: 2})
	r.RecordExcursion(trust.ExcursionEvent{StartTimestamp: 3}) // should be dropped

	excursions := r.snapshotExcursions()
	if len(excursions) != 2 {
		t.Fatalf("expected excursion log capped at 2, got %d", len(excursions))
	}
	if excursions[0].StartTimestamp != 1 || excursions[1].StartTimestamp != 2 {
		t.Fatalf("expected the first two excursions retained, got %+v", excursions)
	}
	if dropped := r.ExcursionsDropped(); dropped != 1 {
		t.Fatalf("expected 1 excursion dropped, got %d", dropped)
	}
}

func TestRecorder_Reset_ClearsBuffersAndCounters(t *testing.T) {
	r := New(Capacities{TickBuffer: 2, ExcursionLog: 2})
	r.RecordTick(trust.TickSnapshot{TickCount: 1})
	r.RecordTick(trust.TickSnapshot{TickCount: 2})
	r.RecordTick(trust.TickSnapshot{TickCount: 3})
	r.RecordExcursion(trust.ExcursionEvent{StartTimestamp: 1})

	r.Reset()

	if ticks := r.snapshotTicks(); len(ticks) != 0 {
		t.Fatalf("expected empty tick buffer after reset, got %d entries", len(ticks))
	}
	if excursions := r.snapshotExcursions(); len(excursions) != 0 {
		t.Fatalf("expected empty excursion log after reset, got %d entries", len(excursions))
	}
	if r.TicksEvicted() != 0 || r.ExcursionsDropped() != 0 {
		t.Fatal("expected counters cleared after reset")
	}
}

func TestRecorder_Export_ProducesParseableCSVWithStableHeaders(t *testing.T) {
	r := New(DefaultCapacities())
	r.RecordTick(trust.TickSnapshot{
		Timestamp:       1.5,
		Reliability:     0.82,
		Policy:          trust.PolicyAllowed,
		Anomaly:         0.1,
		AnomalyIntegral: 0.05,
	})
	r.RecordExcursion(trust.ExcursionEvent{
		StartTimestamp: 1,
		EndTimestamp:   2,
		MinReliability: 0.4,
		DominantCause:  vision.StatusFrozen,
		PeakAnomaly:    0.9,
	})

	tickCSV, excursionCSV, err := r.Export()
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}

	tickRows, err := csv.NewReader(bytes.NewReader(tickCSV)).ReadAll()
	if err != nil {
		t.Fatalf("tick CSV did not parse: %v", err)
	}
	if len(tickRows) != 2 {
		t.Fatalf("expected header + 1 data row, got %d rows", len(tickRows))
	}
	wantHeader := []string{"timestamp", "reliability", "policy_state", "anomaly", "anomaly_integral"}
	for i, col := range wantHeader {
		if tickRows[0][i] != col {
			t.Errorf("tick header[%d] = %q, want %q", i, tickRows[0][i], col)
		}
	}
	if tickRows[1][2] != "VISION_ALLOWED" {
		t.Errorf("expected policy_state VISION_ALLOWED, got %q", tickRows[1][2])
	}

	excursionRows, err := csv.NewReader(bytes.NewReader(excursionCSV)).ReadAll()
	if err != nil {
		t.Fatalf("excursion CSV did not parse: %v", err)
	}
	if len(excursionRows) != 2 {
		t.Fatalf("expected header + 1 data row, got %d rows", len(excursionRows))
	}
	if excursionRows[1][4] != "FROZEN" {
		t.Errorf("expected dominant_cause FROZEN, got %q", excursionRows[1][4])
	}
}
