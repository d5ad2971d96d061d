// Package trust_test wires the signal analyzer, the anomaly scorer, the
// temporal trust engine, the recorder, and the integrity kernel together
// and drives them through full scenes, frame by frame, the way the agent's
// driver loop does. Unlike the package-level unit tests, these exercise the
// handoffs between components: the analyzer's Status feeding the engine's
// base term, the anomaly engine's score feeding the leaky integral, closed
// excursions and policy changes reaching the recorder and the integrity
// kernel in the same shape the driver loop produces them.
package trust_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/visionguard/visionguard/internal/anomaly"
	"github.com/visionguard/visionguard/internal/frame"
	"github.com/visionguard/visionguard/internal/integrity"
	"github.com/visionguard/visionguard/internal/recorder"
	"github.com/visionguard/visionguard/internal/trust"
	"github.com/visionguard/visionguard/internal/vision"
)

const tickDt = 1.0 / 30.0

// solidFrame returns a uniform-gray frame, useful for BLANK and FROZEN
// scenes: every call with the same gray value produces bit-identical
// pixels, so the analyzer's inter-frame diff is exactly 0.
func solidFrame(w, h int, gray byte, ts float64) *frame.Frame {
	pixels := make([]byte, w*h*3)
	for i := range pixels {
		pixels[i] = gray
	}
	return &frame.Frame{Width: w, Height: h, Channels: 3, Pixels: pixels, Timestamp: ts}
}

// ditherFrame returns a frame whose pixels shift by one bucket every time
// seed advances, which keeps the inter-frame diff safely above the freeze
// threshold — a stand-in for a live, changing scene.
func ditherFrame(w, h int, base byte, seed int, ts float64) *frame.Frame {
	pixels := make([]byte, w*h*3)
	for i := range pixels {
		bucket := (i+seed)%7 - 3
		v := int(base) + bucket*5
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		pixels[i] = byte(v)
	}
	return &frame.Frame{Width: w, Height: h, Channels: 3, Pixels: pixels, Timestamp: ts}
}

// pipeline bundles one scene's worth of wired components so each test
// constructs the same stack the agent's driver loop constructs.
type pipeline struct {
	analyzer *vision.Analyzer
	scorer   *anomaly.Engine
	engine   *trust.Engine
	rec      *recorder.Recorder
	kernel   *integrity.Kernel
}

func newPipeline(strict bool) *pipeline {
	return &pipeline{
		analyzer: vision.NewAnalyzer(vision.DefaultConstants()),
		scorer:   anomaly.NewEngine(0.3),
		engine:   trust.NewEngine(trust.DefaultRates(), trust.DefaultThresholds()),
		rec:      recorder.New(recorder.DefaultCapacities()),
		kernel:   integrity.New(zap.NewNop(), integrity.DefaultBounds(), strict),
	}
}

// step runs one frame through the full chain: classify, score, tick,
// record, and — on a policy change or a closed excursion — check through
// the integrity kernel, mirroring the driver loop's own checkpointing.
func (p *pipeline) step(t *testing.T, f *frame.Frame) trust.TickSnapshot {
	t.Helper()
	status, _, err := p.analyzer.Analyze(f)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	a, err := p.scorer.Score(f)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	snap, changed, closed := p.engine.Tick(f.Timestamp, status, a)
	p.rec.RecordTick(snap)
	if closed != nil {
		p.rec.RecordExcursion(*closed)
	}
	if changed != nil || closed != nil {
		if _, err := p.kernel.Check(snap); err != nil {
			t.Fatalf("integrity check on policy change or excursion close: %v", err)
		}
	}
	return snap
}

func TestPipeline_ChangingScene_StaysAllowedAndClimbsToCeiling(t *testing.T) {
	p := newPipeline(false)

	var last trust.TickSnapshot
	for i := 0; i < 90; i++ {
		last = p.step(t, ditherFrame(8, 8, 128, i, float64(i)*tickDt))
	}

	if last.Status != vision.StatusOK {
		t.Fatalf("expected a changing scene to stay OK, got %s", last.Status)
	}
	if last.Policy != trust.PolicyAllowed {
		t.Fatalf("expected policy ALLOWED, got %s", last.Policy)
	}
	if last.Reliability < 0.9 {
		t.Fatalf("expected reliability to climb near the ceiling, got %f", last.Reliability)
	}
	if last.TickCount != 90 {
		t.Fatalf("expected 90 ticks recorded, got %d", last.TickCount)
	}
	if checked, violations := p.kernel.Stats(); checked != 0 || violations != 0 {
		t.Fatalf("expected no integrity checks (policy never changed) and no violations, got checked=%d violations=%d", checked, violations)
	}
}

func TestPipeline_SustainedFreeze_OpensAndClosesAnExcursion(t *testing.T) {
	p := newPipeline(false)

	ts := 0.0
	// Settle into a changing, fully-trusted scene first.
	for i := 0; i < 10; i++ {
		p.step(t, ditherFrame(8, 8, 128, i, ts))
		ts += tickDt
	}

	// The camera freezes on a single frame. 90 static ticks at 0.3/s decay
	// (85 of them FROZEN after freeze-confirmation) drive reliability down
	// to about 0.15, well below the 0.7 threshold, so the excursion opens.
	for i := 0; i < 90; i++ {
		p.step(t, solidFrame(8, 8, 128, ts))
		ts += tickDt
	}

	// Recover: a changing scene again, long enough for the slow 0.1/s
	// recovery rate to climb reliability back above the excursion-close
	// threshold.
	var last trust.TickSnapshot
	for i := 0; i < 320; i++ {
		last = p.step(t, ditherFrame(8, 8, 128, i, ts))
		ts += tickDt
	}

	if last.Policy != trust.PolicyAllowed {
		t.Fatalf("expected policy to recover to ALLOWED, got %s", last.Policy)
	}

	_, excursionCSV, err := p.rec.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(excursionCSV) <= len("start_ts,end_ts,duration_s,min_reliability,dominant_cause,peak_anomaly\n") {
		t.Fatal("expected at least one excursion row in the exported CSV")
	}

	checked, violations := p.kernel.Stats()
	if checked == 0 {
		t.Fatal("expected at least one integrity check across the policy transitions of this scene")
	}
	if violations != 0 {
		t.Fatalf("expected no integrity violations for a well-behaved freeze-and-recover scene, got %d", violations)
	}
}

// TestPipeline_ExcursionDominantCause_IsTheFaultNotTheRecoveryTail: decay
// (0.3/s) is three times faster than recovery (0.1/s), so once an excursion
// opens, the OK recovery tail spent climbing back to the close threshold
// outlasts the non-OK dwell that triggered it. The dominant cause is taken
// over the non-OK statuses only, so the recorded cause is still the fault
// (FROZEN here), not the recovery tail.
func TestPipeline_ExcursionDominantCause_IsTheFaultNotTheRecoveryTail(t *testing.T) {
	p := newPipeline(false)

	ts := 0.0
	for i := 0; i < 80; i++ {
		p.step(t, solidFrame(8, 8, 128, ts))
		ts += tickDt
	}
	for i := 0; i < 400; i++ {
		p.step(t, ditherFrame(8, 8, 128, i, ts))
		ts += tickDt
	}

	excursions := p.excursions(t)
	if len(excursions) == 0 {
		t.Fatal("expected the sustained freeze to open and close an excursion")
	}
	if got := excursions[len(excursions)-1]; got != "FROZEN" {
		t.Fatalf("expected the recorded dominant cause to be FROZEN (the fault, not the recovery tail), got %s", got)
	}
}

func TestPipeline_AnomalyOnlyDecay_DepressesCeilingWithStatusStillOK(t *testing.T) {
	p := newPipeline(false)

	// A uniform-gray baseline: mean matches the gray level, variance and
	// saturated-fraction are both 0, entropy of a single-valued histogram
	// is 0 (ShannonEntropy of one nonzero bin).
	p.scorer.SetBaseline(&anomaly.Baseline{
		MeanVector:      []float64{128, 0, 0},
		BaselineEntropy: 0,
	})

	var last trust.TickSnapshot
	ts := 0.0
	for i := 0; i < 150; i++ {
		// Keep the scene changing (so the analyzer reports OK throughout)
		// but centered far from the baseline gray level, so every frame
		// scores a large, persistent anomaly.
		last = p.step(t, ditherFrame(8, 8, 40, i, ts))
		ts += tickDt
	}

	if last.Status != vision.StatusOK {
		t.Fatalf("expected the scene to stay classified OK, got %s", last.Status)
	}
	if !last.MLInfluenceActive {
		t.Fatal("expected the anomaly integral to be actively depressing reliability")
	}
	if last.Reliability >= 0.999 {
		t.Fatalf("expected a persistent anomaly to hold reliability below the ceiling, got %f", last.Reliability)
	}
}

// excursions returns the dominant_cause column of every exported excursion
// row, for assertions that don't want to hand-parse the full CSV.
func (p *pipeline) excursions(t *testing.T) []string {
	t.Helper()
	_, excursionCSV, err := p.rec.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := splitLines(string(excursionCSV))
	if len(lines) < 2 {
		return nil
	}
	out := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := splitCSVLine(line)
		if len(fields) < 5 {
			continue
		}
		out = append(out, fields[4])
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func splitCSVLine(line string) []string {
	var fields []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ',' {
			fields = append(fields, line[start:i])
			start = i + 1
		}
	}
	fields = append(fields, line[start:])
	return fields
}

func TestPipeline_IntegrityKernel_TamperedReliabilityRiseIsCaughtMidChain(t *testing.T) {
	p := newPipeline(true)

	ts := 0.0
	var okSnap trust.TickSnapshot
	for i := 0; i < 5; i++ {
		okSnap, _, _ = p.engine.Tick(ts, vision.StatusOK, 0)
		ts += tickDt
	}
	if _, err := p.kernel.Check(okSnap); err != nil {
		t.Fatalf("expected the legitimate OK snapshot to check cleanly: %v", err)
	}

	tampered := okSnap
	tampered.Status = vision.StatusFrozen
	tampered.Timestamp = ts
	tampered.Reliability = okSnap.Reliability + 0.05 // rose on a non-OK tick

	if _, err := p.kernel.Check(tampered); err == nil {
		t.Fatal("expected a strict kernel to reject a reliability rise on a non-OK tick")
	}
}
