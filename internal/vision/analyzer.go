// analyzer.go implements Analyze: the stateless-except-previous-frame
// classifier described by the four rules, evaluated in strict priority
// order, first match wins.
package vision

import (
	"math"

	"github.com/visionguard/visionguard/internal/frame"
)

// Constants are the design-time calibration values for the analyzer. All
// have spec reference defaults but are meant to be supplied from
// configuration so a deployment can retune them without a code change.
type Constants struct {
	// V0 is the Laplacian-variance normalization divisor for the blur
	// channel. Reference: 100.
	V0 float64
	// D0 is the mean-abs-inter-frame-diff normalization divisor for the
	// freeze channel. Reference: 20.
	D0 float64
	// H0 is the Shannon-entropy normalization divisor (bits) for the
	// entropy channel. Reference: 7.5.
	H0 float64
	// BlankMeanThreshold is the mean luminance (0-255 scale) below which a
	// frame is classified BLANK. Reference: 5.0 (≈5/255).
	BlankMeanThreshold float64
	// FreezeDiffThreshold is the mean absolute per-pixel luminance diff
	// (0-255 scale) below which a frame is considered unchanged from its
	// predecessor. Reference: 1.0 (≈1/255).
	FreezeDiffThreshold float64
	// FreezeConfirmFrames is the number of consecutive frames (including
	// the current one) that must all be below FreezeDiffThreshold before
	// FROZEN is declared. Reference: 5.
	FreezeConfirmFrames int
}

// DefaultConstants returns the spec reference calibration.
func DefaultConstants() Constants {
	return Constants{
		V0:                   100,
		D0:                   20,
		H0:                   7.5,
		BlankMeanThreshold:   5.0,
		FreezeDiffThreshold:  1.0,
		FreezeConfirmFrames:  5,
	}
}

// Analyzer classifies a stream of frames, remembering only the previous
// frame and a short window of recent inter-frame diffs (for FROZEN
// confirmation). Not safe for concurrent use — §5 assigns the analyzer's
// previous-frame slot to a single owner, matching its single-caller tick
// loop.
type Analyzer struct {
	c Constants

	prev        *frame.Frame
	prevLuma    []float64
	diffHistory []float64 // most recent last, capped at FreezeConfirmFrames-1
}

// NewAnalyzer constructs an Analyzer with the given calibration.
func NewAnalyzer(c Constants) *Analyzer {
	return &Analyzer{c: c}
}

// Analyze classifies f and computes its signal channels. Returns
// *frame.ErrInvalidFrame if f is structurally invalid (nil, zero-sized, or
// buffer-length mismatch); the caller should skip the tick entirely on
// error without advancing any other state. A successful call always
// advances the analyzer's previous-frame state, even when the resulting
// Status is not OK.
func (a *Analyzer) Analyze(f *frame.Frame) (Status, SignalMetrics, error) {
	if err := f.Validate(); err != nil {
		return StatusOK, SignalMetrics{}, err
	}

	luma := f.Luminance()
	meanLum := f.MeanLuminance()

	var metrics SignalMetrics
	metrics.RawMeanLuminance = meanLum
	metrics.Brightness = clamp01(math.Abs(meanLum-128) / 128)

	metrics.RawLaplacianVariance = laplacianVariance(luma, f.Width, f.Height)
	metrics.Blur = 1 - clamp01(metrics.RawLaplacianVariance/a.c.V0)

	hist := luminanceHistogram(luma)
	metrics.RawEntropyBits = ShannonEntropy(hist)
	metrics.Entropy = 1 - clamp01(metrics.RawEntropyBits/a.c.H0)

	var diff float64
	haveDiff := a.prev != nil && f.SameShape(a.prev)
	if haveDiff {
		diff = meanAbsDiff(luma, a.prevLuma)
		metrics.RawMeanAbsDiff = diff
		metrics.Freeze = 1 - clamp01(diff/a.c.D0)
	}

	var status Status
	switch {
	case a.prev != nil && !f.SameShape(a.prev):
		status = StatusCorrupted
	case meanLum < a.c.BlankMeanThreshold:
		status = StatusBlank
	case haveDiff:
		if a.frozenConfirmed(diff) {
			status = StatusFrozen
		} else {
			status = StatusOK
		}
	default:
		// First frame of the stream: no previous frame, so only BLANK vs
		// OK are considered (rule 3 requires a previous frame to exist).
		status = StatusOK
	}

	// Raw diff telemetry and the freeze-confirmation history are retained
	// whenever a same-shape previous frame exists, independent of which
	// status wins above: a BLANK tick still represents a real inter-frame
	// transition that the next FROZEN confirmation window must see. A
	// CORRUPTED (shape-change) tick has no comparable diff and pushes none.
	if haveDiff {
		a.pushDiff(diff)
	}

	a.prev = f
	a.prevLuma = luma

	return status, metrics, nil
}

// frozenConfirmed reports whether diff, together with the stored diff
// history, forms FreezeConfirmFrames consecutive below-threshold diffs.
func (a *Analyzer) frozenConfirmed(diff float64) bool {
	need := a.c.FreezeConfirmFrames - 1
	if need < 0 {
		need = 0
	}
	if diff >= a.c.FreezeDiffThreshold {
		return false
	}
	if len(a.diffHistory) < need {
		return false
	}
	for _, d := range a.diffHistory[len(a.diffHistory)-need:] {
		if d >= a.c.FreezeDiffThreshold {
			return false
		}
	}
	return true
}

func (a *Analyzer) pushDiff(diff float64) {
	cap := a.c.FreezeConfirmFrames - 1
	if cap <= 0 {
		return
	}
	a.diffHistory = append(a.diffHistory, diff)
	if len(a.diffHistory) > cap {
		a.diffHistory = a.diffHistory[len(a.diffHistory)-cap:]
	}
}

// meanAbsDiff computes the mean absolute difference between two equal-
// length luminance projections. Panics never: mismatched lengths (only
// possible if shape differs, which is classified CORRUPTED before this is
// called) return 0.
func meanAbsDiff(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(len(a))
}

// laplacianVariance applies the discrete Laplacian kernel
// [[0,1,0],[1,-4,1],[0,1,0]] to a row-major luminance grid and returns the
// variance of the response. Interior pixels only; a 1px border is left
// untouched and excluded from the variance calculation.
func laplacianVariance(luma []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	resp := make([]float64, 0, (w-2)*(h-2))
	at := func(x, y int) float64 { return luma[y*w+x] }
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
			resp = append(resp, v)
		}
	}
	if len(resp) == 0 {
		return 0
	}
	var mean float64
	for _, v := range resp {
		mean += v
	}
	mean /= float64(len(resp))
	var variance float64
	for _, v := range resp {
		d := v - mean
		variance += d * d
	}
	return variance / float64(len(resp))
}
