// entropy.go computes the Shannon entropy signal channel: a frame with a
// luminance histogram concentrated in a few bins (e.g. a test-card pattern,
// a stuck sensor) has low entropy; a natural scene has high entropy.
//
// Formula: H = -Σ p(bᵢ) * log₂(p(bᵢ)), bits, over the empirical probability
// of each luminance histogram bin.
package vision

import "math"

const lumaBins = 256

// ShannonEntropy computes H = -Σ p(bᵢ) * log₂(p(bᵢ)) over a histogram.
// Returns 0 if the histogram is empty (0 * log(0) = 0 by convention for
// empty bins).
func ShannonEntropy(hist [lumaBins]uint64) float64 {
	var total uint64
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return 0.0
	}
	fTotal := float64(total)
	var h float64
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / fTotal
		h -= p * math.Log2(p)
	}
	return h
}

// luminanceHistogram buckets a luminance projection into 256 integer bins.
func luminanceHistogram(luminance []float64) [lumaBins]uint64 {
	var hist [lumaBins]uint64
	for _, v := range luminance {
		bin := int(v)
		if bin < 0 {
			bin = 0
		} else if bin >= lumaBins {
			bin = lumaBins - 1
		}
		hist[bin]++
	}
	return hist
}
