// engine.go implements the built-in "mahalanobis" anomaly Source: a
// Mahalanobis-distance scorer over a small per-frame feature vector,
// combined with an entropy-delta term, against a baseline fitted offline.
//
// This is one illustrative implementation of the Source contract, not the
// only one a deployment is expected to run — the real anomaly model (an
// autoencoder trained on normal frames) lives outside this module, and its
// training pipeline is explicitly out of scope here. What matters to the
// rest of the system is only the scalar this produces.
//
// Formula: A = (x - μ)ᵀ Σ⁻¹ (x - μ) + wₑ |ΔH|
package anomaly

import (
	"fmt"
	"math"
	"sync"

	"github.com/visionguard/visionguard/internal/frame"
)

// Baseline holds the statistical parameters fitted for "normal" frames.
type Baseline struct {
	// MeanVector is the per-feature mean, length n.
	MeanVector []float64
	// CovarianceMatrix is the n×n sample covariance matrix.
	CovarianceMatrix [][]float64
	// InvCovariance is the precomputed inverse of CovarianceMatrix, nil if
	// singular (falls back to Euclidean distance).
	InvCovariance [][]float64
	// BaselineEntropy is the Shannon entropy of the baseline luminance
	// histogram distribution.
	BaselineEntropy float64
	// SampleCount is how many frames were used to fit this baseline.
	SampleCount int
}

// Engine computes anomaly scores for frames against a Baseline. Thread-
// safe: Score and SetBaseline may be called concurrently.
type Engine struct {
	mu            sync.RWMutex
	entropyWeight float64
	baseline      *Baseline
}

// NewEngine creates an anomaly engine with the given entropy weight.
// entropyWeight must be in [0,1]. Panics if out of range, matching the
// fail-fast discipline used for all other constructor-time invariants in
// this codebase.
func NewEngine(entropyWeight float64) *Engine {
	if entropyWeight < 0.0 || entropyWeight > 1.0 {
		panic(fmt.Sprintf("anomaly: entropyWeight %f out of range [0,1]", entropyWeight))
	}
	return &Engine{entropyWeight: entropyWeight}
}

// Name implements Source.
func (e *Engine) Name() string { return "mahalanobis" }

// SetBaseline installs b as the active baseline. Pass nil to clear it (all
// subsequent scores return 0 until a baseline is installed again).
func (e *Engine) SetBaseline(b *Baseline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline = b
}

// Score implements Source. Returns 0 if no baseline is installed (no data
// to compare against yet, e.g. at cold start).
func (e *Engine) Score(f *frame.Frame) (float64, error) {
	e.mu.RLock()
	baseline := e.baseline
	wE := e.entropyWeight
	e.mu.RUnlock()

	if baseline == nil {
		return 0.0, nil
	}

	x, currentH := featureVector(f)
	n := len(baseline.MeanVector)
	if len(x) != n {
		return 0.0, fmt.Errorf("anomaly: feature dimension mismatch: have %d, baseline has %d", len(x), n)
	}

	diff := make([]float64, n)
	for i := range diff {
		diff[i] = x[i] - baseline.MeanVector[i]
	}

	var mahal float64
	if baseline.InvCovariance != nil {
		mahal = mahalanobisSquared(diff, baseline.InvCovariance)
	} else {
		mahal = euclideanSquared(diff)
	}

	deltaH := math.Abs(currentH - baseline.BaselineEntropy)
	return mahal + wE*deltaH, nil
}

// featureVector derives a small, cheap-to-compute feature vector from a
// frame for baseline comparison: mean luminance, luminance variance, and
// the fraction of saturated (near-0 or near-255) pixels. currentH is the
// Shannon entropy of the luminance histogram, returned separately since it
// feeds the entropy-delta term rather than the Mahalanobis term.
func featureVector(f *frame.Frame) (x []float64, currentH float64) {
	lum := f.Luminance()
	n := len(lum)
	if n == 0 {
		return []float64{0, 0, 0}, 0
	}

	var sum, sumSq float64
	var saturated int
	for _, v := range lum {
		sum += v
		sumSq += v * v
		if v <= 2 || v >= 253 {
			saturated++
		}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	satFrac := float64(saturated) / float64(n)

	hist := [256]uint64{}
	for _, v := range lum {
		bin := int(v)
		if bin < 0 {
			bin = 0
		} else if bin > 255 {
			bin = 255
		}
		hist[bin]++
	}
	var total uint64
	for _, c := range hist {
		total += c
	}
	var h float64
	if total > 0 {
		ft := float64(total)
		for _, c := range hist {
			if c == 0 {
				continue
			}
			p := float64(c) / ft
			h -= p * math.Log2(p)
		}
	}

	return []float64{mean, variance, satFrac}, h
}

// mahalanobisSquared computes vᵀ M v.
func mahalanobisSquared(v []float64, M [][]float64) float64 {
	n := len(v)
	Mv := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			Mv[i] += M[i][j] * v[j]
		}
	}
	var result float64
	for i := 0; i < n; i++ {
		result += v[i] * Mv[i]
	}
	return result
}

// euclideanSquared computes the squared Euclidean norm of v, used as a
// fallback when the covariance matrix is singular.
func euclideanSquared(v []float64) float64 {
	var sum float64
	for _, vi := range v {
		sum += vi * vi
	}
	return sum
}

// InvertCovariance computes the inverse of a symmetric positive-definite
// matrix via Cholesky decomposition. Returns nil if the matrix is singular
// or not positive-definite, in which case Score falls back to Euclidean
// distance.
func InvertCovariance(cov [][]float64) [][]float64 {
	n := len(cov)
	if n == 0 {
		return nil
	}
	l := choleskyDecompose(cov)
	if l == nil {
		return nil
	}
	linv := invertLowerTriangular(l)
	if linv == nil {
		return nil
	}
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				inv[i][j] += linv[k][i] * linv[k][j]
			}
		}
	}
	return inv
}

func choleskyDecompose(a [][]float64) [][]float64 {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil
				}
				l[i][j] = math.Sqrt(sum)
			} else {
				if l[j][j] == 0 {
					return nil
				}
				l[i][j] = sum / l[j][j]
			}
		}
	}
	return l
}

func invertLowerTriangular(l [][]float64) [][]float64 {
	n := len(l)
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		if l[j][j] == 0 {
			return nil
		}
		inv[j][j] = 1.0 / l[j][j]
		for i := j + 1; i < n; i++ {
			var sum float64
			for k := j; k < i; k++ {
				sum -= l[i][k] * inv[k][j]
			}
			inv[i][j] = sum / l[i][i]
		}
	}
	return inv
}
