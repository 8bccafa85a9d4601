// Package epipolar estimates the relative motion between two calibrated views from point
// correspondences: a RANSAC fit of the essential matrix followed by its decomposition into a
// rotation and a unit translation.
package epipolar

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultConfidence is the probability that RANSAC draws at least one outlier-free sample.
	DefaultConfidence = 0.999
	// DefaultThreshold is the inlier distance, in pixels.
	DefaultThreshold = 1.0
	// DefaultMaxIterations caps the number of RANSAC hypotheses.
	DefaultMaxIterations = 1000

	// MinPoints is the number of pairs needed to fit an essential matrix.
	MinPoints = 8
)

// Errors returned by EstimateMotion.
var (
	ErrMismatchedPoints = errors.New("point sets must have the same number of elements")
	ErrTooFewPoints     = errors.New("not enough correspondences to estimate motion")
	ErrNoModel          = errors.New("no essential matrix could be fit to the correspondences")
)

// Motion is the relative motion between two views. Points seen by the current camera map into
// the reference camera as X_ref = Rotation * X_cur + Translation.
type Motion struct {
	Essential   *mat.Dense
	Rotation    *mat.Dense
	Translation r3.Vector // unit norm
	Inliers     []bool
	NumInliers  int
}

// Estimator fits essential matrices with RANSAC. It is not safe for concurrent use.
type Estimator struct {
	Confidence    float64
	Threshold     float64
	MaxIterations int

	rng *rand.Rand
}

// NewEstimator returns an estimator with the default parameters. The seed makes sampling
// reproducible.
func NewEstimator(seed int64) *Estimator {
	return &Estimator{
		Confidence:    DefaultConfidence,
		Threshold:     DefaultThreshold,
		MaxIterations: DefaultMaxIterations,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// EstimateMotion recovers the motion between the view where cur was observed and the view
// where ref was observed. cur[i] and ref[i] must be the same scene point, in pixels.
func (e *Estimator) EstimateMotion(cur, ref []r2.Point, focal float64, pp r2.Point) (*Motion, error) {
	if len(cur) != len(ref) {
		return nil, ErrMismatchedPoints
	}
	if len(cur) < MinPoints {
		return nil, errors.Wrapf(ErrTooFewPoints, "got %d pairs, need %d", len(cur), MinPoints)
	}
	if focal <= 0 {
		return nil, errors.Errorf("focal length must be positive, got %v", focal)
	}

	x1 := normalizeImagePoints(cur, focal, pp)
	x2 := normalizeImagePoints(ref, focal, pp)

	essential, inliers, err := e.ransac(x1, x2, e.Threshold/focal)
	if err != nil {
		return nil, err
	}

	rotation, translation, mask, err := recoverPose(essential, x1, x2, inliers)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, in := range mask {
		if in {
			count++
		}
	}

	return &Motion{
		Essential:   essential,
		Rotation:    rotation,
		Translation: translation,
		Inliers:     mask,
		NumInliers:  count,
	}, nil
}

func (e *Estimator) ransac(x1, x2 []r2.Point, threshold float64) (*mat.Dense, []bool, error) {
	n := len(x1)
	thresh2 := threshold * threshold

	var best *mat.Dense
	bestCount := 0
	bestMask := make([]bool, n)
	mask := make([]bool, n)

	idx := make([]int, MinPoints)
	s1 := make([]r2.Point, MinPoints)
	s2 := make([]r2.Point, MinPoints)

	iterations := e.MaxIterations
	for iter := 0; iter < iterations; iter++ {
		sampleIndices(e.rng, n, idx)
		for j, k := range idx {
			s1[j] = x1[k]
			s2[j] = x2[k]
		}
		model, ok := eightPoint(s1, s2)
		if !ok {
			continue
		}
		count := countInliers(model, x1, x2, thresh2, mask)
		if count > bestCount {
			best = model
			bestCount = count
			copy(bestMask, mask)
			iterations = updateIterations(e.Confidence, float64(n-count)/float64(n), MinPoints, iterations)
		}
	}
	if best == nil {
		return nil, nil, ErrNoModel
	}

	// refit on the consensus set
	if bestCount >= MinPoints {
		in1, in2 := selectPairs(x1, x2, bestMask)
		if refined, ok := eightPoint(in1, in2); ok {
			if count := countInliers(refined, x1, x2, thresh2, mask); count >= bestCount {
				best = refined
				copy(bestMask, mask)
			}
		}
	}
	return best, bestMask, nil
}

// recoverPose picks the decomposition of E that puts the most inliers in front of both cameras.
func recoverPose(essential *mat.Dense, x1, x2 []r2.Point, inliers []bool) (*mat.Dense, r3.Vector, []bool, error) {
	rotA, rotB, t, ok := decomposeEssential(essential)
	if !ok {
		return nil, r3.Vector{}, nil, ErrNoModel
	}
	candidates := []struct {
		r *mat.Dense
		t r3.Vector
	}{
		{rotA, t},
		{rotA, t.Mul(-1)},
		{rotB, t},
		{rotB, t.Mul(-1)},
	}

	bestIdx, bestCount := 0, -1
	var bestMask []bool
	for i, c := range candidates {
		tr := newTriangulator(c.r, c.t)
		mask := make([]bool, len(x1))
		count := 0
		for j := range x1 {
			if inliers[j] && tr.inFront(x1[j], x2[j]) {
				mask[j] = true
				count++
			}
		}
		if count > bestCount {
			bestIdx, bestCount, bestMask = i, count, mask
		}
	}
	return candidates[bestIdx].r, candidates[bestIdx].t, bestMask, nil
}

func countInliers(e *mat.Dense, x1, x2 []r2.Point, thresh2 float64, mask []bool) int {
	m := essentialCoeffs(e)
	count := 0
	for i := range x1 {
		mask[i] = sampsonDistance(&m, x1[i], x2[i]) <= thresh2
		if mask[i] {
			count++
		}
	}
	return count
}

// updateIterations returns how many hypotheses are needed to reach the confidence level given
// the current outlier ratio, never more than maxIters.
func updateIterations(confidence, outlierRatio float64, modelPoints, maxIters int) int {
	num := math.Log(math.Max(1-confidence, math.SmallestNonzeroFloat64))
	denom := 1 - math.Pow(1-outlierRatio, float64(modelPoints))
	if denom < math.SmallestNonzeroFloat64 {
		return 0
	}
	denom = math.Log(denom)
	if denom >= 0 || -num >= float64(maxIters)*(-denom) {
		return maxIters
	}
	return int(math.Round(num / denom))
}

// sampleIndices fills idx with distinct indices in [0, n).
func sampleIndices(rng *rand.Rand, n int, idx []int) {
	for i := range idx {
	draw:
		for {
			k := rng.Intn(n)
			for _, prev := range idx[:i] {
				if prev == k {
					continue draw
				}
			}
			idx[i] = k
			break
		}
	}
}

func selectPairs(x1, x2 []r2.Point, mask []bool) ([]r2.Point, []r2.Point) {
	var o1, o2 []r2.Point
	for i := range mask {
		if mask[i] {
			o1 = append(o1, x1[i])
			o2 = append(o2, x2[i])
		}
	}
	return o1, o2
}

func normalizeImagePoints(pts []r2.Point, focal float64, pp r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = pt.Sub(pp).Mul(1 / focal)
	}
	return out
}
