package viamvisualodometry

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"

	"viamvisualodometry/epipolar"
)

// Correspondences are point pairs tracked from a reference image into a current image.
// Reference[i], Current[i] and Disparities[i] describe the same pair.
type Correspondences struct {
	Reference   []r2.Point
	Current     []r2.Point
	Disparities []float64
}

// Len returns the number of pairs.
func (c Correspondences) Len() int {
	return len(c.Current)
}

// MedianDisparity returns the median pixel displacement, or 0 when there are no pairs.
func (c Correspondences) MedianDisparity() float64 {
	if len(c.Disparities) == 0 {
		return 0
	}
	m, err := stats.Median(c.Disparities)
	if err != nil {
		return 0
	}
	return m
}

// FilterCorrespondences keeps the pairs whose keep flag is set. The inputs are left untouched.
func FilterCorrespondences(ref, cur []r2.Point, keep []bool) Correspondences {
	n := 0
	for i := range keep {
		if keep[i] {
			n++
		}
	}

	out := Correspondences{
		Reference:   make([]r2.Point, 0, n),
		Current:     make([]r2.Point, 0, n),
		Disparities: make([]float64, 0, n),
	}
	for i := range keep {
		if !keep[i] {
			continue
		}
		out.Reference = append(out.Reference, ref[i])
		out.Current = append(out.Current, cur[i])
		out.Disparities = append(out.Disparities, ref[i].Sub(cur[i]).Norm())
	}
	return out
}

// A CorrespondenceEngine detects sparse features and tracks them between two images.
type CorrespondenceEngine interface {
	Detect(img *image.Gray) ([]r2.Point, error)
	// Track must return empty correspondences, not an error, for an empty ref.
	Track(prev, cur *image.Gray, ref []r2.Point) (Correspondences, error)
}

// A MotionEstimator recovers relative rotation and unit translation from matched points.
type MotionEstimator interface {
	EstimateMotion(cur, ref []r2.Point, focal float64, pp r2.Point) (*epipolar.Motion, error)
}
