package epipolar

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"
)

var identity = mat.NewDiagDense(3, []float64{1, 1, 1})

// eightPoint fits an essential matrix to calibrated correspondences with the normalized
// eight-point algorithm. p2[i]^T E p1[i] = 0 for a perfect fit.
func eightPoint(p1, p2 []r2.Point) (*mat.Dense, bool) {
	q1, t1, ok := normalizePoints(p1)
	if !ok {
		return nil, false
	}
	q2, t2, ok := normalizePoints(p2)
	if !ok {
		return nil, false
	}

	a := mat.NewDense(len(q1), 9, nil)
	for i := range q1 {
		v1 := q1[i]
		v2 := q2[i]
		a.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}
	h, ok := nullVector(a)
	if !ok {
		return nil, false
	}

	// undo the normalization: T2^T E T1
	var tmp, e mat.Dense
	tmp.Mul(t2.T(), mat.NewDense(3, 3, h))
	e.Mul(&tmp, t1)
	return enforceEssential(&e)
}

// enforceEssential projects a 3x3 matrix onto the essential manifold (singular values 1, 1, 0).
func enforceEssential(e *mat.Dense) (*mat.Dense, bool) {
	out, err := transform.GetEssentialMatrixFromFundamental(mat.DenseCopyOf(identity), mat.DenseCopyOf(identity), e)
	if err != nil {
		return nil, false
	}
	return out, true
}

// nullVector returns the right singular vector of a for its smallest singular value.
func nullVector(a *mat.Dense) ([]float64, bool) {
	r, c := a.Dims()
	kind := mat.SVDThinV
	if r < c {
		kind = mat.SVDFullV
	}
	var svd mat.SVD
	if !svd.Factorize(a, kind) {
		return nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	return mat.Col(nil, c-1, &v), true
}

// normalizePoints centers the points on their centroid and scales them to a mean distance
// of sqrt(2), as in Multiple View Geometry, Alg 11.1.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, bool) {
	n := float64(len(pts))
	var mu r2.Point
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1 / n)

	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm()
	}
	d /= n
	if d < 1e-12 {
		return nil, nil, false
	}
	scale := math.Sqrt2 / d

	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = pt.Sub(mu).Mul(scale)
	}
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	return out, t, true
}

// essentialCoeffs copies a 3x3 matrix into row-major order.
func essentialCoeffs(e *mat.Dense) [9]float64 {
	var m [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[3*i+j] = e.At(i, j)
		}
	}
	return m
}

// sampsonDistance is the first-order geometric error of the pair (p1, p2) under E.
func sampsonDistance(m *[9]float64, p1, p2 r2.Point) float64 {
	ex1 := [3]float64{
		m[0]*p1.X + m[1]*p1.Y + m[2],
		m[3]*p1.X + m[4]*p1.Y + m[5],
		m[6]*p1.X + m[7]*p1.Y + m[8],
	}
	etx2 := [2]float64{
		m[0]*p2.X + m[3]*p2.Y + m[6],
		m[1]*p2.X + m[4]*p2.Y + m[7],
	}
	num := p2.X*ex1[0] + p2.Y*ex1[1] + ex1[2]
	den := ex1[0]*ex1[0] + ex1[1]*ex1[1] + etx2[0]*etx2[0] + etx2[1]*etx2[1]
	if den < 1e-300 {
		return math.Inf(1)
	}
	return num * num / den
}

// decomposeEssential returns the two rotations and the translation direction encoded by E.
func decomposeEssential(e *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, bool) {
	rotA, rotB, t, err := transform.DecomposeEssentialMatrix(e)
	if err != nil {
		return nil, nil, r3.Vector{}, false
	}
	dir := r3.Vector{X: t.At(0, 0), Y: t.At(1, 0), Z: t.At(2, 0)}
	if dir.Norm() < 1e-12 {
		return nil, nil, r3.Vector{}, false
	}
	return rotA, rotB, dir.Normalize(), true
}
