package epipolar

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// maxDepth bounds triangulated depths, in baselines, so points near infinity do not vote.
const maxDepth = 50.0

// triangulator solves the linear two-view triangulation for cameras [I|0] and [R|t].
type triangulator struct {
	r   [9]float64
	t   r3.Vector
	a   *mat.Dense
	svd mat.SVD
	v   mat.Dense
}

func newTriangulator(r *mat.Dense, t r3.Vector) *triangulator {
	return &triangulator{
		r: essentialCoeffs(r),
		t: t,
		a: mat.NewDense(4, 4, nil),
	}
}

// point returns the 3D point in the first camera seen at p1 in the first view and p2 in the second.
func (tr *triangulator) point(p1, p2 r2.Point) (r3.Vector, bool) {
	r := &tr.r
	tr.a.SetRow(0, []float64{-1, 0, p1.X, 0})
	tr.a.SetRow(1, []float64{0, -1, p1.Y, 0})
	tr.a.SetRow(2, []float64{
		p2.X*r[6] - r[0],
		p2.X*r[7] - r[1],
		p2.X*r[8] - r[2],
		p2.X*tr.t.Z - tr.t.X,
	})
	tr.a.SetRow(3, []float64{
		p2.Y*r[6] - r[3],
		p2.Y*r[7] - r[4],
		p2.Y*r[8] - r[5],
		p2.Y*tr.t.Z - tr.t.Y,
	})

	if !tr.svd.Factorize(tr.a, mat.SVDFullV) {
		return r3.Vector{}, false
	}
	tr.svd.VTo(&tr.v)
	w := tr.v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: tr.v.At(0, 3) / w, Y: tr.v.At(1, 3) / w, Z: tr.v.At(2, 3) / w}, true
}

// inFront reports whether the pair triangulates in front of both cameras within maxDepth.
func (tr *triangulator) inFront(p1, p2 r2.Point) bool {
	x, ok := tr.point(p1, p2)
	if !ok || x.Z <= 0 || x.Z >= maxDepth {
		return false
	}
	x2 := rotate(&tr.r, x).Add(tr.t)
	return x2.Z > 0 && x2.Z < maxDepth
}

func rotate(r *[9]float64, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0]*v.X + r[1]*v.Y + r[2]*v.Z,
		Y: r[3]*v.X + r[4]*v.Y + r[5]*v.Z,
		Z: r[6]*v.X + r[7]*v.Y + r[8]*v.Z,
	}
}
