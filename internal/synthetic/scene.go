// Package synthetic renders a rigid 3D point scene through a moving pinhole camera. Its Engine
// stands in for a feature tracker so odometry can be checked against exact ground truth.
package synthetic

import (
	"image"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	vo "viamvisualodometry"
)

const (
	border   = 5.0
	minDepth = 4.0
	maxDepth = 12.0
	nearClip = 0.5
)

// Pose places a camera in the world: X_world = Ry(Yaw) * X_cam + Center.
type Pose struct {
	Yaw    float64 // radians, about the camera y axis
	Center r3.Vector
}

func (p Pose) toWorld(x r3.Vector) r3.Vector {
	s, c := math.Sincos(p.Yaw)
	return r3.Vector{X: c*x.X + s*x.Z, Y: x.Y, Z: -s*x.X + c*x.Z}.Add(p.Center)
}

func (p Pose) toCamera(x r3.Vector) r3.Vector {
	d := x.Sub(p.Center)
	s, c := math.Sincos(p.Yaw)
	return r3.Vector{X: c*d.X - s*d.Z, Y: d.Y, Z: s*d.X + c*d.Z}
}

// Forward returns n+1 poses moving along +z by step per frame, starting at the origin.
func Forward(n int, step float64) []Pose {
	poses := make([]Pose, n+1)
	for i := range poses {
		poses[i] = Pose{Center: r3.Vector{Z: float64(i) * step}}
	}
	return poses
}

// Turning returns n+1 poses that advance one unit per frame along their own optical axis while
// yawing by yawStep per frame.
func Turning(n int, yawStep float64) []Pose {
	poses := make([]Pose, n+1)
	for i := 1; i < len(poses); i++ {
		prev := poses[i-1]
		poses[i] = Pose{
			Yaw:    prev.Yaw + yawStep,
			Center: prev.toWorld(r3.Vector{Z: 1}),
		}
	}
	return poses
}

type key struct {
	frame int
	pt    r2.Point
}

// Engine implements vo.CorrespondenceEngine over a synthetic scene. Each image carries its frame
// index in its first two pixels; Image builds such frames.
type Engine struct {
	cam      *vo.CameraModel
	poses    []Pose
	count    int
	rng      *rand.Rand
	landmark map[key]r3.Vector

	dropNext int

	DetectCalls []int // frame index of every Detect call
}

// NewEngine returns an engine detecting count features per call.
func NewEngine(cam *vo.CameraModel, poses []Pose, count int, seed int64) *Engine {
	return &Engine{
		cam:      cam,
		poses:    poses,
		count:    count,
		rng:      rand.New(rand.NewSource(seed)),
		landmark: map[key]r3.Vector{},
		dropNext: -1,
	}
}

// Image returns the frame for pose index i.
func (e *Engine) Image(i int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, e.cam.Width(), e.cam.Height()))
	img.Pix[0], img.Pix[1] = uint8(i), uint8(i>>8)
	return img
}

// DropNext makes the next Track call return at most keep pairs.
func (e *Engine) DropNext(keep int) {
	e.dropNext = keep
}

func (e *Engine) frame(img *image.Gray) (int, error) {
	if img == nil {
		return 0, errors.New("nil frame")
	}
	i := int(img.Pix[0]) | int(img.Pix[1])<<8
	if i >= len(e.poses) {
		return 0, errors.Errorf("frame %d has no pose", i)
	}
	return i, nil
}

// Detect back-projects random pixels to random depths in front of the camera.
func (e *Engine) Detect(img *image.Gray) ([]r2.Point, error) {
	i, err := e.frame(img)
	if err != nil {
		return nil, err
	}
	e.DetectCalls = append(e.DetectCalls, i)

	f := e.cam.FocalLength()
	pp := e.cam.PrincipalPoint()
	w, h := float64(e.cam.Width()), float64(e.cam.Height())
	pts := make([]r2.Point, 0, e.count)
	for len(pts) < e.count {
		pt := r2.Point{
			X: border + e.rng.Float64()*(w-2*border),
			Y: border + e.rng.Float64()*(h-2*border),
		}
		z := minDepth + e.rng.Float64()*(maxDepth-minDepth)
		x := r3.Vector{X: (pt.X - pp.X) / f * z, Y: (pt.Y - pp.Y) / f * z, Z: z}
		e.landmark[key{i, pt}] = e.poses[i].toWorld(x)
		pts = append(pts, pt)
	}
	return pts, nil
}

// Project returns the pixel of world point x in frame i and whether it is visible.
func (e *Engine) Project(i int, x r3.Vector) (r2.Point, bool) {
	xc := e.poses[i].toCamera(x)
	if xc.Z < nearClip {
		return r2.Point{}, false
	}
	f := e.cam.FocalLength()
	pp := e.cam.PrincipalPoint()
	pt := r2.Point{X: f*xc.X/xc.Z + pp.X, Y: f*xc.Y/xc.Z + pp.Y}
	if pt.X < 0 || pt.Y < 0 || pt.X >= float64(e.cam.Width()) || pt.Y >= float64(e.cam.Height()) {
		return r2.Point{}, false
	}
	return pt, true
}

// Track reprojects the landmarks behind ref into cur. Unknown points and points that leave the
// view are dropped.
func (e *Engine) Track(prev, cur *image.Gray, ref []r2.Point) (vo.Correspondences, error) {
	pi, err := e.frame(prev)
	if err != nil {
		return vo.Correspondences{}, err
	}
	ci, err := e.frame(cur)
	if err != nil {
		return vo.Correspondences{}, err
	}

	limit := len(ref)
	if e.dropNext >= 0 {
		limit, e.dropNext = e.dropNext, -1
	}

	next := make([]r2.Point, len(ref))
	keep := make([]bool, len(ref))
	kept := 0
	for j, p := range ref {
		if kept >= limit {
			break
		}
		x, ok := e.landmark[key{pi, p}]
		if !ok {
			continue
		}
		q, ok := e.Project(ci, x)
		if !ok {
			continue
		}
		e.landmark[key{ci, q}] = x
		next[j], keep[j] = q, true
		kept++
	}
	return vo.FilterCorrespondences(ref, next, keep), nil
}
