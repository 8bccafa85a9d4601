package flow

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"go.viam.com/rdk/logging"

	vo "viamvisualodometry"
)

// TrackerConfig tunes corner detection and pyramidal Lucas-Kanade tracking.
type TrackerConfig struct {
	FastThreshold   int
	NonMaxSuppress  bool
	WindowSize      int
	MaxLevel        int
	MaxIterations   int
	Epsilon         float64
	MinEigThreshold float64
}

// DefaultTrackerConfig returns FAST threshold 20 with non-maximum suppression, and a 21x21
// window over 4 pyramid levels stopping after 30 iterations or a 0.001 step.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		FastThreshold:   vo.DefaultFastThreshold,
		NonMaxSuppress:  true,
		WindowSize:      21,
		MaxLevel:        4,
		MaxIterations:   30,
		Epsilon:         0.001,
		MinEigThreshold: 1e-4,
	}
}

// Engine detects FAST corners and tracks them with optical flow. It implements
// vo.CorrespondenceEngine and is not safe for concurrent use.
type Engine struct {
	cfg    TrackerConfig
	logger logging.Logger
}

// NewEngine returns an engine.
func NewEngine(cfg TrackerConfig, logger logging.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

// Detect returns the FAST corners of img.
func (e *Engine) Detect(img *image.Gray) ([]r2.Point, error) {
	m, err := grayToMat(img)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	fast := gocv.NewFastFeatureDetectorWithParams(e.cfg.FastThreshold, e.cfg.NonMaxSuppress, gocv.FastFeatureDetectorType9_16)
	defer fast.Close()

	kps := fast.Detect(m)
	pts := make([]r2.Point, len(kps))
	for i, kp := range kps {
		pts[i] = r2.Point{X: kp.X, Y: kp.Y}
	}
	e.logger.Debugf("detected %d corners", len(pts))
	return pts, nil
}

// Track follows ref from prev into cur. Points the tracker loses, or that land outside cur,
// are dropped from both sides.
func (e *Engine) Track(prev, cur *image.Gray, ref []r2.Point) (vo.Correspondences, error) {
	if len(ref) == 0 {
		return vo.FilterCorrespondences(nil, nil, nil), nil
	}

	prevMat, err := grayToMat(prev)
	if err != nil {
		return vo.Correspondences{}, err
	}
	defer prevMat.Close()

	curMat, err := grayToMat(cur)
	if err != nil {
		return vo.Correspondences{}, err
	}
	defer curMat.Close()

	pts := make([]gocv.Point2f, len(ref))
	for i, p := range ref {
		pts[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	pv := gocv.NewPoint2fVectorFromPoints(pts)
	defer pv.Close()
	prevPts := gocv.NewMatFromPoint2fVector(pv, true)
	defer prevPts.Close()

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errMat := gocv.NewMat()
	defer errMat.Close()

	gocv.CalcOpticalFlowPyrLKWithParams(prevMat, curMat, prevPts, nextPts, &status, &errMat,
		image.Pt(e.cfg.WindowSize, e.cfg.WindowSize), e.cfg.MaxLevel,
		gocv.NewTermCriteria(gocv.Count+gocv.EPS, e.cfg.MaxIterations, e.cfg.Epsilon),
		0, e.cfg.MinEigThreshold)

	if nextPts.Rows() != len(ref) || status.Rows() != len(ref) {
		return vo.Correspondences{}, errors.Errorf("optical flow returned %d points for %d inputs", nextPts.Rows(), len(ref))
	}

	w, h := float64(cur.Bounds().Dx()), float64(cur.Bounds().Dy())
	next := make([]r2.Point, len(ref))
	keep := make([]bool, len(ref))
	for i := range ref {
		v := nextPts.GetVecfAt(i, 0)
		next[i] = r2.Point{X: float64(v[0]), Y: float64(v[1])}
		keep[i] = status.GetUCharAt(i, 0) == 1 &&
			next[i].X >= 0 && next[i].Y >= 0 && next[i].X < w && next[i].Y < h
	}

	corr := vo.FilterCorrespondences(ref, next, keep)
	e.logger.Debugf("tracked %d of %d points", corr.Len(), len(ref))
	return corr, nil
}

func grayToMat(img *image.Gray) (gocv.Mat, error) {
	if img == nil {
		return gocv.Mat{}, errors.New("nil image")
	}
	return gocv.ImageGrayToMatGray(img)
}
