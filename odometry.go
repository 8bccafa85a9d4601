package viamvisualodometry

import (
	"image"
	"reflect"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"viamvisualodometry/epipolar"
)

// Stage is the processing stage of an odometry session. Stages only move forward.
type Stage int

const (
	// StageBootstrapping1 waits for the first frame to detect features in.
	StageBootstrapping1 Stage = iota
	// StageBootstrapping2 waits for a frame with enough parallax to initialize the pose.
	StageBootstrapping2
	// StageTracking integrates the motion of every new frame.
	StageTracking
)

func (s Stage) String() string {
	switch s {
	case StageBootstrapping1:
		return "bootstrapping_1"
	case StageBootstrapping2:
		return "bootstrapping_2"
	case StageTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Outcome describes what a frame did to the session.
type Outcome int

const (
	// OutcomeDetected means features were detected and no motion was estimated.
	OutcomeDetected Outcome = iota
	// OutcomeInitialized means the pose was defined from the first two views.
	OutcomeInitialized
	// OutcomeIntegrated means the frame's motion was added to the pose.
	OutcomeIntegrated
	// OutcomeStationary means the tracked points barely moved and the pose was kept.
	OutcomeStationary
	// OutcomeLowConfidence means too few pairs supported the estimated motion.
	OutcomeLowConfidence
	// OutcomeDegenerate means too few points survived tracking; features were re-detected.
	OutcomeDegenerate
	// OutcomeScaleGated means the motion was estimated but its scale was too small to trust.
	OutcomeScaleGated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDetected:
		return "detected"
	case OutcomeInitialized:
		return "initialized"
	case OutcomeIntegrated:
		return "integrated"
	case OutcomeStationary:
		return "stationary"
	case OutcomeLowConfidence:
		return "low_confidence"
	case OutcomeDegenerate:
		return "degenerate"
	case OutcomeScaleGated:
		return "scale_gated"
	default:
		return "unknown"
	}
}

// PoseUpdated reports whether the frame changed the pose.
func (o Outcome) PoseUpdated() bool {
	return o == OutcomeInitialized || o == OutcomeIntegrated
}

// FrameReport summarizes the processing of one frame.
type FrameReport struct {
	FrameID         int
	Stage           Stage // stage after the frame
	Outcome         Outcome
	Tracked         int
	Inliers         int
	MedianDisparity float64
	Scale           float64
	Reseeded        bool
	Detected        int
}

// Defaults for Options. Motion slower than DefaultMinParallax pixels per frame is integrated
// once the displacement from the last moving frame exceeds it.
const (
	DefaultMinFeatures = 2000
	DefaultMinInliers  = epipolar.MinPoints
	DefaultMinParallax = 0.5
	DefaultScaleGate   = 0.1
)

// Options tune the odometry policies. Zero values take the defaults.
type Options struct {
	// MinFeatures is the tracked point count under which features are re-detected.
	MinFeatures int
	// MinInliers is the number of supporting pairs a motion needs to be used.
	MinInliers int
	// MinParallax is the median pixel displacement under which a frame is considered
	// stationary. A negative value disables the check.
	MinParallax float64
	// ScaleGate is the scale a motion must exceed to be integrated.
	ScaleGate float64
	// Scale supplies per-frame scale; NominalScale(DefaultNominalScale) when nil.
	Scale ScaleOracle
}

func (o Options) withDefaults() Options {
	if o.MinFeatures <= 0 {
		o.MinFeatures = DefaultMinFeatures
	}
	if o.MinInliers <= 0 {
		o.MinInliers = DefaultMinInliers
	}
	if o.MinParallax == 0 {
		o.MinParallax = DefaultMinParallax
	}
	if o.ScaleGate <= 0 {
		o.ScaleGate = DefaultScaleGate
	}
	if o.Scale == nil {
		o.Scale = NominalScale(DefaultNominalScale)
	}
	return o
}

// Odometry estimates the trajectory of a single camera from consecutive frames.
// It is not safe for concurrent use; frames must be added in capture order.
type Odometry struct {
	cam       *CameraModel
	engine    CorrespondenceEngine
	estimator MotionEstimator
	opts      Options
	logger    logging.Logger

	prev *image.Gray
	frameState

	terminated error
}

// frameState is replaced, never mutated in place, so a frame that fails can restore it.
type frameState struct {
	stage Stage
	cur   *image.Gray

	reference   []r2.Point
	current     []r2.Point
	disparities []float64

	curR *mat.Dense
	curT *mat.Dense
}

// New returns an odometry session for frames produced by cam. cam must outlive the session.
func New(
	cam *CameraModel,
	engine CorrespondenceEngine,
	estimator MotionEstimator,
	opts Options,
	logger logging.Logger,
) *Odometry {
	return &Odometry{
		cam:       cam,
		engine:    engine,
		estimator: estimator,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// AddImage processes the next frame. Color images are converted to grayscale.
// An image that is nil or does not match the camera model returns ErrInvalidInput and
// terminates the session; every later call returns ErrSessionTerminated. Any other error leaves
// the session as it was before the call.
func (vo *Odometry) AddImage(img image.Image, frameID int) (*FrameReport, error) {
	if vo.terminated != nil {
		return nil, errors.Wrap(ErrSessionTerminated, vo.terminated.Error())
	}

	gray, err := vo.toGray(img)
	if err != nil {
		vo.terminated = err
		vo.logger.Errorf("frame %d rejected: %v", frameID, err)
		return nil, err
	}

	saved := vo.frameState
	vo.cur = gray
	var report *FrameReport
	switch vo.stage {
	case StageBootstrapping1:
		report, err = vo.processFirstFrame()
	case StageBootstrapping2:
		report, err = vo.processSecondFrame()
	case StageTracking:
		report, err = vo.processFrame(frameID)
	}
	if err != nil {
		vo.frameState = saved
		return nil, errors.Wrapf(err, "frame %d", frameID)
	}
	// a stationary frame keeps the reference frame so parallax can build up
	if report.Outcome != OutcomeStationary {
		vo.prev = vo.cur
	}

	report.FrameID = frameID
	report.Stage = vo.stage
	vo.logger.Debugf("frame %d: %s tracked=%d inliers=%d disparity=%.2f reseeded=%v",
		frameID, report.Outcome, report.Tracked, report.Inliers, report.MedianDisparity, report.Reseeded)
	return report, nil
}

func (vo *Odometry) toGray(img image.Image) (*image.Gray, error) {
	if img == nil {
		return nil, newInvalidInputError("no image")
	}
	if v := reflect.ValueOf(img); v.Kind() == reflect.Ptr && v.IsNil() {
		return nil, newInvalidInputError("no image")
	}
	b := img.Bounds()
	if b.Dx() != vo.cam.Width() || b.Dy() != vo.cam.Height() {
		return nil, newInvalidInputError("image is %dx%d, camera model is %dx%d",
			b.Dx(), b.Dy(), vo.cam.Width(), vo.cam.Height())
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	return rimage.MakeGray(rimage.ConvertImage(img)), nil
}

func (vo *Odometry) processFirstFrame() (*FrameReport, error) {
	pts, err := vo.engine.Detect(vo.cur)
	if err != nil {
		return nil, err
	}
	vo.reference = pts
	vo.stage = StageBootstrapping2
	return &FrameReport{Outcome: OutcomeDetected, Detected: len(pts)}, nil
}

func (vo *Odometry) processSecondFrame() (*FrameReport, error) {
	report, motion, err := vo.trackAndEstimate()
	if err != nil {
		return nil, err
	}
	if motion != nil {
		t := motion.Translation
		vo.curR = mat.DenseCopyOf(motion.Rotation)
		vo.curT = mat.NewDense(3, 1, []float64{t.X, t.Y, t.Z})
		vo.stage = StageTracking
		report.Outcome = OutcomeInitialized
		vo.logger.Infof("odometry initialized with %d inliers of %d tracked points", motion.NumInliers, report.Tracked)
	}
	vo.reference = vo.current
	return report, nil
}

func (vo *Odometry) processFrame(frameID int) (*FrameReport, error) {
	report, motion, err := vo.trackAndEstimate()
	if err != nil {
		return nil, err
	}

	if motion != nil {
		report.Scale = vo.scale(frameID)
		if report.Scale > vo.opts.ScaleGate {
			vo.integrate(motion, report.Scale)
			report.Outcome = OutcomeIntegrated
		} else {
			report.Outcome = OutcomeScaleGated
		}
	}

	// the refreshed points serve the next frame
	if report.Outcome != OutcomeDegenerate && report.Outcome != OutcomeStationary &&
		len(vo.reference) < vo.opts.MinFeatures {
		if err := vo.reseed(report); err != nil {
			return nil, err
		}
	}

	vo.reference = vo.current
	return report, nil
}

// trackAndEstimate tracks the reference points into the current frame and estimates the motion.
// A nil motion means the pose must not change this frame; the report says why.
// On return vo.current holds the points the next frame should track.
func (vo *Odometry) trackAndEstimate() (*FrameReport, *epipolar.Motion, error) {
	corr, err := vo.engine.Track(vo.prev, vo.cur, vo.reference)
	if err != nil {
		return nil, nil, err
	}
	vo.reference, vo.current, vo.disparities = corr.Reference, corr.Current, corr.Disparities
	report := &FrameReport{
		Tracked:         corr.Len(),
		MedianDisparity: corr.MedianDisparity(),
	}

	if corr.Len() < epipolar.MinPoints {
		pts, err := vo.engine.Detect(vo.cur)
		if err != nil {
			return nil, nil, err
		}
		vo.logger.Warnf("only %d points survived tracking, re-detected %d features", corr.Len(), len(pts))
		vo.current, vo.disparities = pts, nil
		report.Outcome = OutcomeDegenerate
		report.Reseeded = true
		report.Detected = len(pts)
		return report, nil, nil
	}

	if report.MedianDisparity < vo.opts.MinParallax {
		vo.current = corr.Reference
		report.Outcome = OutcomeStationary
		return report, nil, nil
	}

	motion, err := vo.estimator.EstimateMotion(corr.Current, corr.Reference, vo.cam.FocalLength(), vo.cam.PrincipalPoint())
	if err != nil {
		vo.logger.Warnf("motion estimation failed: %v", err)
		report.Outcome = OutcomeLowConfidence
		return report, nil, nil
	}
	report.Inliers = motion.NumInliers
	if motion.NumInliers < vo.opts.MinInliers {
		vo.logger.Warnf("motion supported by %d pairs, need %d; keeping previous pose", motion.NumInliers, vo.opts.MinInliers)
		report.Outcome = OutcomeLowConfidence
		return report, nil, nil
	}
	return report, motion, nil
}

func (vo *Odometry) scale(frameID int) float64 {
	s, err := vo.opts.Scale.Scale(frameID)
	if err != nil {
		vo.logger.Warnf("no scale for frame %d: %v", frameID, err)
		return 0
	}
	return s
}

// integrate composes the relative motion into the accumulated pose.
func (vo *Odometry) integrate(motion *epipolar.Motion, scale float64) {
	t := motion.Translation
	var step, pos mat.Dense
	step.Mul(vo.curR, mat.NewDense(3, 1, []float64{t.X, t.Y, t.Z}))
	pos.Scale(scale, &step)
	pos.Add(vo.curT, &pos)
	vo.curT = &pos

	var r mat.Dense
	r.Mul(motion.Rotation, vo.curR)
	vo.curR = &r
}

// reseed detects fresh features in the previous frame and tracks them into the current one.
func (vo *Odometry) reseed(report *FrameReport) error {
	pts, err := vo.engine.Detect(vo.prev)
	if err != nil {
		return err
	}
	corr, err := vo.engine.Track(vo.prev, vo.cur, pts)
	if err != nil {
		return err
	}
	vo.logger.Debugf("re-seeded: %d reference points, detected %d, kept %d", len(vo.reference), len(pts), corr.Len())
	vo.reference, vo.current, vo.disparities = corr.Reference, corr.Current, corr.Disparities
	report.Reseeded = true
	report.Detected = len(pts)
	return nil
}

// Stage returns the current stage.
func (vo *Odometry) Stage() Stage {
	return vo.stage
}

// CurrentR returns a copy of the accumulated 3x3 rotation, or nil before tracking starts.
func (vo *Odometry) CurrentR() *mat.Dense {
	if vo.curR == nil {
		return nil
	}
	return mat.DenseCopyOf(vo.curR)
}

// CurrentT returns a copy of the accumulated 3x1 translation, or nil before tracking starts.
func (vo *Odometry) CurrentT() *mat.Dense {
	if vo.curT == nil {
		return nil
	}
	return mat.DenseCopyOf(vo.curT)
}

// Position returns the accumulated translation and whether it is defined.
func (vo *Odometry) Position() (r3.Vector, bool) {
	if vo.curT == nil {
		return r3.Vector{}, false
	}
	return r3.Vector{X: vo.curT.At(0, 0), Y: vo.curT.At(1, 0), Z: vo.curT.At(2, 0)}, true
}

// Pose returns the accumulated pose.
func (vo *Odometry) Pose() (spatialmath.Pose, error) {
	if vo.curR == nil {
		return nil, ErrPoseUndefined
	}
	rot, err := spatialmath.NewRotationMatrix(mat.DenseCopyOf(vo.curR).RawMatrix().Data)
	if err != nil {
		return nil, err
	}
	pos, _ := vo.Position()
	return spatialmath.NewPose(pos, rot), nil
}

// ReferenceCount returns the number of points the next frame will track.
func (vo *Odometry) ReferenceCount() int {
	return len(vo.reference)
}

// Disparities returns the disparities of the last tracking call.
func (vo *Odometry) Disparities() []float64 {
	return append([]float64(nil), vo.disparities...)
}

// Err returns the error that terminated the session, if any.
func (vo *Odometry) Err() error {
	return vo.terminated
}
