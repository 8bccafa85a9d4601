package flow

import (
	"context"
	"image"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rutils "go.viam.com/rdk/utils"

	vo "viamvisualodometry"
	"viamvisualodometry/epipolar"
)

var Model = vo.NamespaceFamily.WithModel("monocular-odometry")

func init() {
	resource.RegisterComponent(movementsensor.API, Model,
		resource.Registration[movementsensor.MovementSensor, *vo.Config]{
			Constructor: newOdometrySensor,
		},
	)
}

// FrameSource supplies the images fed to the odometry.
type FrameSource interface {
	NextFrame(ctx context.Context) (image.Image, error)
}

type cameraSource struct {
	cam camera.Camera
}

func (s *cameraSource) NextFrame(ctx context.Context) (image.Image, error) {
	imgs, _, err := s.cam.Images(ctx)
	if err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return nil, errors.New("camera returned no images")
	}
	return imgs[0].Image, nil
}

// sample is the pose after a processed frame.
type sample struct {
	pos r3.Vector
	rot spatialmath.Orientation
	t   time.Time
}

type odometrySensor struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *vo.Config
	clk    clock.Clock
	source FrameSource

	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup

	mu         sync.Mutex
	odo        *vo.Odometry
	trajectory vo.Trajectory
	frameID    int
	last       *vo.FrameReport
	prev, cur  *sample
	terminal   error
}

func newOdometrySensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (movementsensor.MovementSensor, error) {
	conf, err := resource.NativeConfig[*vo.Config](rawConf)
	if err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, conf.Camera)
	if err != nil {
		return nil, err
	}

	return NewOdometrySensor(ctx, rawConf.ResourceName(), conf, &cameraSource{cam}, logger)
}

// NewOdometrySensor returns a movement sensor that runs monocular odometry over frames from source.
func NewOdometrySensor(ctx context.Context, name resource.Name, conf *vo.Config, source FrameSource, logger logging.Logger) (movementsensor.MovementSensor, error) {
	trackerCfg := DefaultTrackerConfig()
	trackerCfg.FastThreshold = conf.GetFastThreshold()

	s, err := newSensor(name, conf, source, NewEngine(trackerCfg, logger), clock.New(), logger)
	if err != nil {
		return nil, err
	}
	s.start()
	return s, nil
}

func newSensor(
	name resource.Name,
	conf *vo.Config,
	source FrameSource,
	engine vo.CorrespondenceEngine,
	clk clock.Clock,
	logger logging.Logger,
) (*odometrySensor, error) {
	cam, err := conf.CameraModel()
	if err != nil {
		return nil, err
	}
	opts, err := conf.Options()
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	return &odometrySensor{
		name:       name,
		logger:     logger,
		cfg:        conf,
		clk:        clk,
		source:     source,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		odo:        vo.New(cam, engine, epipolar.NewEstimator(clk.Now().UnixNano()), opts, logger),
	}, nil
}

func (s *odometrySensor) start() {
	s.workers.Add(1)
	go s.run()
}

func (s *odometrySensor) run() {
	defer s.workers.Done()

	period := time.Duration(float64(time.Second) / s.cfg.GetFrameRateHz())
	ticker := s.clk.Ticker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-ticker.C:
		}

		if err := s.step(s.cancelCtx); err != nil {
			if errors.Is(err, vo.ErrInvalidInput) {
				s.logger.Errorf("stopping odometry: %v", err)
				return
			}
			if s.cancelCtx.Err() != nil {
				return
			}
			s.logger.Warnf("frame skipped: %v", err)
		}
	}
}

// step fetches one frame and feeds it to the odometry.
func (s *odometrySensor) step(ctx context.Context) error {
	img, err := s.source.NextFrame(ctx)
	if err != nil {
		return errors.Wrap(err, "error getting frame")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.odo.AddImage(img, s.frameID)
	if err != nil {
		if errors.Is(err, vo.ErrInvalidInput) {
			s.terminal = err
		}
		return err
	}
	s.frameID++
	s.last = report
	s.trajectory.Record(report.FrameID, s.odo)

	if !report.Outcome.PoseUpdated() {
		return nil
	}
	pose, err := s.odo.Pose()
	if err != nil {
		return err
	}
	s.prev, s.cur = s.cur, &sample{pos: pose.Point(), rot: pose.Orientation(), t: s.clk.Now()}
	return nil
}

func (s *odometrySensor) Name() resource.Name {
	return s.name
}

func (s *odometrySensor) Position(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
	if !s.cfg.HasOrigin() {
		return nil, 0, movementsensor.ErrMethodUnimplementedPosition
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return nil, 0, s.terminal
	}

	origin := geo.NewPoint(*s.cfg.OriginLat, *s.cfg.OriginLng)
	if s.cur == nil {
		return origin, 0, nil
	}
	p := s.cur.pos
	// x is east and z is north when the heading is zero; y points down
	dist := math.Hypot(p.X, p.Z) / 1000
	bearing := s.cfg.OriginHeadingDeg + rutils.RadToDeg(math.Atan2(p.X, p.Z))
	return origin.PointAtDistanceAndBearing(dist, bearing), -p.Y, nil
}

func (s *odometrySensor) LinearVelocity(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return r3.Vector{}, s.terminal
	}
	dt, ok := s.interval()
	if !ok {
		return r3.Vector{}, nil
	}
	return s.cur.pos.Sub(s.prev.pos).Mul(1 / dt), nil
}

func (s *odometrySensor) AngularVelocity(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return spatialmath.AngularVelocity{}, s.terminal
	}
	dt, ok := s.interval()
	if !ok {
		return spatialmath.AngularVelocity{}, nil
	}
	diff := spatialmath.OrientationBetween(s.prev.rot, s.cur.rot)
	var av spatialmath.AngularVelocity
	w := av.OrientationToAngularVel(diff, dt)
	return spatialmath.AngularVelocity{
		X: rutils.RadToDeg(w.X),
		Y: rutils.RadToDeg(w.Y),
		Z: rutils.RadToDeg(w.Z),
	}, nil
}

// interval returns the seconds between the last two pose updates.
func (s *odometrySensor) interval() (float64, bool) {
	if s.prev == nil || s.cur == nil {
		return 0, false
	}
	dt := s.cur.t.Sub(s.prev.t).Seconds()
	return dt, dt > 0
}

func (s *odometrySensor) LinearAcceleration(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
	return r3.Vector{}, movementsensor.ErrMethodUnimplementedLinearAcceleration
}

func (s *odometrySensor) CompassHeading(ctx context.Context, extra map[string]interface{}) (float64, error) {
	if !s.cfg.HasOrigin() {
		return 0, movementsensor.ErrMethodUnimplementedCompassHeading
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return 0, s.terminal
	}

	heading := s.cfg.OriginHeadingDeg
	if s.cur != nil {
		// optical axis in the first camera's frame
		rm := s.cur.rot.RotationMatrix()
		heading += rutils.RadToDeg(math.Atan2(rm.At(0, 2), rm.At(2, 2)))
	}
	heading = math.Mod(heading, 360)
	if heading < 0 {
		heading += 360
	}
	return heading, nil
}

func (s *odometrySensor) Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return nil, s.terminal
	}
	if s.cur == nil {
		return spatialmath.NewZeroOrientation(), nil
	}
	return s.cur.rot, nil
}

func (s *odometrySensor) Properties(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
	return &movementsensor.Properties{
		LinearVelocitySupported:  true,
		AngularVelocitySupported: true,
		OrientationSupported:     true,
		PositionSupported:        s.cfg.HasOrigin(),
		CompassHeadingSupported:  s.cfg.HasOrigin(),
	}, nil
}

func (s *odometrySensor) Accuracy(ctx context.Context, extra map[string]interface{}) (*movementsensor.Accuracy, error) {
	return movementsensor.UnimplementedOptionalAccuracies(), nil
}

func (s *odometrySensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return nil, s.terminal
	}

	readings := map[string]interface{}{
		"stage":  s.odo.Stage().String(),
		"frames": s.frameID,
	}
	if s.last != nil {
		readings["outcome"] = s.last.Outcome.String()
		readings["tracked"] = s.last.Tracked
		readings["inliers"] = s.last.Inliers
		readings["median_disparity"] = s.last.MedianDisparity
	}
	if pos, ok := s.odo.Position(); ok {
		readings["x"] = pos.X
		readings["y"] = pos.Y
		readings["z"] = pos.Z
	}
	return readings, nil
}

func (s *odometrySensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if _, ok := cmd["get_trajectory"]; !ok {
		return nil, resource.ErrDoUnimplemented
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	points := s.trajectory.Points()
	out := make([]interface{}, len(points))
	for i, p := range points {
		out[i] = []interface{}{p.Position.X, p.Position.Y, p.Position.Z}
	}
	return map[string]interface{}{"trajectory": out}, nil
}

func (s *odometrySensor) Close(ctx context.Context) error {
	s.cancelFunc()
	s.workers.Wait()

	var errs error
	if closer, ok := s.source.(interface{ Close(context.Context) error }); ok {
		errs = multierr.Append(errs, closer.Close(ctx))
	}
	if s.terminal != nil {
		s.logger.Infof("odometry had stopped: %v", s.terminal)
	}
	return errs
}
