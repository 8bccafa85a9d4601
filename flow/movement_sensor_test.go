package flow

import (
	"context"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"

	vo "viamvisualodometry"
	"viamvisualodometry/internal/synthetic"
)

const framePeriod = 100 * time.Millisecond

type scriptSource struct {
	mu     sync.Mutex
	engine *synthetic.Engine
	next   int
	bad    map[int]image.Image
}

func (s *scriptSource) NextFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.next
	s.next++
	if img, ok := s.bad[i]; ok {
		return img, nil
	}
	return s.engine.Image(i), nil
}

func testConfig() *vo.Config {
	return &vo.Config{
		Camera: "cam",
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: 320, Height: 240, Fx: 300, Fy: 300, Ppx: 160, Ppy: 120,
		},
		MinFeatures: 150,
	}
}

func newTestSensor(t *testing.T, conf *vo.Config, poses []synthetic.Pose) (*odometrySensor, *scriptSource, *clock.Mock) {
	t.Helper()
	cam, err := conf.CameraModel()
	test.That(t, err, test.ShouldBeNil)
	engine := synthetic.NewEngine(cam, poses, 300, 5)
	source := &scriptSource{engine: engine, bad: map[int]image.Image{}}
	clk := clock.NewMock()

	s, err := newSensor(movementsensor.Named("vo"), conf, source, engine, clk, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return s, source, clk
}

func stepN(t *testing.T, s *odometrySensor, clk *clock.Mock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		clk.Add(framePeriod)
		test.That(t, s.step(context.Background()), test.ShouldBeNil)
	}
}

func TestSensorBeforeTracking(t *testing.T) {
	ctx := context.Background()
	s, _, clk := newTestSensor(t, testConfig(), synthetic.Forward(3, 1))
	defer s.Close(ctx)

	stepN(t, s, clk, 1)

	o, err := s.Orientation(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, o.AxisAngles().Theta, test.ShouldAlmostEqual, 0)

	v, err := s.LinearVelocity(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.Norm(), test.ShouldEqual, 0)

	_, _, err = s.Position(ctx, nil)
	test.That(t, errors.Is(err, movementsensor.ErrMethodUnimplementedPosition), test.ShouldBeTrue)
	_, err = s.CompassHeading(ctx, nil)
	test.That(t, errors.Is(err, movementsensor.ErrMethodUnimplementedCompassHeading), test.ShouldBeTrue)

	readings, err := s.Readings(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readings["stage"], test.ShouldEqual, "bootstrapping_2")
	test.That(t, readings["outcome"], test.ShouldEqual, "detected")
	_, ok := readings["x"]
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSensorVelocities(t *testing.T) {
	ctx := context.Background()

	t.Run("forward", func(t *testing.T) {
		s, _, clk := newTestSensor(t, testConfig(), synthetic.Forward(4, 1))
		defer s.Close(ctx)
		stepN(t, s, clk, 4)

		v, err := s.LinearVelocity(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v.X, test.ShouldAlmostEqual, 0, 1e-3)
		test.That(t, v.Z, test.ShouldAlmostEqual, 10, 1e-3)

		av, err := s.AngularVelocity(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, math.Abs(av.Y), test.ShouldBeLessThan, 1e-2)

		readings, err := s.Readings(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, readings["stage"], test.ShouldEqual, "tracking")
		test.That(t, readings["z"], test.ShouldAlmostEqual, 3, 1e-3)
	})

	t.Run("turning", func(t *testing.T) {
		const yawStep = 0.04
		s, _, clk := newTestSensor(t, testConfig(), synthetic.Turning(4, yawStep))
		defer s.Close(ctx)
		stepN(t, s, clk, 4)

		av, err := s.AngularVelocity(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, av.Y, test.ShouldAlmostEqual, yawStep*180/math.Pi/framePeriod.Seconds(), 0.05)
		test.That(t, math.Abs(av.X), test.ShouldBeLessThan, 0.05)
		test.That(t, math.Abs(av.Z), test.ShouldBeLessThan, 0.05)

		o, err := s.Orientation(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, o.AxisAngles().Theta, test.ShouldAlmostEqual, 3*yawStep, 1e-4)
	})
}

func TestSensorGeoPosition(t *testing.T) {
	ctx := context.Background()
	conf := testConfig()
	lat, lng := 40.0, -73.0
	conf.OriginLat, conf.OriginLng = &lat, &lng
	conf.OriginHeadingDeg = 90

	s, _, clk := newTestSensor(t, conf, synthetic.Forward(3, 1))
	defer s.Close(ctx)

	props, err := s.Properties(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, props.PositionSupported, test.ShouldBeTrue)
	test.That(t, props.LinearAccelerationSupported, test.ShouldBeFalse)

	origin := geo.NewPoint(lat, lng)
	p, _, err := s.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.GreatCircleDistance(origin), test.ShouldAlmostEqual, 0)

	stepN(t, s, clk, 3)

	p, alt, err := s.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, alt, test.ShouldAlmostEqual, 0, 1e-3)
	// two units forward while facing east
	test.That(t, origin.GreatCircleDistance(p), test.ShouldAlmostEqual, 0.002, 1e-5)
	test.That(t, origin.BearingTo(p), test.ShouldAlmostEqual, 90, 0.1)

	heading, err := s.CompassHeading(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, heading, test.ShouldAlmostEqual, 90, 1e-3)
}

func TestSensorDoCommand(t *testing.T) {
	ctx := context.Background()
	s, _, clk := newTestSensor(t, testConfig(), synthetic.Forward(3, 1))
	defer s.Close(ctx)
	stepN(t, s, clk, 3)

	resp, err := s.DoCommand(ctx, map[string]interface{}{"get_trajectory": true})
	test.That(t, err, test.ShouldBeNil)
	traj, ok := resp["trajectory"].([]interface{})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, traj, test.ShouldHaveLength, 3)
	test.That(t, traj[0], test.ShouldResemble, []interface{}{0.0, 0.0, 0.0})
	last := traj[2].([]interface{})
	test.That(t, last[2], test.ShouldAlmostEqual, 2, 1e-3)

	_, err = s.DoCommand(ctx, map[string]interface{}{"foo": 1})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSensorInvalidFrameStops(t *testing.T) {
	ctx := context.Background()
	s, source, clk := newTestSensor(t, testConfig(), synthetic.Forward(3, 1))
	defer s.Close(ctx)
	source.bad[2] = image.NewGray(image.Rect(0, 0, 10, 10))

	stepN(t, s, clk, 2)
	clk.Add(framePeriod)
	err := s.step(ctx)
	test.That(t, errors.Is(err, vo.ErrInvalidInput), test.ShouldBeTrue)

	_, err = s.Orientation(ctx, nil)
	test.That(t, errors.Is(err, vo.ErrInvalidInput), test.ShouldBeTrue)
	_, err = s.Readings(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)

	err = s.step(ctx)
	test.That(t, errors.Is(err, vo.ErrSessionTerminated), test.ShouldBeTrue)
}

func TestSensorLoop(t *testing.T) {
	ctx := context.Background()
	s, _, clk := newTestSensor(t, testConfig(), synthetic.Forward(20, 1))
	s.start()

	frames := 0
	for i := 0; i < 500 && frames < 3; i++ {
		clk.Add(framePeriod)
		time.Sleep(5 * time.Millisecond)
		readings, err := s.Readings(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		frames = readings["frames"].(int)
	}
	test.That(t, frames, test.ShouldBeGreaterThanOrEqualTo, 3)
	test.That(t, s.Close(ctx), test.ShouldBeNil)
}
