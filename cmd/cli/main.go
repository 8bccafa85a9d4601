package main

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"

	vo "viamvisualodometry"
	"viamvisualodometry/epipolar"
	"viamvisualodometry/flow"
)

const (
	flagImages      = "images"
	flagConfig      = "config"
	flagGroundTruth = "ground-truth"
	flagPositions   = "positions"
	flagTrajectory  = "trajectory"
	flagPCD         = "pcd"
	flagFirstFrame  = "first-frame"
	flagSeed        = "seed"
	flagDebug       = "debug"
)

func main() {
	err := realMain(os.Args)
	if err != nil {
		panic(err)
	}
}

func realMain(args []string) error {
	app := &cli.App{
		Name:  "vo",
		Usage: "monocular visual odometry over an image sequence",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: flagDebug, Usage: "log every frame"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "estimate the camera trajectory of a sequence",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagImages, Required: true, Usage: "glob of the frames, processed in lexical order"},
					&cli.StringFlag{Name: flagConfig, Required: true, Usage: "JSON config with intrinsic_parameters"},
					&cli.StringFlag{Name: flagGroundTruth, Usage: "KITTI poses file used for scale"},
					&cli.StringFlag{Name: flagPositions, Value: "position.txt", Usage: "output file of x y z per frame"},
					&cli.StringFlag{Name: flagTrajectory, Usage: "output PNG of the trajectory"},
					&cli.StringFlag{Name: flagPCD, Usage: "output PCD of the trajectory"},
					&cli.IntFlag{Name: flagFirstFrame, Usage: "frame id of the first image"},
					&cli.Int64Flag{Name: flagSeed, Value: 1, Usage: "RANSAC seed"},
				},
				Action: runAction,
			},
		},
	}
	return app.Run(args)
}

func runAction(c *cli.Context) error {
	logger := logging.NewLogger("vo")
	if c.Bool(flagDebug) {
		logger = logging.NewDebugLogger("vo")
	}

	cfg, err := vo.LoadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	if gt := c.String(flagGroundTruth); gt != "" {
		cfg.GroundTruthPath = gt
	}

	cam, err := cfg.CameraModel()
	if err != nil {
		return err
	}
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	paths, err := filepath.Glob(c.String(flagImages))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.Errorf("no images match %q", c.String(flagImages))
	}
	sort.Strings(paths)

	trackerCfg := flow.DefaultTrackerConfig()
	trackerCfg.FastThreshold = cfg.GetFastThreshold()
	odo := vo.New(cam, flow.NewEngine(trackerCfg, logger), epipolar.NewEstimator(c.Int64(flagSeed)), opts, logger)

	var traj vo.Trajectory
	first := c.Int(flagFirstFrame)
	for i, p := range paths {
		frameID := first + i
		img, err := rimage.NewImageFromFile(p)
		if err != nil {
			return errors.Wrapf(err, "error reading %s", p)
		}

		report, err := odo.AddImage(img, frameID)
		if err != nil {
			if errors.Is(err, vo.ErrInvalidInput) {
				return errors.Wrap(err, p)
			}
			logger.Warnf("%s: %v", p, err)
		} else if report.Outcome != vo.OutcomeIntegrated {
			logger.Infof("%s: %s (%s)", filepath.Base(p), report.Outcome, report.Stage)
		}
		traj.Record(frameID, odo)
	}

	if last, ok := traj.Last(); ok {
		logger.Infof("processed %d frames, final position %v", traj.Len(), last.Position)
	}
	return writeOutputs(c, &traj)
}

func writeOutputs(c *cli.Context, traj *vo.Trajectory) error {
	if fn := c.String(flagPositions); fn != "" {
		if err := writeFile(fn, traj.WritePositions); err != nil {
			return err
		}
	}
	if fn := c.String(flagTrajectory); fn != "" {
		if err := rimage.WriteImageToFile(fn, traj.Render()); err != nil {
			return err
		}
	}
	if fn := c.String(flagPCD); fn != "" {
		if err := writeFile(fn, traj.WritePCD); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(fn string, write func(io.Writer) error) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return write(f)
}
