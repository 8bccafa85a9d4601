package viamvisualodometry

import (
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/rimage"
)

// Trajectory canvas layout, in pixels.
const (
	TrajectoryCanvasSize = 600
	trajectoryOriginX    = 300
	trajectoryOriginY    = 100
)

// TrajectoryPoint is the camera position after a frame.
type TrajectoryPoint struct {
	FrameID  int
	Position r3.Vector
}

// Trajectory records the camera position frame by frame.
type Trajectory struct {
	points []TrajectoryPoint
}

// Record appends the odometry's current position, or the origin while the pose is undefined.
func (tr *Trajectory) Record(frameID int, odo *Odometry) {
	pos, _ := odo.Position()
	tr.Append(frameID, pos)
}

// Append adds a position.
func (tr *Trajectory) Append(frameID int, pos r3.Vector) {
	tr.points = append(tr.points, TrajectoryPoint{FrameID: frameID, Position: pos})
}

// Len returns the number of recorded frames.
func (tr *Trajectory) Len() int {
	return len(tr.points)
}

// Points returns a copy of the recorded positions.
func (tr *Trajectory) Points() []TrajectoryPoint {
	return append([]TrajectoryPoint(nil), tr.points...)
}

// Last returns the most recent position.
func (tr *Trajectory) Last() (TrajectoryPoint, bool) {
	if len(tr.points) == 0 {
		return TrajectoryPoint{}, false
	}
	return tr.points[len(tr.points)-1], true
}

// WritePositions writes one "x y z" line per recorded frame.
func (tr *Trajectory) WritePositions(w io.Writer) error {
	for _, p := range tr.points {
		if _, err := fmt.Fprintf(w, "%g %g %g\n", p.Position.X, p.Position.Y, p.Position.Z); err != nil {
			return err
		}
	}
	return nil
}

// Render draws the trajectory seen from above: x to the right, z down the canvas.
func (tr *Trajectory) Render() image.Image {
	dc := gg.NewContext(TrajectoryCanvasSize, TrajectoryCanvasSize)
	dc.SetColor(color.Black)
	dc.Clear()

	dc.SetColor(color.NRGBA{R: 255, A: 255})
	for _, p := range tr.points {
		dc.DrawCircle(p.Position.X+trajectoryOriginX, p.Position.Z+trajectoryOriginY, 2)
		dc.Fill()
	}

	if last, ok := tr.Last(); ok {
		text := fmt.Sprintf("Coordinates: x = %02fm y = %02fm z = %02fm",
			last.Position.X, last.Position.Y, last.Position.Z)
		rimage.DrawString(dc, text, image.Pt(10, 30), color.White, 14)
	}
	return dc.Image()
}

// PointCloud returns the positions as a point cloud, oldest in blue, newest in red.
func (tr *Trajectory) PointCloud() (pointcloud.PointCloud, error) {
	pc := pointcloud.New()
	n := len(tr.points)
	for i, p := range tr.points {
		frac := 1.0
		if n > 1 {
			frac = float64(i) / float64(n-1)
		}
		c := color.NRGBA{R: uint8(255 * frac), B: uint8(255 * (1 - frac)), A: 255}
		if err := pc.Set(p.Position, pointcloud.NewColoredData(c)); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// WritePCD writes the trajectory point cloud in binary PCD format.
func (tr *Trajectory) WritePCD(w io.Writer) error {
	pc, err := tr.PointCloud()
	if err != nil {
		return err
	}
	return pointcloud.ToPCD(pc, w, pointcloud.PCDBinary)
}
