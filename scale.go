package viamvisualodometry

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// DefaultNominalScale is used when no scale oracle is configured. Distances are then only
// known up to an unknown factor.
const DefaultNominalScale = 1.0

// A ScaleOracle supplies the distance travelled between frame frameID-1 and frameID.
type ScaleOracle interface {
	Scale(frameID int) (float64, error)
}

// NominalScale is a ScaleOracle that always returns the same value.
type NominalScale float64

// Scale returns the constant scale.
func (s NominalScale) Scale(int) (float64, error) {
	return float64(s), nil
}

// GroundTruthScale derives scale from recorded ground truth positions.
type GroundTruthScale struct {
	positions []r3.Vector
}

// NewGroundTruthScale builds an oracle from positions indexed by frame id.
func NewGroundTruthScale(positions []r3.Vector) *GroundTruthScale {
	return &GroundTruthScale{positions: positions}
}

// LoadGroundTruthScale reads a poses file in KITTI layout: one row-major 3x4 matrix per line,
// twelve numbers, the position being the last column.
func LoadGroundTruthScale(path string) (*GroundTruthScale, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening ground truth file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	positions, err := ParseGroundTruth(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing %s", path)
	}
	return NewGroundTruthScale(positions), nil
}

// ParseGroundTruth reads KITTI style poses and returns the camera positions.
func ParseGroundTruth(r io.Reader) ([]r3.Vector, error) {
	var positions []r3.Vector
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 12 {
			return nil, errors.Errorf("line %d: expected 12 values, got %d", line, len(fields))
		}
		var v [3]float64
		for i, idx := range []int{3, 7, 11} {
			x, err := strconv.ParseFloat(fields[idx], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			v[i] = x
		}
		positions = append(positions, r3.Vector{X: v[0], Y: v[1], Z: v[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// Scale returns the distance between the ground truth positions of frameID-1 and frameID.
func (g *GroundTruthScale) Scale(frameID int) (float64, error) {
	if frameID < 1 || frameID >= len(g.positions) {
		return 0, errors.Errorf("no ground truth for frame %d (have %d poses)", frameID, len(g.positions))
	}
	return g.positions[frameID].Sub(g.positions[frameID-1]).Norm(), nil
}
