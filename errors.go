package viamvisualodometry

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidInput is returned when a frame is missing or does not match the camera model.
	// It terminates the session.
	ErrInvalidInput = errors.New("invalid input frame")

	// ErrSessionTerminated is returned for every frame offered after an input error.
	ErrSessionTerminated = errors.New("odometry session terminated")

	// ErrPoseUndefined is returned when the pose is queried before bootstrap completes.
	ErrPoseUndefined = errors.New("pose is undefined until tracking starts")
)

func newInvalidInputError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}
