package viamvisualodometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
)

// distortionEpsilon keeps rounding noise in k1 from flagging a lens as distorted.
const distortionEpsilon = 1e-7

// CameraModel holds the intrinsic and distortion parameters of a pinhole camera.
// It is immutable once built.
type CameraModel struct {
	intrinsics transform.PinholeCameraIntrinsics
	distortion [5]float64
	distorted  bool
}

// NewCameraModel builds a camera model. distortion holds up to five coefficients in
// the order k1, k2, p1, p2, k3; missing ones are zero and extra ones are ignored.
func NewCameraModel(width, height int, fx, fy, cx, cy float64, distortion ...float64) *CameraModel {
	cm := &CameraModel{
		intrinsics: transform.PinholeCameraIntrinsics{
			Width:  width,
			Height: height,
			Fx:     fx,
			Fy:     fy,
			Ppx:    cx,
			Ppy:    cy,
		},
	}
	copy(cm.distortion[:], distortion)
	cm.distorted = math.Abs(cm.distortion[0]) > distortionEpsilon
	return cm
}

// NewCameraModelFromIntrinsics builds a camera model from rdk intrinsics.
func NewCameraModelFromIntrinsics(params *transform.PinholeCameraIntrinsics, distortion []float64) (*CameraModel, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if len(distortion) > 5 {
		return nil, errors.Errorf("expected at most 5 distortion coefficients, got %d", len(distortion))
	}
	return NewCameraModel(params.Width, params.Height, params.Fx, params.Fy, params.Ppx, params.Ppy, distortion...), nil
}

func (cm *CameraModel) Width() int { return cm.intrinsics.Width }
func (cm *CameraModel) Height() int { return cm.intrinsics.Height }
func (cm *CameraModel) Fx() float64 { return cm.intrinsics.Fx }
func (cm *CameraModel) Fy() float64 { return cm.intrinsics.Fy }
func (cm *CameraModel) Cx() float64 { return cm.intrinsics.Ppx }
func (cm *CameraModel) Cy() float64 { return cm.intrinsics.Ppy }
func (cm *CameraModel) K1() float64 { return cm.distortion[0] }
func (cm *CameraModel) K2() float64 { return cm.distortion[1] }
func (cm *CameraModel) P1() float64 { return cm.distortion[2] }
func (cm *CameraModel) P2() float64 { return cm.distortion[3] }
func (cm *CameraModel) K3() float64 { return cm.distortion[4] }
func (cm *CameraModel) HasDistortion() bool { return cm.distorted }

// Intrinsics returns a copy of the pinhole intrinsics.
func (cm *CameraModel) Intrinsics() transform.PinholeCameraIntrinsics {
	return cm.intrinsics
}

// FocalLength is the focal length used for motion estimation. Pixels are assumed square,
// so only fx is used.
func (cm *CameraModel) FocalLength() float64 {
	return cm.intrinsics.Fx
}

// PrincipalPoint returns (cx, cy).
func (cm *CameraModel) PrincipalPoint() r2.Point {
	return r2.Point{X: cm.intrinsics.Ppx, Y: cm.intrinsics.Ppy}
}
