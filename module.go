package viamvisualodometry

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/utils"
)

// NamespaceFamily is the model family of every model in this module.
var NamespaceFamily = resource.NewModelFamily("erh", "viam-visual-odometry")

// Config configures a monocular odometry session and the resource that runs it.
type Config struct {
	// Camera names the camera dependency. Only the movement sensor needs it.
	Camera string `json:"camera"`

	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion []float64                          `json:"distortion,omitempty"`

	FastThreshold int `json:"fast_threshold,omitempty"`
	MinFeatures   int `json:"min_features,omitempty"`
	// MinParallaxPx below zero disables the stationary check.
	MinParallaxPx float64 `json:"min_parallax_px,omitempty"`
	FrameRateHz   float64 `json:"frame_rate_hz,omitempty"`

	// NominalScale is the distance assumed between frames when there is no ground truth.
	NominalScale    float64 `json:"nominal_scale,omitempty"`
	GroundTruthPath string  `json:"ground_truth_path,omitempty"`

	OriginLat        *float64 `json:"origin_lat,omitempty"`
	OriginLng        *float64 `json:"origin_lng,omitempty"`
	OriginHeadingDeg float64  `json:"origin_heading_deg,omitempty"`
}

// DefaultFastThreshold is the FAST intensity threshold.
const DefaultFastThreshold = 20

func (cfg *Config) GetFastThreshold() int {
	if cfg.FastThreshold <= 0 {
		return DefaultFastThreshold
	}
	return cfg.FastThreshold
}

func (cfg *Config) GetMinFeatures() int {
	if cfg.MinFeatures <= 0 {
		return DefaultMinFeatures
	}
	return cfg.MinFeatures
}

func (cfg *Config) GetFrameRateHz() float64 {
	if cfg.FrameRateHz <= 0 {
		return 10
	}
	return cfg.FrameRateHz
}

func (cfg *Config) GetNominalScale() float64 {
	if cfg.NominalScale <= 0 {
		return DefaultNominalScale
	}
	return cfg.NominalScale
}

// HasOrigin reports whether a geographic origin is configured.
func (cfg *Config) HasOrigin() bool {
	return cfg.OriginLat != nil && cfg.OriginLng != nil
}

// Validate checks the resource configuration and returns the camera dependency.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.Camera == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "camera")
	}
	if err := cfg.validateParams(); err != nil {
		return nil, utils.NewConfigValidationError(path, err)
	}
	return []string{cfg.Camera}, nil
}

func (cfg *Config) validateParams() error {
	if cfg.Intrinsics == nil {
		return errors.New("need intrinsic_parameters")
	}
	if err := cfg.Intrinsics.CheckValid(); err != nil {
		return err
	}
	if len(cfg.Distortion) > 5 {
		return errors.Errorf("distortion takes at most 5 coefficients, got %d", len(cfg.Distortion))
	}
	if (cfg.OriginLat == nil) != (cfg.OriginLng == nil) {
		return errors.New("origin_lat and origin_lng must be set together")
	}
	return nil
}

// CameraModel builds the camera model described by the intrinsics.
func (cfg *Config) CameraModel() (*CameraModel, error) {
	if cfg.Intrinsics == nil {
		return nil, errors.New("need intrinsic_parameters")
	}
	return NewCameraModelFromIntrinsics(cfg.Intrinsics, cfg.Distortion)
}

// ScaleOracle returns the ground truth oracle when a poses file is configured, else the nominal scale.
func (cfg *Config) ScaleOracle() (ScaleOracle, error) {
	if cfg.GroundTruthPath == "" {
		return NominalScale(cfg.GetNominalScale()), nil
	}
	return LoadGroundTruthScale(cfg.GroundTruthPath)
}

// Options returns the odometry options.
func (cfg *Config) Options() (Options, error) {
	oracle, err := cfg.ScaleOracle()
	if err != nil {
		return Options{}, err
	}
	return Options{
		MinFeatures: cfg.GetMinFeatures(),
		MinParallax: cfg.MinParallaxPx,
		Scale:       oracle,
	}, nil
}

// LoadConfig reads a JSON configuration file for offline runs. The camera field is not required.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening config")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "error decoding %s", path)
	}
	if err := cfg.validateParams(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return &cfg, nil
}
