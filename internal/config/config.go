// Package config holds the per-modality parameter bundle used by every
// registration component, together with its defaults, validation, file
// loading and a stable content hash.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Modality tags known to the registry.
const (
	ModalityGeneric     = "generic"
	ModalityVisium      = "visium"
	ModalityXenium      = "xenium"
	ModalityPhenoCycler = "phenocycler"
	ModalityOMETIFF     = "ometiff"
)

// Binarization methods.
const (
	MethodFixed    = "fixed"
	MethodOtsu     = "otsu"
	MethodAdaptive = "adaptive"
)

// Normalization modes for bringing samples to 8 bits.
const (
	NormalizeScale  = "scale"
	NormalizeMinMax = "minmax"
)

// Feature detector families.
const (
	DetectorORB   = "orb"
	DetectorAKAZE = "akaze"
	DetectorBRISK = "brisk"
	DetectorSIFT  = "sift"
)

// Transformation models estimated by RANSAC.
const (
	ModelSimilarity = "similarity"
	ModelAffine     = "affine"
	ModelProjective = "projective"
)

// Strategies understood by the pipeline.
const (
	StrategyParametric = "parametric"
	StrategyFeature    = "feature"
	StrategyAuto       = "auto"
)

// Duration is a time.Duration that reads and writes as "5m0s" in YAML, TOML and JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MaskConfig controls tissue mask generation.
type MaskConfig struct {
	// Normalization brings samples to 8 bits: "scale" shifts by BitDepth-8,
	// "minmax" stretches the observed range to 0..255.
	Normalization string `yaml:"normalization" toml:"normalization" json:"normalization"`

	// Channel selects one plane of a multichannel image. -1 averages all
	// channels (three-channel images are converted as RGB instead).
	Channel int `yaml:"channel" toml:"channel" json:"channel"`

	// BlurKernel is the Gaussian pre-blur kernel size in pixels; 0 disables it.
	BlurKernel int `yaml:"blur_kernel" toml:"blur_kernel" json:"blur_kernel"`

	Method            string  `yaml:"method" toml:"method" json:"method"`
	Threshold         float64 `yaml:"threshold" toml:"threshold" json:"threshold"`
	AdaptiveBlockSize int     `yaml:"adaptive_block_size" toml:"adaptive_block_size" json:"adaptive_block_size"`
	AdaptiveC         float64 `yaml:"adaptive_c" toml:"adaptive_c" json:"adaptive_c"`

	// Invert treats dark pixels as tissue (brightfield stains on a white slide).
	Invert bool `yaml:"invert" toml:"invert" json:"invert"`

	KernelSize      int `yaml:"kernel_size" toml:"kernel_size" json:"kernel_size"`
	CloseIterations int `yaml:"close_iterations" toml:"close_iterations" json:"close_iterations"`
	OpenIterations  int `yaml:"open_iterations" toml:"open_iterations" json:"open_iterations"`

	// MinTissueArea drops outer contours smaller than this many pixels.
	MinTissueArea float64 `yaml:"min_tissue_area" toml:"min_tissue_area" json:"min_tissue_area"`

	// HoleFillArea is the hole size (pixels) at which a hole survives in the
	// with-holes mask. Smaller holes are filled.
	HoleFillArea float64 `yaml:"hole_fill_area" toml:"hole_fill_area" json:"hole_fill_area"`

	// HoleThresholdExclusive fills holes whose area equals HoleFillArea exactly.
	HoleThresholdExclusive bool `yaml:"hole_threshold_exclusive" toml:"hole_threshold_exclusive" json:"hole_threshold_exclusive"`

	// ExclusionMargin widens each painted-out marker by this many pixels.
	ExclusionMargin int `yaml:"exclusion_margin" toml:"exclusion_margin" json:"exclusion_margin"`
}

// CircleConfig controls fiducial marker detection.
type CircleConfig struct {
	Enabled       bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	MinRadius     int     `yaml:"min_radius" toml:"min_radius" json:"min_radius"`
	MaxRadius     int     `yaml:"max_radius" toml:"max_radius" json:"max_radius"`
	MinDistance   float64 `yaml:"min_distance" toml:"min_distance" json:"min_distance"`
	DP            float64 `yaml:"dp" toml:"dp" json:"dp"`
	Param1        float64 `yaml:"param1" toml:"param1" json:"param1"`
	Param2        float64 `yaml:"param2" toml:"param2" json:"param2"`
	MinConfidence float64 `yaml:"min_confidence" toml:"min_confidence" json:"min_confidence"`
}

// ParametricConfig bounds the mask-overlap search. Shifts are in pixels and
// rotations in degrees.
type ParametricConfig struct {
	ScaleMin     float64 `yaml:"scale_min" toml:"scale_min" json:"scale_min"`
	ScaleMax     float64 `yaml:"scale_max" toml:"scale_max" json:"scale_max"`
	ScaleStep    float64 `yaml:"scale_step" toml:"scale_step" json:"scale_step"`
	ShiftMin     float64 `yaml:"shift_min" toml:"shift_min" json:"shift_min"`
	ShiftMax     float64 `yaml:"shift_max" toml:"shift_max" json:"shift_max"`
	ShiftStep    float64 `yaml:"shift_step" toml:"shift_step" json:"shift_step"`
	RotationMin  float64 `yaml:"rotation_min" toml:"rotation_min" json:"rotation_min"`
	RotationMax  float64 `yaml:"rotation_max" toml:"rotation_max" json:"rotation_max"`
	RotationStep float64 `yaml:"rotation_step" toml:"rotation_step" json:"rotation_step"`

	// RefineSteps fine steps are taken on each side of the coarse optimum
	// for every parameter during the joint refinement.
	RefineSteps        int     `yaml:"refine_steps" toml:"refine_steps" json:"refine_steps"`
	RefineScaleStep    float64 `yaml:"refine_scale_step" toml:"refine_scale_step" json:"refine_scale_step"`
	RefineShiftStep    float64 `yaml:"refine_shift_step" toml:"refine_shift_step" json:"refine_shift_step"`
	RefineRotationStep float64 `yaml:"refine_rotation_step" toml:"refine_rotation_step" json:"refine_rotation_step"`

	MinFitness float64 `yaml:"min_fitness" toml:"min_fitness" json:"min_fitness"`

	// Workers bounds candidate evaluation parallelism; 0 means GOMAXPROCS.
	Workers int      `yaml:"workers" toml:"workers" json:"workers"`
	Timeout Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

// FeatureConfig controls keypoint registration.
type FeatureConfig struct {
	// Channel selects the plane keypoints are detected on; -1 uses luminance
	// (RGB) or the channel mean.
	Channel int `yaml:"channel" toml:"channel" json:"channel"`

	Detector     string  `yaml:"detector" toml:"detector" json:"detector"`
	MaxFeatures  int     `yaml:"max_features" toml:"max_features" json:"max_features"`
	MinKeypoints int     `yaml:"min_keypoints" toml:"min_keypoints" json:"min_keypoints"`
	MatchRatio   float64 `yaml:"match_ratio" toml:"match_ratio" json:"match_ratio"`

	Model            string  `yaml:"model" toml:"model" json:"model"`
	RANSACThreshold  float64 `yaml:"ransac_threshold" toml:"ransac_threshold" json:"ransac_threshold"`
	RANSACIterations int     `yaml:"ransac_iterations" toml:"ransac_iterations" json:"ransac_iterations"`
	Seed             int64   `yaml:"seed" toml:"seed" json:"seed"`
	MinInlierRatio   float64 `yaml:"min_inlier_ratio" toml:"min_inlier_ratio" json:"min_inlier_ratio"`

	// MinCorrelation flags results whose overlap NCC falls below it.
	MinCorrelation float64 `yaml:"min_correlation" toml:"min_correlation" json:"min_correlation"`

	Workers int      `yaml:"workers" toml:"workers" json:"workers"`
	Timeout Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

// PipelineConfig controls orchestration.
type PipelineConfig struct {
	Strategy string `yaml:"strategy" toml:"strategy" json:"strategy"`

	// Harmonize resamples the moving image to the reference pixel size when a
	// harmonizer is attached to the pipeline.
	Harmonize bool `yaml:"harmonize" toml:"harmonize" json:"harmonize"`

	// PreferBoundaries rasterizes source-provided polygons instead of
	// thresholding when the source offers them.
	PreferBoundaries bool `yaml:"prefer_boundaries" toml:"prefer_boundaries" json:"prefer_boundaries"`
}

// Config is the complete parameter bundle for one modality.
type Config struct {
	Modality   string           `yaml:"modality" toml:"modality" json:"modality"`
	Mask       MaskConfig       `yaml:"mask" toml:"mask" json:"mask"`
	Circles    CircleConfig     `yaml:"circles" toml:"circles" json:"circles"`
	Parametric ParametricConfig `yaml:"parametric" toml:"parametric" json:"parametric"`
	Feature    FeatureConfig    `yaml:"feature" toml:"feature" json:"feature"`
	Pipeline   PipelineConfig   `yaml:"pipeline" toml:"pipeline" json:"pipeline"`
}

// DefaultConfig returns the generic defaults.
func DefaultConfig() Config {
	return Config{
		Modality: ModalityGeneric,
		Mask: MaskConfig{
			Normalization:     NormalizeScale,
			Channel:           -1,
			Method:            MethodFixed,
			Threshold:         10,
			AdaptiveBlockSize: 51,
			AdaptiveC:         2,
			KernelSize:        5,
			CloseIterations:   1,
			OpenIterations:    1,
			MinTissueArea:     100,
			HoleFillArea:      500,
			ExclusionMargin:   2,
		},
		Circles: CircleConfig{
			MinRadius:     8,
			MaxRadius:     14,
			MinDistance:   20,
			DP:            1,
			Param1:        100,
			Param2:        30,
			MinConfidence: 0.3,
		},
		Parametric: ParametricConfig{
			ScaleMin:           0.8,
			ScaleMax:           1.2,
			ScaleStep:          0.05,
			ShiftMin:           -50,
			ShiftMax:           50,
			ShiftStep:          5,
			RotationMin:        -45,
			RotationMax:        45,
			RotationStep:       5,
			RefineSteps:        2,
			RefineScaleStep:    0.01,
			RefineShiftStep:    1,
			RefineRotationStep: 0.5,
			MinFitness:         0.5,
			Timeout:            Duration(5 * time.Minute),
		},
		Feature: FeatureConfig{
			Channel:          -1,
			Detector:         DetectorORB,
			MaxFeatures:      5000,
			MinKeypoints:     10,
			MatchRatio:       0.75,
			Model:            ModelSimilarity,
			RANSACThreshold:  5,
			RANSACIterations: 1000,
			Seed:             1,
			MinInlierRatio:   0.25,
			MinCorrelation:   0.3,
			Timeout:          Duration(5 * time.Minute),
		},
		Pipeline: PipelineConfig{
			Strategy:         StrategyAuto,
			Harmonize:        true,
			PreferBoundaries: true,
		},
	}
}

// DefaultFor returns the defaults for a modality tag. Unknown tags get the
// generic defaults under their own name.
func DefaultFor(modality string) Config {
	cfg := DefaultConfig()
	m := strings.ToLower(strings.TrimSpace(modality))
	if m == "" {
		return cfg
	}
	cfg.Modality = m
	switch m {
	case ModalityVisium:
		// H&E brightfield with fiducial frame.
		cfg.Mask.Method = MethodOtsu
		cfg.Mask.Invert = true
		cfg.Mask.BlurKernel = 5
		cfg.Circles.Enabled = true
	case ModalityXenium:
		cfg.Mask.Method = MethodOtsu
		cfg.Mask.Normalization = NormalizeMinMax
		cfg.Mask.Channel = 0
		cfg.Feature.Channel = 0
		cfg.Feature.Detector = DetectorAKAZE
	case ModalityPhenoCycler:
		cfg.Mask.Method = MethodOtsu
		cfg.Mask.Normalization = NormalizeMinMax
		cfg.Mask.Channel = 0
		cfg.Mask.CloseIterations = 2
		cfg.Feature.Channel = 0
	case ModalityOMETIFF:
		cfg.Mask.Method = MethodOtsu
		cfg.Mask.Normalization = NormalizeMinMax
		cfg.Mask.Channel = 0
		cfg.Feature.Channel = 0
	}
	return cfg
}

// WithThreshold returns a copy using a fixed threshold.
func (c Config) WithThreshold(threshold float64) Config {
	c.Mask.Method = MethodFixed
	c.Mask.Threshold = threshold
	return c
}

// WithMorphology returns a copy with a custom kernel and iteration counts.
func (c Config) WithMorphology(kernelSize, closeIter, openIter int) Config {
	c.Mask.KernelSize = kernelSize
	c.Mask.CloseIterations = closeIter
	c.Mask.OpenIterations = openIter
	return c
}

// WithAreas returns a copy with custom tissue and hole area thresholds.
func (c Config) WithAreas(minTissue, holeFill float64) Config {
	c.Mask.MinTissueArea = minTissue
	c.Mask.HoleFillArea = holeFill
	return c
}

// WithCircleRadius returns a copy with a marker radius range, enabling detection.
func (c Config) WithCircleRadius(minR, maxR int) Config {
	c.Circles.Enabled = true
	c.Circles.MinRadius = minR
	c.Circles.MaxRadius = maxR
	return c
}

// FiducialRadiusTolerance is the relative slack WithFiducialRadius allows
// around a known marker radius.
const FiducialRadiusTolerance = 0.3

// WithFiducialRadius narrows the marker radius range to the known marker
// radius (in pixels) plus or minus FiducialRadiusTolerance. Non-positive or
// non-finite radii leave c unchanged; detection stays as configured.
func (c Config) WithFiducialRadius(radius float64) Config {
	if !(radius > 0) || math.IsInf(radius, 0) {
		return c
	}
	lo := int(math.Round(radius * (1 - FiducialRadiusTolerance)))
	hi := int(math.Round(radius * (1 + FiducialRadiusTolerance)))
	c.Circles.MinRadius = max(lo, 1)
	c.Circles.MaxRadius = max(hi, c.Circles.MinRadius)
	return c
}

// WithDetector returns a copy using another keypoint detector family.
func (c Config) WithDetector(detector string) Config {
	c.Feature.Detector = detector
	return c
}

// WithModel returns a copy estimating another transformation model.
func (c Config) WithModel(model string) Config {
	c.Feature.Model = model
	return c
}

// WithWorkers sets the worker bound for both search components.
func (c Config) WithWorkers(n int) Config {
	c.Parametric.Workers = n
	c.Feature.Workers = n
	return c
}

// WithTimeout sets the wall-clock budget for both search components.
func (c Config) WithTimeout(d time.Duration) Config {
	c.Parametric.Timeout = Duration(d)
	c.Feature.Timeout = Duration(d)
	return c
}

// Hash returns the hex sha256 of the canonical JSON encoding of c.
func (c Config) Hash() string {
	return hashJSON(c)
}

// MaskHash covers only the sections that influence mask generation, so
// alignment tuning does not invalidate cached masks.
func (c Config) MaskHash() string {
	return hashJSON(struct {
		Mask    MaskConfig   `json:"mask"`
		Circles CircleConfig `json:"circles"`
		Bounds  bool         `json:"prefer_boundaries"`
	}{c.Mask, c.Circles, c.Pipeline.PreferBoundaries})
}

// hashJSON panics on encoding failure. Validate rejects the only values
// (NaN, ±Inf) encoding/json refuses, so a failure here is a caller bug.
func hashJSON(v any) string {
	// encoding/json writes struct fields in declaration order, which is stable.
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("config: hash of unvalidated config: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
