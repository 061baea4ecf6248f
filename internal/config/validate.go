package config

import (
	"fmt"
	"math"
	"strings"

	"tissuealign/internal/regerr"
)

type violations []string

func (v *violations) addf(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func (v *violations) positive(name string, value float64) {
	if !(value > 0) || math.IsInf(value, 0) {
		v.addf("%s must be > 0, got %v", name, value)
	}
}

func (v *violations) nonNegative(name string, value float64) {
	if !(value >= 0) || math.IsInf(value, 0) {
		v.addf("%s must be >= 0, got %v", name, value)
	}
}

func (v *violations) unit(name string, value float64) {
	v.within(name, value, 0, 1)
}

// within rejects NaN as well as values outside [lo, hi].
func (v *violations) within(name string, value, lo, hi float64) {
	if !(value >= lo && value <= hi) {
		v.addf("%s must be within [%v, %v], got %v", name, lo, hi, value)
	}
}

func (v *violations) finite(name string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		v.addf("%s must be finite, got %v", name, value)
	}
}

func (v *violations) oneOf(name, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.addf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), value)
}

func (v *violations) span(name string, lo, hi float64) {
	v.finite(name+"_min", lo)
	v.finite(name+"_max", hi)
	if !(lo <= hi) {
		v.addf("%s range is empty: min %v > max %v", name, lo, hi)
	}
}

// Validate checks every parameter and reports all violations in one
// ConfigurationError.
func (c Config) Validate() error {
	var v violations

	m := c.Mask
	v.oneOf("mask.normalization", m.Normalization, NormalizeScale, NormalizeMinMax)
	v.oneOf("mask.method", m.Method, MethodFixed, MethodOtsu, MethodAdaptive)
	if m.Channel < -1 {
		v.addf("mask.channel must be >= -1, got %d", m.Channel)
	}
	v.within("mask.threshold", m.Threshold, 0, 255)
	v.finite("mask.adaptive_c", m.AdaptiveC)
	if m.BlurKernel < 0 || (m.BlurKernel > 0 && m.BlurKernel%2 == 0) {
		v.addf("mask.blur_kernel must be 0 or an odd positive size, got %d", m.BlurKernel)
	}
	if m.Method == MethodAdaptive && (m.AdaptiveBlockSize < 3 || m.AdaptiveBlockSize%2 == 0) {
		v.addf("mask.adaptive_block_size must be odd and >= 3, got %d", m.AdaptiveBlockSize)
	}
	if m.KernelSize < 1 {
		v.addf("mask.kernel_size must be >= 1, got %d", m.KernelSize)
	}
	if m.CloseIterations < 0 || m.OpenIterations < 0 {
		v.addf("mask morphology iterations must be >= 0, got close=%d open=%d", m.CloseIterations, m.OpenIterations)
	}
	v.nonNegative("mask.min_tissue_area", m.MinTissueArea)
	v.nonNegative("mask.hole_fill_area", m.HoleFillArea)
	if m.ExclusionMargin < 0 {
		v.addf("mask.exclusion_margin must be >= 0, got %d", m.ExclusionMargin)
	}

	cc := c.Circles
	if cc.MinRadius < 1 || cc.MaxRadius < cc.MinRadius {
		v.addf("circles radius range invalid: min=%d max=%d", cc.MinRadius, cc.MaxRadius)
	}
	v.positive("circles.min_distance", cc.MinDistance)
	v.positive("circles.dp", cc.DP)
	v.positive("circles.param1", cc.Param1)
	v.positive("circles.param2", cc.Param2)
	v.unit("circles.min_confidence", cc.MinConfidence)

	p := c.Parametric
	v.positive("parametric.scale_min", p.ScaleMin)
	v.span("parametric.scale", p.ScaleMin, p.ScaleMax)
	v.positive("parametric.scale_step", p.ScaleStep)
	v.span("parametric.shift", p.ShiftMin, p.ShiftMax)
	v.positive("parametric.shift_step", p.ShiftStep)
	v.span("parametric.rotation", p.RotationMin, p.RotationMax)
	v.positive("parametric.rotation_step", p.RotationStep)
	if !(p.RotationMin >= -180 && p.RotationMax <= 180) {
		v.addf("parametric.rotation range must lie within [-180, 180], got [%v, %v]", p.RotationMin, p.RotationMax)
	}
	if p.RefineSteps < 0 {
		v.addf("parametric.refine_steps must be >= 0, got %d", p.RefineSteps)
	}
	v.positive("parametric.refine_scale_step", p.RefineScaleStep)
	v.positive("parametric.refine_shift_step", p.RefineShiftStep)
	v.positive("parametric.refine_rotation_step", p.RefineRotationStep)
	v.unit("parametric.min_fitness", p.MinFitness)
	if p.Workers < 0 {
		v.addf("parametric.workers must be >= 0, got %d", p.Workers)
	}
	if p.Timeout <= 0 {
		v.addf("parametric.timeout must be > 0, got %s", p.Timeout.Std())
	}

	f := c.Feature
	if f.Channel < -1 {
		v.addf("feature.channel must be >= -1, got %d", f.Channel)
	}
	v.oneOf("feature.detector", f.Detector, DetectorORB, DetectorAKAZE, DetectorBRISK, DetectorSIFT)
	v.oneOf("feature.model", f.Model, ModelSimilarity, ModelAffine, ModelProjective)
	if f.MaxFeatures < 1 {
		v.addf("feature.max_features must be >= 1, got %d", f.MaxFeatures)
	}
	if f.MinKeypoints < 1 {
		v.addf("feature.min_keypoints must be >= 1, got %d", f.MinKeypoints)
	}
	if !(f.MatchRatio > 0 && f.MatchRatio <= 1) {
		v.addf("feature.match_ratio must be within (0, 1], got %v", f.MatchRatio)
	}
	v.positive("feature.ransac_threshold", f.RANSACThreshold)
	if f.RANSACIterations < 1 {
		v.addf("feature.ransac_iterations must be >= 1, got %d", f.RANSACIterations)
	}
	v.unit("feature.min_inlier_ratio", f.MinInlierRatio)
	v.within("feature.min_correlation", f.MinCorrelation, -1, 1)
	if f.Workers < 0 {
		v.addf("feature.workers must be >= 0, got %d", f.Workers)
	}
	if f.Timeout <= 0 {
		v.addf("feature.timeout must be > 0, got %s", f.Timeout.Std())
	}

	v.oneOf("pipeline.strategy", c.Pipeline.Strategy, StrategyParametric, StrategyFeature, StrategyAuto)

	if len(v) == 0 {
		return nil
	}
	return regerr.New(regerr.KindConfiguration, "config.Validate", "%d invalid parameter(s): %s", len(v), strings.Join(v, "; "))
}
