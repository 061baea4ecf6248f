package alignment

import (
	"fmt"
	"time"
)

// Methods reported on a Result.
const (
	MethodParametric = "parametric"
	MethodFeature    = "feature"
)

// Metrics certifies a registration independently of the estimator.
// Fields that a method does not compute stay zero.
type Metrics struct {
	// Mask overlap.
	IoU         float64 `json:"iou,omitempty"`
	IdentityIoU float64 `json:"identity_iou,omitempty"`

	// Correspondences.
	ReferenceKeypoints int     `json:"reference_keypoints,omitempty"`
	MovingKeypoints    int     `json:"moving_keypoints,omitempty"`
	MatchedFeatures    int     `json:"matched_features,omitempty"`
	InlierCount        int     `json:"inlier_count,omitempty"`
	InlierRatio        float64 `json:"inlier_ratio,omitempty"`
	MeanReprojError    float64 `json:"mean_reprojection_error,omitempty"`

	// Intensity similarity over the overlap of the warped moving image.
	NCC         float64 `json:"ncc,omitempty"`
	SSIM        float64 `json:"ssim,omitempty"`
	MSE         float64 `json:"mse,omitempty"`
	OverlapArea int     `json:"overlap_area,omitempty"`
}

// PhaseReport summarizes one search phase.
type PhaseReport struct {
	Phase       string        `json:"phase"`
	BestFitness float64       `json:"best_fitness"`
	Evaluated   int           `json:"evaluated"`
	Skipped     int           `json:"skipped"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Result is the outcome of one alignment.
type Result struct {
	Transform     Transform     `json:"transform"`
	Fitness       float64       `json:"fitness"`
	Method        string        `json:"method"`
	LowConfidence bool          `json:"low_confidence"`
	Metrics       Metrics       `json:"metrics"`
	Warnings      []string      `json:"warnings,omitempty"`
	Phases        []PhaseReport `json:"phases,omitempty"`
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
