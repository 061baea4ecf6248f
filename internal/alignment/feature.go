package alignment

import (
	"context"
	"errors"
	"log/slog"

	"gocv.io/x/gocv"

	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/logging"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

// FeatureAligner registers intensity images through keypoint
// correspondences and a RANSAC-estimated model.
type FeatureAligner struct {
	Logger *slog.Logger

	// NewDetector overrides detector construction; nil uses NewFeatureDetector.
	NewDetector func(config.FeatureConfig) (FeatureDetector, error)
}

// NewFeatureAligner returns an aligner logging to l (nil for silence).
func NewFeatureAligner(l *slog.Logger) *FeatureAligner {
	return &FeatureAligner{Logger: l}
}

// AlignFeatureBased validates cfg and registers mov onto ref.
func AlignFeatureBased(ctx context.Context, ref, mov imaging.Image, cfg config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewFeatureAligner(nil).Align(ctx, ref, mov, cfg.Feature)
}

// Align converts both images to 8-bit gray and registers them.
func (a *FeatureAligner) Align(ctx context.Context, ref, mov imaging.Image, cfg config.FeatureConfig) (*Result, error) {
	const op = "alignment.AlignFeatureBased"
	refGray, err := ref.Gray8Mat(cfg.Channel, config.NormalizeMinMax)
	if err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	defer refGray.Close()
	movGray, err := mov.Gray8Mat(cfg.Channel, config.NormalizeMinMax)
	if err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	defer movGray.Close()
	return a.AlignGray(ctx, refGray, movGray, cfg)
}

// AlignGray registers two 8-bit single-channel Mats.
func (a *FeatureAligner) AlignGray(ctx context.Context, refGray, movGray gocv.Mat, cfg config.FeatureConfig) (*Result, error) {
	const op = "alignment.AlignFeatureBased"
	log := logging.OrNop(a.Logger)

	if refGray.Empty() || movGray.Empty() {
		return nil, regerr.New(regerr.KindInvalidInput, op, "empty image")
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout.Std())
		defer cancel()
	}

	m, err := modelFor(cfg.Model)
	if err != nil {
		return nil, regerr.Wrap(regerr.KindConfiguration, op, err)
	}

	newDetector := a.NewDetector
	if newDetector == nil {
		newDetector = NewFeatureDetector
	}
	det, err := newDetector(cfg)
	if err != nil {
		return nil, regerr.Wrap(regerr.KindConfiguration, op, err)
	}
	defer det.Close()

	refFeats, refDesc, err := det.DetectAndCompute(refGray)
	if err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	defer refDesc.Close()
	movFeats, movDesc, err := det.DetectAndCompute(movGray)
	if err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	defer movDesc.Close()

	res := &Result{Method: MethodFeature}
	res.Metrics.ReferenceKeypoints = len(refFeats)
	res.Metrics.MovingKeypoints = len(movFeats)
	log.Debug("keypoints detected", "detector", cfg.Detector, "reference", len(refFeats), "moving", len(movFeats))

	if len(refFeats) < cfg.MinKeypoints {
		return nil, regerr.New(regerr.KindInsufficientFeatures, op,
			"reference image has %d keypoints, need %d", len(refFeats), cfg.MinKeypoints)
	}
	if len(movFeats) < cfg.MinKeypoints {
		return nil, regerr.New(regerr.KindInsufficientFeatures, op,
			"moving image has %d keypoints, need %d", len(movFeats), cfg.MinKeypoints)
	}
	if err := ctx.Err(); err != nil {
		return nil, regerr.FromContext(op, err, nil)
	}

	matches := matchDescriptors(movDesc, refDesc, det.Norm(), cfg.MatchRatio)
	res.Metrics.MatchedFeatures = len(matches)
	if len(matches) < m.minSamples {
		return nil, regerr.New(regerr.KindInsufficientMatches, op,
			"%d matches after ratio test, %s model needs %d", len(matches), m.kind, m.minSamples)
	}

	src := make([]geometry.Point2D, len(matches))
	dst := make([]geometry.Point2D, len(matches))
	for i, mt := range matches {
		src[i] = movFeats[mt.MovingIdx].Point
		dst[i] = refFeats[mt.ReferenceIdx].Point
	}

	est, ransacErr := runRANSAC(ctx, src, dst, m, ransacParams{
		threshold:  cfg.RANSACThreshold,
		iterations: cfg.RANSACIterations,
		seed:       cfg.Seed,
		workers:    cfg.Workers,
	})
	interrupted := ransacErr != nil && (errors.Is(ransacErr, context.DeadlineExceeded) || errors.Is(ransacErr, context.Canceled))
	if ransacErr != nil && (!interrupted || len(est.inliers) == 0) {
		if interrupted {
			return nil, regerr.FromContext(op, ransacErr, nil)
		}
		return nil, regerr.Wrap(regerr.KindRegistrationFailed, op, ransacErr)
	}

	res.Transform = transformFromModel(m.kind, est.h)
	res.Metrics.InlierCount = len(est.inliers)
	res.Metrics.InlierRatio = imaging.Ratio(len(est.inliers), len(matches))
	res.Metrics.MeanReprojError = meanReprojection(est.h, src, dst, est.inliers)
	res.Fitness = res.Metrics.InlierRatio
	intensityMetrics(refGray, movGray, est.h, &res.Metrics)

	log.Info("feature registration",
		"model", m.kind, "matches", len(matches), "inliers", len(est.inliers),
		"inlier_ratio", res.Metrics.InlierRatio, "ncc", res.Metrics.NCC, "ssim", res.Metrics.SSIM)

	if interrupted {
		res.warnf("RANSAC interrupted after %d of %d trials", est.evaluated, est.trials)
		return res, regerr.FromContext(op, ransacErr, res)
	}

	if res.Metrics.InlierRatio < cfg.MinInlierRatio {
		return nil, regerr.New(regerr.KindRegistrationFailed, op,
			"inlier ratio %.3f below minimum %.3f (%d/%d)",
			res.Metrics.InlierRatio, cfg.MinInlierRatio, len(est.inliers), len(matches))
	}
	if res.Metrics.NCC < cfg.MinCorrelation {
		res.LowConfidence = true
		res.warnf("%s: overlap correlation %.3f below minimum %.3f", regerr.KindLowConfidence, res.Metrics.NCC, cfg.MinCorrelation)
		log.Warn("feature registration low confidence", "ncc", res.Metrics.NCC)
	}
	return res, nil
}

// transformFromModel reports similarity estimates in scale/rotation form
// about the origin, and everything else as a matrix.
func transformFromModel(kind Kind, h geometry.Homography) Transform {
	if kind != KindSimilarity {
		t := FromHomography(h)
		if kind == KindAffine {
			t.Kind = KindAffine
		}
		return t
	}
	aff := h.Affine()
	return Similarity(aff.ScaleFactor(), aff.RotationDegrees(), aff.TX, aff.TY, geometry.Point2D{})
}
