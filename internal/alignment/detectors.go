package alignment

import (
	"fmt"

	"gocv.io/x/gocv"

	"tissuealign/internal/config"
	"tissuealign/pkg/geometry"
)

// Feature is one detected keypoint. Its descriptor is the row with the same
// index in the descriptor Mat returned alongside it.
type Feature struct {
	Point    geometry.Point2D `json:"point"`
	Response float64          `json:"response"`
	Size     float64          `json:"size"`
	Angle    float64          `json:"angle"`
}

// FeatureDetector is the detect-and-describe capability shared by every
// detector family.
type FeatureDetector interface {
	// DetectAndCompute finds keypoints on an 8-bit gray Mat. The caller
	// closes the returned descriptors.
	DetectAndCompute(gray gocv.Mat) ([]Feature, gocv.Mat, error)

	// Norm is the descriptor distance the matcher must use.
	Norm() gocv.NormType

	Close() error
}

// NewFeatureDetector builds the detector family named by cfg.Detector.
func NewFeatureDetector(cfg config.FeatureConfig) (FeatureDetector, error) {
	switch cfg.Detector {
	case config.DetectorORB:
		orb := gocv.NewORBWithParams(cfg.MaxFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
		return &orbDetector{orb: orb}, nil
	case config.DetectorAKAZE:
		return &akazeDetector{akaze: gocv.NewAKAZE()}, nil
	case config.DetectorBRISK:
		return &briskDetector{brisk: gocv.NewBRISK()}, nil
	case config.DetectorSIFT:
		return &siftDetector{sift: gocv.NewSIFT()}, nil
	}
	return nil, fmt.Errorf("unknown feature detector %q", cfg.Detector)
}

func toFeatures(kps []gocv.KeyPoint) []Feature {
	out := make([]Feature, len(kps))
	for i, kp := range kps {
		out[i] = Feature{
			Point:    geometry.Point2D{X: kp.X, Y: kp.Y},
			Response: kp.Response,
			Size:     kp.Size,
			Angle:    kp.Angle,
		}
	}
	return out
}

// detectWith runs a gocv detect-and-compute function with an empty mask.
func detectWith(gray gocv.Mat, fn func(src, mask gocv.Mat) ([]gocv.KeyPoint, gocv.Mat)) ([]Feature, gocv.Mat, error) {
	if gray.Empty() {
		return nil, gocv.NewMat(), fmt.Errorf("empty image")
	}
	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := fn(gray, mask)
	return toFeatures(kps), desc, nil
}

// orbDetector: binary descriptors, capped at the configured feature count.
type orbDetector struct{ orb gocv.ORB }

func (d *orbDetector) DetectAndCompute(gray gocv.Mat) ([]Feature, gocv.Mat, error) {
	return detectWith(gray, d.orb.DetectAndCompute)
}
func (d *orbDetector) Norm() gocv.NormType { return gocv.NormHamming }
func (d *orbDetector) Close() error        { return d.orb.Close() }

// akazeDetector: binary descriptors over a nonlinear scale space.
type akazeDetector struct{ akaze gocv.AKAZE }

func (d *akazeDetector) DetectAndCompute(gray gocv.Mat) ([]Feature, gocv.Mat, error) {
	return detectWith(gray, d.akaze.DetectAndCompute)
}
func (d *akazeDetector) Norm() gocv.NormType { return gocv.NormHamming }
func (d *akazeDetector) Close() error        { return d.akaze.Close() }

// briskDetector: corner detection with scale-invariant binary descriptors.
type briskDetector struct{ brisk gocv.BRISK }

func (d *briskDetector) DetectAndCompute(gray gocv.Mat) ([]Feature, gocv.Mat, error) {
	return detectWith(gray, d.brisk.DetectAndCompute)
}
func (d *briskDetector) Norm() gocv.NormType { return gocv.NormHamming }
func (d *briskDetector) Close() error        { return d.brisk.Close() }

// siftDetector: gradient-histogram descriptors compared with L2.
type siftDetector struct{ sift gocv.SIFT }

func (d *siftDetector) DetectAndCompute(gray gocv.Mat) ([]Feature, gocv.Mat, error) {
	return detectWith(gray, d.sift.DetectAndCompute)
}
func (d *siftDetector) Norm() gocv.NormType { return gocv.NormL2 }
func (d *siftDetector) Close() error        { return d.sift.Close() }
