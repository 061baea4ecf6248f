package alignment

import (
	"context"
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

// texturedImage draws overlapping rectangles of random intensity.
func texturedImage(w, h int, seed int64) imaging.Image {
	rng := rand.New(rand.NewSource(seed))
	im := imaging.NewImage(w, h, 1, 8)
	for i := range im.Pix {
		im.Pix[i] = 40
	}
	for n := 0; n < 150; n++ {
		x0, y0 := rng.Intn(w-20), rng.Intn(h-20)
		r := image.Rect(x0, y0, x0+8+rng.Intn(40), y0+8+rng.Intn(40)).Intersect(image.Rect(0, 0, w, h))
		v := uint16(60 + rng.Intn(190))
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				im.Set(x, y, 0, v)
			}
		}
	}
	return im
}

func featureConfig() config.FeatureConfig {
	cfg := config.DefaultConfig().Feature
	cfg.MaxFeatures = 2000
	cfg.MinInlierRatio = 0.1
	cfg.MinCorrelation = 0
	return cfg
}

func TestFeatureRecoversSimilarity(t *testing.T) {
	ref := texturedImage(400, 400, 3)
	center := geometry.Point2D{X: 199.5, Y: 199.5}
	truth := Similarity(1.05, 15, 0, 0, center)
	inv, err := truth.Inverse()
	require.NoError(t, err)

	refGray, err := ref.Gray8Mat(0, config.NormalizeScale)
	require.NoError(t, err)
	defer refGray.Close()
	movGray := imaging.WarpMat(refGray, inv.Matrix(), 400, 400, gocv.InterpolationLinear)
	defer movGray.Close()
	mov, err := imaging.GrayFromMat(movGray, 0)
	require.NoError(t, err)

	res, err := NewFeatureAligner(nil).Align(context.Background(), ref, mov, featureConfig())
	require.NoError(t, err)

	assert.Equal(t, MethodFeature, res.Method)
	assert.Equal(t, KindSimilarity, res.Transform.Kind)
	assert.InDelta(t, 15, res.Transform.RotationDegrees(), 1)
	assert.InDelta(t, 1.05, res.Transform.ScaleFactor(), 0.02)
	assertPointNear(t, center, res.Transform.Apply(center), 2)

	m := res.Metrics
	assert.GreaterOrEqual(t, m.ReferenceKeypoints, 10)
	assert.GreaterOrEqual(t, m.MatchedFeatures, m.InlierCount)
	assert.Greater(t, m.InlierCount, 10)
	assert.Less(t, m.MeanReprojError, 5.0)
	assert.Greater(t, m.NCC, 0.8)
	assert.Greater(t, m.OverlapArea, 0)
	assert.False(t, res.LowConfidence)
}

func TestFeatureRejectsFlatImage(t *testing.T) {
	flat := imaging.NewImage(200, 200, 1, 8)
	for i := range flat.Pix {
		flat.Pix[i] = 128
	}
	_, err := NewFeatureAligner(nil).Align(context.Background(), flat, flat, featureConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, regerr.ErrInsufficientFeatures)
}

func TestFeatureLowCorrelationFlagged(t *testing.T) {
	ref := texturedImage(300, 300, 11)
	cfg := featureConfig()
	cfg.MinCorrelation = 1.5

	res, err := NewFeatureAligner(nil).Align(context.Background(), ref, ref, cfg)
	require.NoError(t, err)
	assert.True(t, res.LowConfidence)
	assert.InDelta(t, 0, res.Transform.RotationDegrees(), 0.5)
	assert.InDelta(t, 1, res.Transform.ScaleFactor(), 0.01)
}

func TestFeatureBadConfig(t *testing.T) {
	im := texturedImage(100, 100, 1)
	cfg := config.DefaultConfig().WithDetector("surf")
	_, err := AlignFeatureBased(context.Background(), im, im, cfg)
	assert.Equal(t, regerr.KindConfiguration, regerr.KindOf(err))
}

// scriptedDetector hands out fixed keypoints: the first call describes the
// reference image, the second the moving one.
type scriptedDetector struct {
	features [2][]Feature
	desc     [2]func() gocv.Mat
	calls    int
}

func (d *scriptedDetector) DetectAndCompute(gocv.Mat) ([]Feature, gocv.Mat, error) {
	i := d.calls % 2
	d.calls++
	return d.features[i], d.desc[i](), nil
}

func (d *scriptedDetector) Norm() gocv.NormType { return gocv.NormL2 }
func (d *scriptedDetector) Close() error        { return nil }

func (d *scriptedDetector) aligner() *FeatureAligner {
	return &FeatureAligner{NewDetector: func(config.FeatureConfig) (FeatureDetector, error) { return d, nil }}
}

func featuresAt(pts []geometry.Point2D) []Feature {
	out := make([]Feature, len(pts))
	for i, p := range pts {
		out[i] = Feature{Point: p, Response: 1}
	}
	return out
}

// uniformDescriptors gives every keypoint the same descriptor, so no match
// can pass the ratio test.
func uniformDescriptors(n int) func() gocv.Mat {
	return func() gocv.Mat {
		return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 0, 0, 0), n, 8, gocv.MatTypeCV32F)
	}
}

// oneHotDescriptors makes keypoint i on both sides match only each other.
func oneHotDescriptors(n int) func() gocv.Mat {
	return func() gocv.Mat {
		m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), n, n, gocv.MatTypeCV32F)
		for i := 0; i < n; i++ {
			m.SetFloatAt(i, i, 1)
		}
		return m
	}
}

func randomPoints(rng *rand.Rand, n int, size float64) []geometry.Point2D {
	pts := make([]geometry.Point2D, n)
	for i := range pts {
		pts[i] = geometry.Point2D{X: 10 + rng.Float64()*(size-20), Y: 10 + rng.Float64()*(size-20)}
	}
	return pts
}

func grayPair(t *testing.T) (gocv.Mat, gocv.Mat) {
	t.Helper()
	ref, err := texturedImage(200, 200, 5).Gray8Mat(0, config.NormalizeScale)
	require.NoError(t, err)
	mov, err := texturedImage(200, 200, 5).Gray8Mat(0, config.NormalizeScale)
	require.NoError(t, err)
	return ref, mov
}

func TestFeatureInsufficientMatches(t *testing.T) {
	const n = 30
	pts := randomPoints(rand.New(rand.NewSource(1)), n, 200)
	det := &scriptedDetector{
		features: [2][]Feature{featuresAt(pts), featuresAt(pts)},
		desc:     [2]func() gocv.Mat{uniformDescriptors(n), uniformDescriptors(n)},
	}
	refGray, movGray := grayPair(t)
	defer refGray.Close()
	defer movGray.Close()

	res, err := det.aligner().AlignGray(context.Background(), refGray, movGray, featureConfig())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, regerr.ErrInsufficientMatches)
	assert.Equal(t, regerr.KindInsufficientMatches, regerr.KindOf(err))
}

func TestFeatureLowInlierRatioFails(t *testing.T) {
	const n = 40
	rng := rand.New(rand.NewSource(9))
	movPts := randomPoints(rng, n, 200)
	refPts := make([]geometry.Point2D, n)
	// Half of the correspondences agree on a shift; the rest are scattered.
	for i := range refPts {
		if i%2 == 0 {
			refPts[i] = movPts[i].Add(geometry.Point2D{X: 3, Y: -2})
		} else {
			refPts[i] = randomPoints(rng, 1, 200)[0]
		}
	}
	det := &scriptedDetector{
		features: [2][]Feature{featuresAt(refPts), featuresAt(movPts)},
		desc:     [2]func() gocv.Mat{oneHotDescriptors(n), oneHotDescriptors(n)},
	}
	refGray, movGray := grayPair(t)
	defer refGray.Close()
	defer movGray.Close()

	cfg := featureConfig()
	cfg.MinInlierRatio = 0.9
	res, err := det.aligner().AlignGray(context.Background(), refGray, movGray, cfg)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, regerr.ErrRegistrationFailed)
	assert.Contains(t, err.Error(), "inlier ratio")

	// The same correspondences pass once the bar is lowered.
	cfg.MinInlierRatio = 0.3
	res, err = det.aligner().AlignGray(context.Background(), refGray, movGray, cfg)
	require.NoError(t, err)
	assert.Equal(t, n, res.Metrics.MatchedFeatures)
	assert.InDelta(t, 0.5, res.Metrics.InlierRatio, 0.1)
	assert.InDelta(t, 3, res.Transform.Apply(geometry.Point2D{}).X, 0.5)
}
