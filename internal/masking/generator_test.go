package masking

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuealign/internal/circles"
	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/pkg/geometry"
)

func fillImage(im imaging.Image, r image.Rectangle, v uint16) {
	r = r.Intersect(image.Rect(0, 0, im.Width, im.Height))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			for c := 0; c < im.Channels; c++ {
				im.Set(x, y, c, v)
			}
		}
	}
}

// tissueWithHoles is a bright square with a 10x10 and a 40x40 dark hole.
func tissueWithHoles() imaging.Image {
	im := imaging.NewImage(200, 200, 1, 8)
	fillImage(im, image.Rect(20, 20, 180, 180), 200)
	fillImage(im, image.Rect(40, 40, 50, 50), 0)
	fillImage(im, image.Rect(100, 100, 140, 140), 0)
	return im
}

func maskConfig() config.MaskConfig {
	return config.DefaultConfig().WithThreshold(100).WithMorphology(3, 1, 1).WithAreas(100, 500).Mask
}

func generate(t *testing.T, im imaging.Image, cfg config.MaskConfig, markers []circles.Circle) (imaging.Mask, imaging.Mask, Report) {
	t.Helper()
	filled, withHoles, rep, err := NewGenerator(nil).Generate(context.Background(), im, cfg, markers)
	require.NoError(t, err)
	return filled, withHoles, rep
}

func TestHoleThresholdSplitsVariants(t *testing.T) {
	filled, withHoles, rep := generate(t, tissueWithHoles(), maskConfig(), nil)

	n, err := imaging.CountHoles(filled)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = imaging.CountHoles(withHoles)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, filled.At(120, 120))
	assert.False(t, withHoles.At(120, 120), "large hole must be preserved")
	assert.True(t, withHoles.At(45, 45), "small hole must be filled")
	assert.True(t, withHoles.At(99, 120), "hole boundary ring must survive")

	assert.Equal(t, 1, rep.Kept)
	assert.Equal(t, 1, rep.HolesKept)
	assert.Equal(t, 1, rep.HolesFilled)
	assert.False(t, rep.LowConfidence)
	assert.Equal(t, 100.0, rep.Threshold)
}

func TestGenerateIsIdempotent(t *testing.T) {
	im := tissueWithHoles()
	f1, h1, _ := generate(t, im, maskConfig(), nil)
	f2, h2, _ := generate(t, im, maskConfig(), nil)
	assert.True(t, f1.Equal(f2))
	assert.True(t, h1.Equal(h2))
}

func TestEmptyImageIsLowConfidence(t *testing.T) {
	filled, withHoles, rep := generate(t, imaging.NewImage(64, 64, 1, 8), maskConfig(), nil)
	assert.True(t, rep.LowConfidence)
	assert.True(t, filled.Empty())
	assert.True(t, withHoles.Empty())
	assert.Equal(t, 64, filled.Width)
}

func TestSmallSpecksDropped(t *testing.T) {
	im := tissueWithHoles()
	fillImage(im, image.Rect(190, 5, 196, 11), 200)
	cfg := maskConfig()
	cfg.OpenIterations = 0
	filled, _, rep := generate(t, im, cfg, nil)
	assert.False(t, filled.At(192, 8))
	assert.Equal(t, 1, rep.Kept)
}

func TestIslandInsidePreservedHoleKept(t *testing.T) {
	im := imaging.NewImage(200, 200, 1, 8)
	fillImage(im, image.Rect(20, 20, 180, 180), 200)
	fillImage(im, image.Rect(70, 70, 140, 140), 0)
	fillImage(im, image.Rect(95, 95, 115, 115), 200)

	_, withHoles, rep := generate(t, im, maskConfig(), nil)
	assert.True(t, withHoles.At(105, 105))
	assert.False(t, withHoles.At(80, 80))
	assert.Equal(t, 2, rep.Kept)
}

func TestInvertedPolarity(t *testing.T) {
	im := imaging.NewImage(120, 120, 3, 8)
	fillImage(im, image.Rect(0, 0, 120, 120), 240)
	fillImage(im, image.Rect(30, 30, 90, 90), 60)

	cfg := maskConfig()
	cfg.Invert = true
	cfg.Method = config.MethodOtsu
	filled, _, rep := generate(t, im, cfg, nil)
	assert.True(t, filled.At(60, 60))
	assert.False(t, filled.At(5, 5))
	assert.Equal(t, 1, rep.Kept)
}

func TestMarkersPaintedOut(t *testing.T) {
	im := tissueWithHoles()
	marker := circles.Circle{Center: geometry.Point2D{X: 190, Y: 190}, Radius: 8}
	for y := 180; y < 200; y++ {
		for x := 180; x < 200; x++ {
			dx, dy := x-190, y-190
			if dx*dx+dy*dy <= 64 {
				im.Set(x, y, 0, 220)
			}
		}
	}
	cfg := maskConfig()

	withMarker, _, _ := generate(t, im, cfg, nil)
	require.True(t, withMarker.At(190, 190))

	filled, _, rep := generate(t, im, cfg, []circles.Circle{marker})
	assert.False(t, filled.At(190, 190))
	assert.Equal(t, 1, rep.MarkersPainted)
}

func TestKeepHoleBoundary(t *testing.T) {
	cfg := maskConfig()
	assert.True(t, keepHole(cfg.HoleFillArea, cfg))
	assert.False(t, keepHole(cfg.HoleFillArea-1, cfg))
	cfg.HoleThresholdExclusive = true
	assert.False(t, keepHole(cfg.HoleFillArea, cfg))
	assert.True(t, keepHole(cfg.HoleFillArea+1, cfg))
}

func TestGenerateMasksValidatesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mask.KernelSize = 0
	_, err := GenerateMasks(context.Background(), tissueWithHoles(), cfg)
	assert.Error(t, err)

	res, err := GenerateMasks(context.Background(), tissueWithHoles(), config.DefaultConfig().WithThreshold(100))
	require.NoError(t, err)
	assert.False(t, res.Filled.Empty())
	assert.Empty(t, res.Markers)
}

func TestRasterizePolygons(t *testing.T) {
	polys := []geometry.Polygon{
		{{X: 10, Y: 10}, {X: 30, Y: 10}, {X: 30, Y: 30}, {X: 10, Y: 30}},
		{{X: 20, Y: 20}, {X: 40, Y: 20}, {X: 40, Y: 40}, {X: 20, Y: 40}},
	}
	m, err := RasterizePolygons(polys, 50, 50)
	require.NoError(t, err)
	assert.True(t, m.At(25, 25), "overlap must stay filled")
	assert.InDelta(t, 21*21*2-11*11, m.Area(), 40)

	_, err = RasterizePolygons(polys, 0, 10)
	assert.Error(t, err)
}

func TestRasterizePolygonsClipsToCanvas(t *testing.T) {
	polys := []geometry.Polygon{
		// Straddles the left edge.
		{{X: -20, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 20}, {X: -20, Y: 20}},
		// Reaches far beyond the canvas on the right.
		{{X: 40, Y: 30}, {X: 1e7, Y: 30}, {X: 1e7, Y: 40}, {X: 40, Y: 40}},
		// Entirely off canvas.
		{{X: -500, Y: -500}, {X: -400, Y: -500}, {X: -400, Y: -400}},
	}
	m, err := RasterizePolygons(polys, 50, 50)
	require.NoError(t, err)

	assert.True(t, m.At(0, 15))
	assert.True(t, m.At(10, 15))
	assert.False(t, m.At(11, 15))
	assert.True(t, m.At(49, 35))
	assert.False(t, m.At(39, 35))
	assert.InDelta(t, 11*11+10*11, m.Area(), 10)
}
