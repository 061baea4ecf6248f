package circles

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/pkg/geometry"
)

// discImage draws bright filled discs on a dark 8-bit canvas.
func discImage(w, h int, discs []Circle) imaging.Image {
	im := imaging.NewImage(w, h, 1, 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for _, d := range discs {
				dx, dy := float64(x)-d.Center.X, float64(y)-d.Center.Y
				if dx*dx+dy*dy <= d.Radius*d.Radius {
					im.Set(x, y, 0, 230)
				}
			}
		}
	}
	return im
}

func testConfig() config.CircleConfig {
	cfg := config.DefaultConfig().WithCircleRadius(8, 16).Circles
	cfg.MinDistance = 20
	return cfg
}

func TestDetectTwoFiducials(t *testing.T) {
	want := []Circle{
		{Center: geometry.Point2D{X: 50, Y: 60}, Radius: 12},
		{Center: geometry.Point2D{X: 140, Y: 130}, Radius: 12},
	}
	img := discImage(200, 200, want)

	got, err := NewDetector(nil).Detect(context.Background(), img, testConfig())
	require.NoError(t, err)
	require.Len(t, got, 2)

	for _, w := range want {
		found := false
		for _, g := range got {
			if g.Center.Distance(w.Center) <= 2 {
				found = true
				assert.InDelta(t, w.Radius, g.Radius, 1)
				assert.GreaterOrEqual(t, g.Confidence, testConfig().MinConfidence)
			}
		}
		assert.True(t, found, "no detection near %v", w.Center)
	}
}

func TestDetectNoMarkers(t *testing.T) {
	got, err := NewDetector(nil).Detect(context.Background(), imaging.NewImage(120, 90, 1, 8), testConfig())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestDetectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDetector(nil).Detect(ctx, imaging.NewImage(40, 40, 1, 8), testConfig())
	assert.Error(t, err)
}

func TestDeduplicateKeepsMostConfident(t *testing.T) {
	cs := []Circle{
		{Center: geometry.Point2D{X: 10, Y: 10}, Radius: 9, Confidence: 0.6},
		{Center: geometry.Point2D{X: 14, Y: 10}, Radius: 10, Confidence: 0.9},
		{Center: geometry.Point2D{X: 80, Y: 80}, Radius: 10, Confidence: 0.5},
	}
	src := []houghCandidate{{order: 0}, {order: 1}, {order: 2}}
	got := deduplicate(cs, src, 20)
	require.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0].Confidence)
	assert.Equal(t, 80.0, got[1].Center.X)
}

func TestMaskAndStats(t *testing.T) {
	cs := []Circle{
		{Center: geometry.Point2D{X: 20, Y: 20}, Radius: 5},
		{Center: geometry.Point2D{X: 60, Y: 20}, Radius: 7},
	}
	m, err := Mask(cs, 100, 50, 0)
	require.NoError(t, err)
	assert.True(t, m.At(20, 20))
	assert.True(t, m.At(60, 26))
	assert.False(t, m.At(40, 40))
	assert.InDelta(t, math.Pi*(25+49), float64(m.Area()), 30)

	s := ComputeStats(cs)
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 6.0, s.MeanRadius)
	assert.Equal(t, 5.0, s.MinRadius)
	assert.Equal(t, 7.0, s.MaxRadius)
	assert.Equal(t, 1.0, s.StdRadius)
	assert.Equal(t, Stats{}, ComputeStats(nil))
}
