package pipeline

import (
	"context"
	"image"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/logging"
	"tissuealign/internal/regerr"
	"tissuealign/internal/source"
	"tissuealign/pkg/geometry"
)

// squareImage is a bright square on a dark 8-bit canvas.
func squareImage(size int, r image.Rectangle, pixelSize float64) imaging.Image {
	im := imaging.NewImage(size, size, 1, 8)
	im.PixelSize = pixelSize
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			im.Set(x, y, 0, 200)
		}
	}
	return im
}

func shiftedSources() (ref, mov *source.MemorySource) {
	ref = source.NewMemorySource(config.ModalityGeneric, squareImage(200, image.Rect(50, 50, 150, 150), 0))
	mov = source.NewMemorySource(config.ModalityGeneric, squareImage(200, image.Rect(60, 55, 160, 155), 0))
	return ref, mov
}

type progressRecorder struct {
	values []float64
	stages []string
}

func (p *progressRecorder) record(v float64, stage string) {
	p.values = append(p.values, v)
	p.stages = append(p.stages, stage)
}

func TestRunParametric(t *testing.T) {
	ref, mov := shiftedSources()
	var prog progressRecorder

	out := New(nil).Run(context.Background(), ref, mov, config.StrategyParametric, prog.record)
	require.Equal(t, StatusSuccess, out.Status, out.Error)

	assert.Equal(t, regerr.KindNone, out.Kind)
	assert.NoError(t, out.Err)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, config.StrategyParametric, out.Strategy)
	assert.Empty(t, out.Fallback)
	assert.Nil(t, out.NativeTransform)
	assert.Equal(t, 1.0, out.MovingScale)

	require.NotNil(t, out.Result)
	assert.InDelta(t, -10, out.Result.Transform.TX, 1)
	assert.InDelta(t, -5, out.Result.Transform.TY, 1)
	assert.InDelta(t, 1, out.Result.Transform.Scale, 0.01)
	assert.Greater(t, out.Result.Fitness, 0.95)

	assert.False(t, out.ReferenceMask.Empty())
	assert.False(t, out.MovingMask.Empty())
	assert.NotEmpty(t, out.Log)

	require.NotEmpty(t, prog.values)
	assert.True(t, sort.Float64sAreSorted(prog.values))
	assert.Equal(t, 1.0, prog.values[len(prog.values)-1])
	assert.Equal(t, "done", prog.stages[len(prog.stages)-1])
	assert.Contains(t, prog.stages, "parametric:refine")
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	ref, mov := shiftedSources()
	var prog progressRecorder

	out := New(nil).Run(context.Background(), ref, mov, "magic", prog.record)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, regerr.KindConfiguration, out.Kind)
	assert.ErrorIs(t, out.Err, regerr.ErrConfiguration)
	assert.Nil(t, out.Result)
	assert.Equal(t, []float64{1}, prog.values)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	ref, mov := shiftedSources()
	cfg := config.DefaultConfig()
	cfg.Parametric.ScaleStep = 0

	out := RunPipeline(context.Background(), ref, mov, cfg, config.StrategyParametric, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, regerr.KindConfiguration, out.Kind)
}

func TestRunAutoFallsBackOnEmptyMask(t *testing.T) {
	ref, _ := shiftedSources()
	mov := source.NewMemorySource(config.ModalityGeneric, imaging.NewImage(200, 200, 1, 8))

	out := New(nil).Run(context.Background(), ref, mov, config.StrategyAuto, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, config.StrategyFeature, out.Strategy)
	assert.Contains(t, out.Fallback, "moving mask is empty")
	assert.Equal(t, regerr.KindInsufficientFeatures, out.Kind)

	var stages []string
	for _, e := range out.Log {
		stages = append(stages, e.Stage)
	}
	assert.Contains(t, stages, "fallback")
}

func TestRunAutoKeepsParametricWhenFallbackFails(t *testing.T) {
	ref := source.NewMemorySource(config.ModalityGeneric, squareImage(200, image.Rect(50, 50, 150, 150), 0))
	mov := source.NewMemorySource(config.ModalityGeneric, squareImage(200, image.Rect(80, 80, 180, 180), 0))

	cfg := config.DefaultConfig()
	cfg.Parametric.ShiftMin, cfg.Parametric.ShiftMax = -5, 5
	cfg.Parametric.MinFitness = 1
	cfg.Feature.MinKeypoints = 1 << 20

	out := RunPipeline(context.Background(), ref, mov, cfg, config.StrategyAuto, nil)
	require.Equal(t, StatusSuccess, out.Status, out.Error)
	assert.Equal(t, regerr.KindLowConfidence, out.Kind)
	assert.Equal(t, config.StrategyParametric, out.Strategy)
	assert.NotEmpty(t, out.Fallback)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.LowConfidence)
	assert.Contains(t, out.Result.Warnings[len(out.Result.Warnings)-1], "feature fallback failed")
}

func TestRunTimeoutIsPartial(t *testing.T) {
	ref, mov := shiftedSources()
	cfg := config.DefaultConfig().WithTimeout(time.Nanosecond)

	out := RunPipeline(context.Background(), ref, mov, cfg, config.StrategyParametric, nil)
	assert.Equal(t, StatusPartial, out.Status)
	assert.Equal(t, regerr.KindTimeout, out.Kind)
	assert.ErrorIs(t, out.Err, regerr.ErrTimeout)
	require.NotNil(t, out.Result)
	assert.NotEmpty(t, out.Result.Warnings)
}

func TestRunCanceledBeforeStart(t *testing.T) {
	ref, mov := shiftedSources()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := New(nil).Run(ctx, ref, mov, config.StrategyParametric, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, regerr.KindCanceled, out.Kind)
	assert.Nil(t, out.Result)
}

func TestRunReusesCachedMasks(t *testing.T) {
	ref, mov := shiftedSources()
	cache := NewLRUCache(8)
	p := New(nil)
	p.Cache = cache

	first := p.Run(context.Background(), ref, mov, config.StrategyParametric, nil)
	require.Equal(t, StatusSuccess, first.Status, first.Error)
	assert.Equal(t, CacheStats{Misses: 2}, cache.Stats())

	second := p.Run(context.Background(), ref, mov, config.StrategyParametric, nil)
	require.Equal(t, StatusSuccess, second.Status, second.Error)
	assert.Equal(t, CacheStats{Hits: 2, Misses: 2}, cache.Stats())
	assert.Equal(t, first.Result.Transform, second.Result.Transform)
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestRunHarmonizesMovingImage(t *testing.T) {
	ref := source.NewMemorySource(config.ModalityGeneric, squareImage(200, image.Rect(50, 50, 150, 150), 1))
	mov := source.NewMemorySource(config.ModalityGeneric, squareImage(100, image.Rect(30, 30, 80, 80), 2))

	out := New(nil).Run(context.Background(), ref, mov, config.StrategyParametric, nil)
	require.Equal(t, StatusSuccess, out.Status, out.Error)
	assert.Equal(t, 2.0, out.MovingScale)
	assert.Equal(t, 200, out.MovingMask.Width)

	require.NotNil(t, out.NativeTransform)
	p := out.NativeTransform.Apply(geometry.Point2D{X: 30, Y: 30})
	assert.InDelta(t, 50, p.X, 2)
	assert.InDelta(t, 50, p.Y, 2)
}

func TestRunUsesBoundaryPolygons(t *testing.T) {
	// The reference image is blank; only its polygons describe the tissue.
	ref := source.NewMemorySource(config.ModalityGeneric, imaging.NewImage(200, 200, 1, 8))
	ref.Polygons = []geometry.Polygon{{
		{X: 50, Y: 50}, {X: 150, Y: 50}, {X: 150, Y: 150}, {X: 50, Y: 150},
	}}
	mov := source.NewMemorySource(config.ModalityGeneric, squareImage(200, image.Rect(60, 55, 160, 155), 0))

	out := New(nil).Run(context.Background(), ref, mov, config.StrategyParametric, nil)
	require.Equal(t, StatusSuccess, out.Status, out.Error)
	assert.True(t, out.ReferenceMask.At(100, 100))
	assert.False(t, out.ReferenceMask.At(20, 20))
	assert.InDelta(t, -10, out.Result.Transform.TX, 1.5)
	assert.InDelta(t, -5, out.Result.Transform.TY, 1.5)

	cfg := config.DefaultConfig()
	cfg.Pipeline.PreferBoundaries = false
	out = RunPipeline(context.Background(), ref, mov, cfg, config.StrategyParametric, nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, regerr.KindInvalidInput, out.Kind)
}

type panickySource struct {
	*source.MemorySource
}

func (panickySource) LoadImage(source.ChannelSelector) (imaging.Image, error) {
	panic("decoder exploded")
}

func TestRunRecoversPanics(t *testing.T) {
	ref, mov := shiftedSources()
	var prog progressRecorder

	out := New(nil).Run(context.Background(), ref, panickySource{mov}, config.StrategyParametric, prog.record)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, regerr.KindInternal, out.Kind)
	assert.Contains(t, out.Error, "decoder exploded")
	assert.Nil(t, out.Result)
	assert.Equal(t, 1.0, prog.values[len(prog.values)-1])

	last := out.Log[len(out.Log)-1]
	assert.Equal(t, "pipeline", last.Stage)
}

func TestLogEntryString(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := &processLog{logger: logging.Nop(), now: func() time.Time { return at }}
	l.warn("masks", "%d holes", 3)
	require.Len(t, l.entries, 1)
	assert.Equal(t, "2024-03-01T12:00:00Z [WARN] masks: 3 holes", l.entries[0].String())
}

func TestMasksSingleSource(t *testing.T) {
	ref, _ := shiftedSources()
	p := New(nil)

	res, log, err := p.Masks(context.Background(), ref, config.DefaultConfig())
	require.NoError(t, err)
	assert.True(t, res.Filled.At(100, 100))
	assert.False(t, res.Filled.At(10, 10))
	assert.Equal(t, 1, res.Report.Kept)
	assert.NotEmpty(t, log)

	_, _, err = p.Masks(context.Background(), ref, config.DefaultConfig().WithThreshold(-1))
	assert.Equal(t, regerr.KindConfiguration, regerr.KindOf(err))
}

type fiducialSource struct {
	*source.MemorySource
	radius float64
}

func (s fiducialSource) FiducialRadius() float64 { return s.radius }

// discImage is a bright filled disc on a dark 8-bit canvas.
func discImage(size int, center geometry.Point2D, radius float64) imaging.Image {
	im := imaging.NewImage(size, size, 1, 8)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if (geometry.Point2D{X: float64(x), Y: float64(y)}).Distance(center) <= radius {
				im.Set(x, y, 0, 230)
			}
		}
	}
	return im
}

func TestMasksSeedsCircleRadiusFromSource(t *testing.T) {
	center := geometry.Point2D{X: 100, Y: 100}
	src := fiducialSource{
		MemorySource: source.NewMemorySource(config.ModalityVisium, discImage(200, center, 24)),
		radius:       24,
	}
	cfg := config.DefaultConfig().WithCircleRadius(8, 14)
	cfg.Circles.MinDistance = 20

	res, log, err := New(nil).Masks(context.Background(), src, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, res.Markers)
	assert.InDelta(t, 24, res.Markers[0].Radius, 2)
	assert.LessOrEqual(t, res.Markers[0].Center.Distance(center), 2.0)

	var seeded bool
	for _, e := range log {
		if e.Stage == "circles" && strings.Contains(e.Message, "searching radii 17-31") {
			seeded = true
		}
	}
	assert.True(t, seeded, "radius range not seeded: %v", log)

	// Unknown radius keeps the configured range.
	src.radius = 0
	res, _, err = New(nil).Masks(context.Background(), src, cfg)
	require.NoError(t, err)
	for _, m := range res.Markers {
		assert.LessOrEqual(t, m.Radius, 14.0)
	}
}
