// Package pipeline sequences the registration components for one request:
// it picks a configuration per modality, loads and harmonizes the images,
// builds masks through an injected cache, runs the chosen strategy and maps
// every failure onto a structured Outcome.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"tissuealign/internal/alignment"
	"tissuealign/internal/circles"
	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/logging"
	"tissuealign/internal/masking"
	"tissuealign/internal/regerr"
	"tissuealign/internal/source"
)

// DefaultCacheSize is the mask cache capacity used by New.
const DefaultCacheSize = 32

// Status is the coarse outcome of a request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// ProgressFunc receives a value in [0, 1] after each stage. Values never
// decrease and the last call reports 1.
type ProgressFunc func(progress float64, stage string)

// Outcome is everything a request produces. Err is the classified error for
// partial and failed outcomes; Kind is LowConfidenceWarning for a
// successful but low-confidence result.
type Outcome struct {
	RequestID string            `json:"request_id"`
	Status    Status            `json:"status"`
	Kind      regerr.Kind       `json:"kind"`
	Err       error             `json:"-"`
	Error     string            `json:"error,omitempty"`
	Strategy  string            `json:"strategy,omitempty"`
	Fallback  string            `json:"fallback,omitempty"`
	Result    *alignment.Result `json:"result,omitempty"`

	// MovingScale is the resampling factor applied to the moving image
	// before registration (1 when it was used as is). NativeTransform maps
	// native moving pixels to the reference.
	MovingScale     float64              `json:"moving_scale"`
	NativeTransform *alignment.Transform `json:"native_transform,omitempty"`

	ReferenceMask imaging.Mask `json:"-"`
	MovingMask    imaging.Mask `json:"-"`

	Log     []LogEntry    `json:"log"`
	Elapsed time.Duration `json:"elapsed"`
}

// Pipeline holds the collaborators shared across requests. The zero value
// works: it uses the built-in registry, no cache and no harmonization.
type Pipeline struct {
	Registry   *config.Registry
	Cache      MaskCache
	Harmonizer *source.Harmonizer
	Logger     *slog.Logger

	now func() time.Time
}

// New returns a pipeline with the built-in registry, an LRU mask cache and
// a harmonizer.
func New(l *slog.Logger) *Pipeline {
	return &Pipeline{
		Registry:   config.NewRegistry(),
		Cache:      NewLRUCache(DefaultCacheSize),
		Harmonizer: source.NewHarmonizer(l),
		Logger:     l,
	}
}

// RunPipeline registers mov onto ref using cfg for both sources.
func RunPipeline(ctx context.Context, ref, mov source.Source, cfg config.Config, strategy string, progress ProgressFunc) Outcome {
	p := &Pipeline{Harmonizer: source.NewHarmonizer(nil)}
	return p.RunWithConfig(ctx, ref, mov, cfg, strategy, progress)
}

// Run registers mov onto ref. Each source is masked with the configuration
// registered for its modality; search parameters come from the reference's.
// An empty strategy uses the configured default.
func (p *Pipeline) Run(ctx context.Context, ref, mov source.Source, strategy string, progress ProgressFunc) Outcome {
	reg := p.Registry
	if reg == nil {
		reg = config.NewRegistry()
	}
	refCfg, _ := reg.Lookup(ref.Modality())
	movCfg, _ := reg.Lookup(mov.Modality())
	return p.run(ctx, ref, mov, refCfg, movCfg, strategy, progress)
}

// RunWithConfig is Run with one explicit configuration for both sources.
func (p *Pipeline) RunWithConfig(ctx context.Context, ref, mov source.Source, cfg config.Config, strategy string, progress ProgressFunc) Outcome {
	return p.run(ctx, ref, mov, cfg, cfg, strategy, progress)
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Pipeline) run(ctx context.Context, ref, mov source.Source, refCfg, movCfg config.Config, strategy string, progress ProgressFunc) (out Outcome) {
	start := p.clock()
	out.RequestID = uuid.NewString()
	out.MovingScale = 1
	logger := logging.OrNop(p.Logger).With("request_id", out.RequestID)

	r := p.newRequest(ref, mov, refCfg, movCfg, logger, progress)

	defer func() {
		if v := recover(); v != nil {
			r.log.error("pipeline", "recovered panic: %v", v)
			out.Result = nil
			out.NativeTransform = nil
			r.classify(&out, nil, regerr.New(regerr.KindInternal, "pipeline.Run", "panic: %v", v))
		}
		out.Log = r.log.entries
		out.Elapsed = p.clock().Sub(start)
		r.progress.report(1, "done")
	}()

	res, err := r.execute(ctx, strategy, &out)
	r.classify(&out, res, err)
	return out
}

// Masks builds the masks of a single source the way Run builds the
// reference masks, sharing the pipeline's cache.
func (p *Pipeline) Masks(ctx context.Context, src source.Source, cfg config.Config) (masking.Result, []LogEntry, error) {
	logger := logging.OrNop(p.Logger).With("source", src.ID())
	r := p.newRequest(src, nil, cfg, cfg, logger, nil)
	if err := cfg.Validate(); err != nil {
		return masking.Result{}, nil, err
	}
	res, err := r.masks(ctx, src, cfg, false)
	return res, r.log.entries, err
}

func (p *Pipeline) newRequest(ref, mov source.Source, refCfg, movCfg config.Config, logger *slog.Logger, progress ProgressFunc) *request {
	return &request{
		p:        p,
		ref:      ref,
		mov:      mov,
		refCfg:   refCfg,
		movCfg:   movCfg,
		logger:   logger,
		log:      &processLog{logger: logger, now: p.clock},
		progress: &progressTracker{fn: progress},
		images:   make(map[imageKey]imaging.Image),
		scale:    1,
	}
}

type imageKey struct {
	moving bool
	ch     source.ChannelSelector
}

// request is the state of one Run call.
type request struct {
	p              *Pipeline
	ref, mov       source.Source
	refCfg, movCfg config.Config
	logger         *slog.Logger
	log            *processLog
	progress       *progressTracker

	images map[imageKey]imaging.Image
	grid   *source.Metadata
	scale  float64
}

func (r *request) execute(ctx context.Context, strategy string, out *Outcome) (*alignment.Result, error) {
	const op = "pipeline.Run"
	if strategy == "" {
		strategy = r.refCfg.Pipeline.Strategy
	}
	switch strategy {
	case config.StrategyParametric, config.StrategyFeature, config.StrategyAuto:
	default:
		return nil, regerr.New(regerr.KindConfiguration, op, "unknown strategy %q", strategy)
	}
	if err := r.refCfg.Validate(); err != nil {
		return nil, err
	}
	if err := r.movCfg.Validate(); err != nil {
		return nil, err
	}
	r.log.info("config", "reference %s (%s), moving %s (%s), strategy %s",
		r.ref.ID(), r.ref.Modality(), r.mov.ID(), r.mov.Modality(), strategy)
	r.progress.report(0.05, "config")

	if err := ctx.Err(); err != nil {
		return nil, regerr.FromContext(op, err, nil)
	}

	var (
		res *alignment.Result
		err error
	)
	switch strategy {
	case config.StrategyParametric:
		out.Strategy = config.StrategyParametric
		res, err = r.parametric(ctx, out)
	case config.StrategyFeature:
		out.Strategy = config.StrategyFeature
		res, err = r.feature(ctx)
	default:
		res, err = r.auto(ctx, out)
	}
	if res != nil && r.scale != 1 {
		native := res.Transform.PreScaled(r.scale)
		out.NativeTransform = &native
	}
	out.MovingScale = r.scale
	return res, err
}

// auto runs the parametric search and falls back to feature registration
// when the masks are unusable or the fit is low confidence.
func (r *request) auto(ctx context.Context, out *Outcome) (*alignment.Result, error) {
	out.Strategy = config.StrategyParametric
	res, err := r.parametric(ctx, out)

	var reason string
	switch {
	case err != nil && regerr.KindOf(err) == regerr.KindInvalidInput:
		reason = err.Error()
	case err == nil && res.LowConfidence:
		reason = fmt.Sprintf("parametric fitness %.4f below minimum %.4f", res.Fitness, r.refCfg.Parametric.MinFitness)
	default:
		return res, err
	}
	out.Fallback = reason
	r.log.warn("fallback", "falling back to feature registration: %s", reason)

	fres, ferr := r.feature(ctx)
	if ferr != nil && err == nil {
		r.log.warn("feature", "feature registration failed, keeping parametric result: %v", ferr)
		res.Warnings = append(res.Warnings, fmt.Sprintf("feature fallback failed: %v", ferr))
		return res, nil
	}
	out.Strategy = config.StrategyFeature
	return fres, ferr
}

func (r *request) parametric(ctx context.Context, out *Outcome) (*alignment.Result, error) {
	refMasks, err := r.masks(ctx, r.ref, r.refCfg, false)
	if err != nil {
		return nil, err
	}
	r.progress.report(0.25, "masks")
	movMasks, err := r.masks(ctx, r.mov, r.movCfg, true)
	if err != nil {
		return nil, err
	}
	r.progress.report(0.35, "masks")
	out.ReferenceMask, out.MovingMask = refMasks.Filled, movMasks.Filled

	aligner := &alignment.ParametricAligner{
		Logger: r.logger,
		OnPhase: func(ph alignment.Phase, iou float64) {
			r.log.info("parametric", "%s phase best IoU %.4f", ph, iou)
			r.progress.report(0.35+0.55*float64(ph+1)/4, "parametric:"+ph.String())
		},
	}
	res, err := aligner.Align(ctx, refMasks.Filled, movMasks.Filled, r.refCfg.Parametric)
	if err != nil {
		r.log.error("parametric", "%v", err)
		return res, err
	}
	r.log.info("parametric", "scale %.4f rotation %.2f° shift (%.1f, %.1f) IoU %.4f",
		res.Transform.Scale, res.Transform.RotationDeg, res.Transform.TX, res.Transform.TY, res.Fitness)
	return res, nil
}

func (r *request) feature(ctx context.Context) (*alignment.Result, error) {
	refImg, err := r.image(r.ref, source.ChannelSelector(r.refCfg.Feature.Channel), false)
	if err != nil {
		return nil, err
	}
	movImg, err := r.image(r.mov, source.ChannelSelector(r.movCfg.Feature.Channel), true)
	if err != nil {
		return nil, err
	}
	r.progress.report(0.4, "feature:load")

	cfg := r.refCfg.Feature
	cfg.Channel = -1 // channels were selected per source at load time
	res, err := (&alignment.FeatureAligner{Logger: r.logger}).Align(ctx, refImg, movImg, cfg)
	r.progress.report(0.95, "feature")
	if err != nil {
		r.log.error("feature", "%v", err)
		return res, err
	}
	r.log.info("feature", "%d matches, %d inliers (%.2f), NCC %.3f",
		res.Metrics.MatchedFeatures, res.Metrics.InlierCount, res.Metrics.InlierRatio, res.Metrics.NCC)
	return res, nil
}

// image loads one channel selection of a source, harmonizing moving images
// onto the reference grid. Results are memoized for the request.
func (r *request) image(src source.Source, ch source.ChannelSelector, moving bool) (imaging.Image, error) {
	const op = "pipeline.load"
	key := imageKey{moving: moving, ch: ch}
	if im, ok := r.images[key]; ok {
		return im, nil
	}
	im, err := src.LoadImage(ch)
	if err != nil {
		return imaging.Image{}, classified(regerr.KindInvalidInput, op, err)
	}
	if err := im.Validate(); err != nil {
		return imaging.Image{}, err
	}
	if moving {
		if im, err = r.harmonize(im); err != nil {
			return imaging.Image{}, err
		}
	}
	r.log.info("load", "%s channel %d: %dx%d, %d channel(s), %d-bit, %.4g µm/px",
		src.ID(), ch, im.Width, im.Height, im.Channels, im.BitDepth, im.PixelSize)
	r.images[key] = im
	return im, nil
}

func (r *request) referenceGrid() (source.Metadata, error) {
	if r.grid != nil {
		return *r.grid, nil
	}
	meta, err := r.ref.Metadata()
	if err != nil {
		return meta, classified(regerr.KindInvalidInput, "pipeline.load", err)
	}
	r.grid = &meta
	return meta, nil
}

// harmonize brings a moving image to the reference pixel size and canvas
// when harmonization is enabled and the grids differ.
func (r *request) harmonize(im imaging.Image) (imaging.Image, error) {
	hz := r.p.Harmonizer
	if hz == nil || !r.refCfg.Pipeline.Harmonize {
		return im, nil
	}
	grid, err := r.referenceGrid()
	if err != nil {
		return imaging.Image{}, err
	}
	f := 1.0
	if im.PixelSize > 0 && grid.PixelSize > 0 && math.Abs(im.PixelSize/grid.PixelSize-1) > 1e-6 {
		f = im.PixelSize / grid.PixelSize
	}
	if f == 1 && im.Width == grid.Width && im.Height == grid.Height {
		return im, nil
	}
	out, err := hz.HarmonizeImage(im, grid.PixelSize, grid.Width, grid.Height)
	if err != nil {
		return imaging.Image{}, err
	}
	r.scale = f
	r.log.info("harmonize", "moving %dx%d resampled by %.4f onto %dx%d", im.Width, im.Height, f, grid.Width, grid.Height)
	return out, nil
}

// masks returns both mask variants for src, from the cache when possible.
// Sources exposing boundary polygons are rasterized instead of segmented
// when the configuration prefers it.
func (r *request) masks(ctx context.Context, src source.Source, cfg config.Config, moving bool) (masking.Result, error) {
	img, err := r.image(src, source.ChannelSelector(cfg.Mask.Channel), moving)
	if err != nil {
		return masking.Result{}, err
	}
	cfg = r.fiducialRadius(src, cfg, moving)
	key := CacheKey{
		SourceID:   src.ID(),
		ConfigHash: cfg.MaskHash(),
		Grid:       fmt.Sprintf("%dx%d@%g", img.Width, img.Height, img.PixelSize),
	}
	if r.p.Cache != nil {
		if cached, ok := r.p.Cache.Get(key); ok {
			r.log.info("masks", "%s: mask cache hit", src.ID())
			return cached, nil
		}
	}

	res, ok, err := r.boundaryMasks(src, cfg, img)
	if err != nil {
		return masking.Result{}, err
	}
	if !ok {
		res, err = r.segment(ctx, img, cfg)
		if err != nil {
			return masking.Result{}, err
		}
	}
	if res.Report.LowConfidence {
		r.log.warn("masks", "%s: mask is empty", src.ID())
	}
	if r.p.Cache != nil {
		r.p.Cache.Put(key, res)
	}
	return res, nil
}

// fiducialRadius narrows the marker radius range for sources that know
// their marker size. Moving radii follow the harmonization scale.
func (r *request) fiducialRadius(src source.Source, cfg config.Config, moving bool) config.Config {
	fs, ok := src.(source.FiducialSource)
	if !ok || !cfg.Circles.Enabled {
		return cfg
	}
	radius := fs.FiducialRadius()
	if moving {
		radius *= r.scale
	}
	if !(radius > 0) {
		return cfg
	}
	seeded := cfg.WithFiducialRadius(radius)
	r.log.info("circles", "%s: fiducial radius %.1f px, searching radii %d-%d",
		src.ID(), radius, seeded.Circles.MinRadius, seeded.Circles.MaxRadius)
	return seeded
}

func (r *request) boundaryMasks(src source.Source, cfg config.Config, img imaging.Image) (masking.Result, bool, error) {
	bs, ok := src.(source.BoundarySource)
	if !ok || !cfg.Pipeline.PreferBoundaries {
		return masking.Result{}, false, nil
	}
	polys, err := bs.BoundaryPolygons()
	if err != nil {
		r.log.warn("masks", "%s: boundary polygons unavailable, segmenting instead: %v", src.ID(), err)
		return masking.Result{}, false, nil
	}
	if len(polys) == 0 {
		return masking.Result{}, false, nil
	}

	meta, err := src.Metadata()
	if err != nil || meta.Width <= 0 || meta.Height <= 0 {
		meta.Width, meta.Height, meta.PixelSize = img.Width, img.Height, img.PixelSize
	}
	mask, err := masking.RasterizePolygons(polys, meta.Width, meta.Height)
	if err != nil {
		return masking.Result{}, false, err
	}
	if mask.Width != img.Width || mask.Height != img.Height {
		hz := r.p.Harmonizer
		if hz == nil {
			hz = source.NewHarmonizer(r.logger)
		}
		if mask, err = hz.HarmonizeMask(mask, meta.PixelSize, img.PixelSize, img.Width, img.Height); err != nil {
			return masking.Result{}, false, err
		}
	}
	r.log.info("masks", "%s: rasterized %d boundary polygons (%d px)", src.ID(), len(polys), mask.Area())
	return masking.Result{
		Filled:    mask,
		WithHoles: mask.Clone(),
		Report:    masking.Report{Kept: len(polys), LowConfidence: mask.Empty()},
	}, true, nil
}

func (r *request) segment(ctx context.Context, img imaging.Image, cfg config.Config) (masking.Result, error) {
	var markers []circles.Circle
	if cfg.Circles.Enabled {
		var err error
		markers, err = circles.NewDetector(r.logger).Detect(ctx, img, cfg.Circles)
		if err != nil {
			return masking.Result{}, err
		}
		r.log.info("circles", "%d fiducial marker(s) detected", len(markers))
	}
	maskCfg := cfg.Mask
	if maskCfg.Channel >= 0 && img.Channels == 1 {
		maskCfg.Channel = -1 // already selected at load time
	}
	filled, withHoles, rep, err := masking.NewGenerator(r.logger).Generate(ctx, img, maskCfg, markers)
	if err != nil {
		return masking.Result{}, err
	}
	r.log.info("masks", "%d region(s) kept, %d hole(s) kept, %d filled", rep.Kept, rep.HolesKept, rep.HolesFilled)
	return masking.Result{Filled: filled, WithHoles: withHoles, Markers: markers, Report: rep}, nil
}

// classify maps a component result onto the outcome. Only timeouts and
// cancellations carrying a result become partial.
func (r *request) classify(out *Outcome, res *alignment.Result, err error) {
	if err == nil {
		out.Status = StatusSuccess
		out.Kind = regerr.KindNone
		out.Result = res
		if res != nil && res.LowConfidence {
			out.Kind = regerr.KindLowConfidence
		}
		r.log.info("pipeline", "%s via %s", out.Status, out.Strategy)
		return
	}

	out.Err = err
	out.Error = err.Error()
	out.Kind = regerr.KindOf(err)
	if partial, ok := regerr.PartialOf(err); ok && out.Kind.Recoverable() {
		if pr, ok := partial.(*alignment.Result); ok && pr != nil {
			out.Status = StatusPartial
			out.Result = pr
			r.log.warn("pipeline", "partial result after %s", out.Kind)
			return
		}
	}
	out.Status = StatusFailed
	out.Result = nil
	out.NativeTransform = nil
	r.log.error("pipeline", "failed: %s", out.Kind)
}

// classified keeps an existing classification and wraps anything else as kind.
func classified(kind regerr.Kind, op string, err error) error {
	if k := regerr.KindOf(err); k != regerr.KindInternal {
		return err
	}
	return regerr.Wrap(kind, op, err)
}
