package alignment

import (
	"context"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/logging"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

// searchParams is one point of the similarity search space.
type searchParams struct {
	scale, rot, tx, ty float64
}

// ParametricAligner maximizes mask IoU over scale, translation and rotation
// with a coordinate-descent warm start followed by one joint refinement.
type ParametricAligner struct {
	Logger *slog.Logger

	// OnPhase, when set, is called after every completed phase with the best
	// IoU so far.
	OnPhase func(p Phase, bestIoU float64)
}

// NewParametricAligner returns an aligner logging to l (nil for silence).
func NewParametricAligner(l *slog.Logger) *ParametricAligner {
	return &ParametricAligner{Logger: l}
}

// AlignParametric validates cfg and aligns mov onto ref.
func AlignParametric(ctx context.Context, ref, mov imaging.Mask, cfg config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewParametricAligner(nil).Align(ctx, ref, mov, cfg.Parametric)
}

// maskSearch holds the fixed inputs every candidate evaluation reads.
type maskSearch struct {
	ref, mov      gocv.Mat
	width, height int
	center        geometry.Point2D
}

func (s *maskSearch) transform(p searchParams) Transform {
	return Similarity(p.scale, p.rot, p.tx, p.ty, s.center)
}

func (s *maskSearch) evaluate(p searchParams, index int) maskScore {
	h := s.transform(p).Matrix()
	warped := imaging.WarpMaskMat(s.mov, h, s.width, s.height)
	defer warped.Close()
	inter, union := imaging.OverlapMat(s.ref, warped)
	return newMaskScore(inter, union, cornerDisplacement(h, s.width, s.height), index)
}

// Align searches for the similarity mapping mov onto ref. Both masks must be
// non-empty and the same size. A result below MinFitness is returned with
// LowConfidence set. When the deadline or cancellation interrupts the search,
// the best result so far is returned together with a Timeout or Canceled
// error carrying it as the partial result.
func (a *ParametricAligner) Align(ctx context.Context, ref, mov imaging.Mask, cfg config.ParametricConfig) (*Result, error) {
	const op = "alignment.AlignParametric"
	log := logging.OrNop(a.Logger)

	if err := ref.SameSize(mov); err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	if ref.Width == 0 || ref.Height == 0 {
		return nil, regerr.New(regerr.KindInvalidInput, op, "zero-sized masks")
	}
	if ref.Empty() {
		return nil, regerr.New(regerr.KindInvalidInput, op, "reference mask is empty")
	}
	if mov.Empty() {
		return nil, regerr.New(regerr.KindInvalidInput, op, "moving mask is empty")
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout.Std())
		defer cancel()
	}

	refMat, err := ref.ToMat()
	if err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	defer refMat.Close()
	movMat, err := mov.ToMat()
	if err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	defer movMat.Close()

	s := &maskSearch{
		ref:    refMat,
		mov:    movMat,
		width:  ref.Width,
		height: ref.Height,
		center: geometry.Point2D{X: float64(ref.Width-1) / 2, Y: float64(ref.Height-1) / 2},
	}

	bestParams := searchParams{scale: 1}
	best := s.evaluate(bestParams, -1)
	identityIoU := best.iou()
	log.Debug("parametric search start", "identity_iou", identityIoU, "workers", resolveWorkers(cfg.Workers))

	res := &Result{Method: MethodParametric}
	finish := func() *Result {
		res.Transform = s.transform(bestParams)
		res.Fitness = best.iou()
		res.Metrics.IoU = best.iou()
		res.Metrics.IdentityIoU = identityIoU
		return res
	}

	machine := &phaseMachine{current: PhaseZoom}
	for machine.Current() != PhaseDone {
		phase := machine.Current()
		start := time.Now()
		cands := phaseCandidates(phase, bestParams, cfg)

		scores := make([]maskScore, len(cands))
		done, skipped, poolErr := runPool(ctx, len(cands), cfg.Workers, func(i int) {
			scores[i] = s.evaluate(cands[i], i)
		})

		// The incoming estimate competes as index -1 so that it wins full ties.
		best.index = -1
		for i, ok := range done {
			if ok && scores[i].better(best) {
				best = scores[i]
				bestParams = cands[i]
			}
		}

		res.Phases = append(res.Phases, PhaseReport{
			Phase:       phase.String(),
			BestFitness: best.iou(),
			Evaluated:   len(cands) - skipped,
			Skipped:     skipped,
			Elapsed:     time.Since(start),
		})
		log.Info("parametric phase complete",
			"phase", phase.String(), "iou", best.iou(),
			"scale", bestParams.scale, "rotation", bestParams.rot,
			"tx", bestParams.tx, "ty", bestParams.ty,
			"evaluated", len(cands)-skipped)

		if poolErr != nil {
			partial := finish()
			partial.warnf("%s phase interrupted after %d of %d candidates", phase, len(cands)-skipped, len(cands))
			log.Warn("parametric search interrupted", "phase", phase.String(), "err", poolErr)
			return partial, regerr.FromContext(op, poolErr, partial)
		}
		if a.OnPhase != nil {
			a.OnPhase(phase, best.iou())
		}
		if err := machine.Advance(phase.Next()); err != nil {
			return nil, regerr.Wrap(regerr.KindInternal, op, err)
		}
	}

	finish()
	if res.Fitness < cfg.MinFitness {
		res.LowConfidence = true
		res.warnf("%s: best IoU %.4f below minimum %.4f", regerr.KindLowConfidence, res.Fitness, cfg.MinFitness)
		log.Warn("parametric alignment low confidence", "iou", res.Fitness, "min_fitness", cfg.MinFitness)
	}
	return res, nil
}

// phaseCandidates enumerates the candidates of one phase around the current
// estimate, in a fixed order.
func phaseCandidates(phase Phase, cur searchParams, cfg config.ParametricConfig) []searchParams {
	var out []searchParams
	switch phase {
	case PhaseZoom:
		for _, s := range gridValues(cfg.ScaleMin, cfg.ScaleMax, cfg.ScaleStep) {
			out = append(out, searchParams{scale: s, rot: cur.rot, tx: cur.tx, ty: cur.ty})
		}
	case PhaseShift:
		shifts := gridValues(cfg.ShiftMin, cfg.ShiftMax, cfg.ShiftStep)
		for _, ty := range shifts {
			for _, tx := range shifts {
				out = append(out, searchParams{scale: cur.scale, rot: cur.rot, tx: tx, ty: ty})
			}
		}
	case PhaseRotate:
		for _, r := range gridValues(cfg.RotationMin, cfg.RotationMax, cfg.RotationStep) {
			out = append(out, searchParams{scale: cur.scale, rot: r, tx: cur.tx, ty: cur.ty})
		}
	case PhaseRefine:
		n := cfg.RefineSteps
		for _, s := range offsets(cur.scale, cfg.RefineScaleStep, n) {
			if s <= 0 {
				continue
			}
			for _, r := range offsets(cur.rot, cfg.RefineRotationStep, n) {
				for _, ty := range offsets(cur.ty, cfg.RefineShiftStep, n) {
					for _, tx := range offsets(cur.tx, cfg.RefineShiftStep, n) {
						out = append(out, searchParams{scale: s, rot: r, tx: tx, ty: ty})
					}
				}
			}
		}
	}
	return out
}
