// Package masking turns intensity images into binary tissue masks.
package masking

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sort"

	"gocv.io/x/gocv"

	"tissuealign/internal/circles"
	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/logging"
	"tissuealign/internal/regerr"
)

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.RGBA{A: 255}
)

// Report describes what one generation run did.
type Report struct {
	Contours       int     `json:"contours"`
	Kept           int     `json:"kept"`
	HolesKept      int     `json:"holes_kept"`
	HolesFilled    int     `json:"holes_filled"`
	MarkersPainted int     `json:"markers_painted"`
	Threshold      float64 `json:"threshold"` // threshold applied; 0 for adaptive
	LowConfidence  bool    `json:"low_confidence"`
}

// Generator produces filled and with-holes tissue masks. It keeps no state
// between calls; identical inputs give bit-identical masks.
type Generator struct {
	Logger *slog.Logger
}

// NewGenerator returns a generator logging to l (nil for silence).
func NewGenerator(l *slog.Logger) *Generator {
	return &Generator{Logger: l}
}

// Generate builds both mask variants. markers are painted out with the
// background value before binarization. An image without any qualifying
// contour yields empty masks and a low-confidence report, not an error.
func (g *Generator) Generate(ctx context.Context, img imaging.Image, cfg config.MaskConfig, markers []circles.Circle) (filled, withHoles imaging.Mask, rep Report, err error) {
	log := logging.OrNop(g.Logger)
	const op = "masking.Generate"

	if err := img.Validate(); err != nil {
		return filled, withHoles, rep, err
	}
	if err := ctx.Err(); err != nil {
		return filled, withHoles, rep, regerr.FromContext(op, err, nil)
	}

	gray, err := img.Gray8Mat(cfg.Channel, cfg.Normalization)
	if err != nil {
		return filled, withHoles, rep, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	defer gray.Close()

	if cfg.BlurKernel > 0 {
		gocv.GaussianBlur(gray, &gray, image.Point{X: cfg.BlurKernel, Y: cfg.BlurKernel}, 0, 0, gocv.BorderDefault)
	}

	if len(markers) > 0 {
		var bg uint8
		if cfg.Invert {
			bg = 255
		}
		circles.Paint(&gray, markers, cfg.ExclusionMargin, bg)
		rep.MarkersPainted = len(markers)
	}

	binary, threshold, err := binarize(gray, cfg)
	if err != nil {
		return filled, withHoles, rep, err
	}
	defer binary.Close()
	rep.Threshold = threshold

	applyMorphology(&binary, cfg)

	if err := ctx.Err(); err != nil {
		return filled, withHoles, rep, regerr.FromContext(op, err, nil)
	}

	filled, withHoles, err = drawContours(binary, cfg, &rep)
	if err != nil {
		return imaging.Mask{}, imaging.Mask{}, rep, err
	}
	rep.LowConfidence = rep.Kept == 0

	log.Debug("masks generated",
		"contours", rep.Contours, "kept", rep.Kept,
		"holes_kept", rep.HolesKept, "holes_filled", rep.HolesFilled,
		"threshold", rep.Threshold)
	if rep.LowConfidence {
		log.Warn("no tissue contour above minimum area", "min_tissue_area", cfg.MinTissueArea)
	}
	return filled, withHoles, rep, nil
}

func binarize(gray gocv.Mat, cfg config.MaskConfig) (gocv.Mat, float64, error) {
	binary := gocv.NewMat()
	typ := gocv.ThresholdBinary
	if cfg.Invert {
		typ = gocv.ThresholdBinaryInv
	}

	switch cfg.Method {
	case config.MethodFixed:
		t := gocv.Threshold(gray, &binary, float32(cfg.Threshold), 255, typ)
		return binary, float64(t), nil
	case config.MethodOtsu:
		t := gocv.Threshold(gray, &binary, 0, 255, typ|gocv.ThresholdOtsu)
		return binary, float64(t), nil
	case config.MethodAdaptive:
		gocv.AdaptiveThreshold(gray, &binary, 255,
			gocv.AdaptiveThresholdGaussian, typ, cfg.AdaptiveBlockSize, float32(cfg.AdaptiveC))
		return binary, 0, nil
	}
	binary.Close()
	return gocv.NewMat(), 0, regerr.New(regerr.KindConfiguration, "masking.binarize", "unknown method %q", cfg.Method)
}

// applyMorphology runs the closings first to bridge gaps, then the openings
// to remove speckle.
func applyMorphology(binary *gocv.Mat, cfg config.MaskConfig) {
	if cfg.CloseIterations == 0 && cfg.OpenIterations == 0 {
		return
	}
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: cfg.KernelSize, Y: cfg.KernelSize})
	defer kernel.Close()

	for i := 0; i < cfg.CloseIterations; i++ {
		gocv.MorphologyEx(*binary, binary, gocv.MorphClose, kernel)
	}
	for i := 0; i < cfg.OpenIterations; i++ {
		gocv.MorphologyEx(*binary, binary, gocv.MorphOpen, kernel)
	}
}

// keepHole applies the hole-area boundary rule: equality keeps the hole
// unless the threshold is configured exclusive.
func keepHole(area float64, cfg config.MaskConfig) bool {
	if area == cfg.HoleFillArea {
		return !cfg.HoleThresholdExclusive
	}
	return area > cfg.HoleFillArea
}

func drawContours(binary gocv.Mat, cfg config.MaskConfig, rep *Report) (imaging.Mask, imaging.Mask, error) {
	tree := imaging.FindContourTree(binary)
	defer tree.Close()
	rep.Contours = tree.Contours.Size()

	type outer struct {
		idx  int
		area float64
	}
	var kept []outer
	for _, i := range tree.Outer {
		area := gocv.ContourArea(tree.Contours.At(i))
		if area < cfg.MinTissueArea {
			continue
		}
		kept = append(kept, outer{idx: i, area: area})
	}
	rep.Kept = len(kept)

	// Containers before their contents: an island inside a hole is always
	// smaller than the component that owns the hole.
	sort.SliceStable(kept, func(a, b int) bool {
		if kept[a].area != kept[b].area {
			return kept[a].area > kept[b].area
		}
		return kept[a].idx < kept[b].idx
	})

	w, h := binary.Cols(), binary.Rows()
	filledMat, err := imaging.NewMask(w, h).ToMat()
	if err != nil {
		return imaging.Mask{}, imaging.Mask{}, err
	}
	defer filledMat.Close()
	holesMat, err := imaging.NewMask(w, h).ToMat()
	if err != nil {
		return imaging.Mask{}, imaging.Mask{}, err
	}
	defer holesMat.Close()

	for _, o := range kept {
		gocv.DrawContours(&filledMat, tree.Contours, o.idx, white, -1)
		gocv.DrawContours(&holesMat, tree.Contours, o.idx, white, -1)

		for _, hi := range tree.Holes[o.idx] {
			area := gocv.ContourArea(tree.Contours.At(hi))
			if !keepHole(area, cfg) {
				rep.HolesFilled++
				continue
			}
			rep.HolesKept++
			// Hole contours run along the surrounding foreground pixels:
			// clear the interior, then restore that boundary ring.
			gocv.DrawContours(&holesMat, tree.Contours, hi, black, -1)
			gocv.DrawContours(&holesMat, tree.Contours, hi, white, 1)
		}
	}

	filled, err := imaging.MaskFromMat(filledMat)
	if err != nil {
		return imaging.Mask{}, imaging.Mask{}, fmt.Errorf("filled mask: %w", err)
	}
	withHoles, err := imaging.MaskFromMat(holesMat)
	if err != nil {
		return imaging.Mask{}, imaging.Mask{}, fmt.Errorf("with-holes mask: %w", err)
	}
	return filled, withHoles, nil
}
