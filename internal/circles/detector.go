package circles

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"math"
	"sort"

	"gocv.io/x/gocv"

	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/logging"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

// edgeTolerance is how far (px) from the fitted circumference an edge pixel
// may lie and still support the circle.
const edgeTolerance = 2

// Detector finds circular markers with a Hough gradient transform.
type Detector struct {
	Logger *slog.Logger
}

// NewDetector returns a detector logging to l (nil for silence).
func NewDetector(l *slog.Logger) *Detector {
	return &Detector{Logger: l}
}

type houghCandidate struct {
	center geometry.Point2D
	radius float64
	order  int
}

// Detect locates markers in img. Zero detections is not an error.
func (d *Detector) Detect(ctx context.Context, img imaging.Image, cfg config.CircleConfig) ([]Circle, error) {
	gray, err := img.Gray8Mat(-1, config.NormalizeMinMax)
	if err != nil {
		return nil, err
	}
	defer gray.Close()
	return d.DetectGray(ctx, gray, cfg)
}

// DetectGray works on an 8-bit single-channel Mat.
func (d *Detector) DetectGray(ctx context.Context, gray gocv.Mat, cfg config.CircleConfig) ([]Circle, error) {
	log := logging.OrNop(d.Logger)
	if gray.Empty() {
		return nil, regerr.New(regerr.KindInvalidInput, "circles.Detect", "empty image")
	}
	if err := ctx.Err(); err != nil {
		return nil, regerr.FromContext("circles.Detect", err, nil)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: 9, Y: 9}, 2, 2, gocv.BorderDefault)

	candidates := detectHough(blurred, cfg)
	log.Debug("hough candidates", "count", len(candidates))
	if len(candidates) == 0 {
		return []Circle{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, regerr.FromContext("circles.Detect", err, nil)
	}

	// Same edge map the Hough gradient stage uses internally.
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, float32(cfg.Param1/2), float32(cfg.Param1))

	var scored []houghCandidate
	var out []Circle
	for _, c := range candidates {
		if c.radius < float64(cfg.MinRadius) || c.radius > float64(cfg.MaxRadius) {
			continue
		}
		conf := edgeSupport(edges, c.center, c.radius)
		if conf < cfg.MinConfidence {
			continue
		}
		scored = append(scored, c)
		out = append(out, Circle{Center: c.center, Radius: c.radius, Confidence: conf})
	}

	out = deduplicate(out, scored, cfg.MinDistance)
	log.Debug("circles detected", "count", len(out))
	return out, nil
}

func detectHough(gray gocv.Mat, cfg config.CircleConfig) []houghCandidate {
	circles := gocv.NewMat()
	defer circles.Close()

	gocv.HoughCirclesWithParams(gray, &circles, gocv.HoughGradient,
		cfg.DP, cfg.MinDistance,
		cfg.Param1, cfg.Param2,
		cfg.MinRadius, cfg.MaxRadius)

	if circles.Empty() || circles.Cols() == 0 {
		return nil
	}

	candidates := make([]houghCandidate, circles.Cols())
	for i := 0; i < circles.Cols(); i++ {
		candidates[i] = houghCandidate{
			center: geometry.Point2D{
				X: float64(circles.GetFloatAt(0, i*3)),
				Y: float64(circles.GetFloatAt(0, i*3+1)),
			},
			radius: float64(circles.GetFloatAt(0, i*3+2)),
			order:  i,
		}
	}
	return candidates
}

// edgeSupport samples the circumference and returns the fraction of samples
// with an edge pixel within edgeTolerance along the radial direction.
func edgeSupport(edges gocv.Mat, center geometry.Point2D, radius float64) float64 {
	samples := int(math.Ceil(2 * math.Pi * radius))
	if samples < 16 {
		samples = 16
	}
	rows, cols := edges.Rows(), edges.Cols()
	hits := 0
	for i := 0; i < samples; i++ {
		theta := 2 * math.Pi * float64(i) / float64(samples)
		cos, sin := math.Cos(theta), math.Sin(theta)
		for dr := -edgeTolerance; dr <= edgeTolerance; dr++ {
			r := radius + float64(dr)
			x := int(math.Round(center.X + r*cos))
			y := int(math.Round(center.Y + r*sin))
			if x < 0 || y < 0 || x >= cols || y >= rows {
				continue
			}
			if edges.GetUCharAt(y, x) != 0 {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(samples)
}

// deduplicate keeps the best detection of every cluster closer than minDist.
// Ranking is confidence, then radius, then Hough order, so the outcome does
// not depend on map or goroutine ordering.
func deduplicate(cs []Circle, src []houghCandidate, minDist float64) []Circle {
	idx := make([]int, len(cs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := cs[idx[a]], cs[idx[b]]
		if ca.Confidence != cb.Confidence {
			return ca.Confidence > cb.Confidence
		}
		if ca.Radius != cb.Radius {
			return ca.Radius > cb.Radius
		}
		return src[idx[a]].order < src[idx[b]].order
	})

	kept := make([]Circle, 0, len(cs))
	for _, i := range idx {
		c := cs[i]
		dup := false
		for _, k := range kept {
			if c.Center.Distance(k.Center) < minDist {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept
}

// Mask rasterizes detections as filled discs, widened by margin pixels.
func Mask(cs []Circle, width, height, margin int) (imaging.Mask, error) {
	m, err := imaging.NewMask(width, height).ToMat()
	if err != nil {
		return imaging.Mask{}, err
	}
	defer m.Close()
	Paint(&m, cs, margin, 255)
	return imaging.MaskFromMat(m)
}

// Paint draws filled discs of radius r+margin with the given gray value.
func Paint(dst *gocv.Mat, cs []Circle, margin int, value uint8) {
	c := color.RGBA{R: value, G: value, B: value, A: 255}
	for _, circle := range cs {
		center := image.Point{X: int(math.Round(circle.Center.X)), Y: int(math.Round(circle.Center.Y))}
		gocv.Circle(dst, center, int(math.Ceil(circle.Radius))+margin, c, -1)
	}
}
