package masking

import (
	"context"
	"image"
	"math"

	"gocv.io/x/gocv"

	"tissuealign/internal/circles"
	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

// Result bundles both mask variants with the markers that were excluded.
type Result struct {
	Filled    imaging.Mask
	WithHoles imaging.Mask
	Markers   []circles.Circle
	Report    Report
}

// GenerateMasks validates cfg, detects markers when enabled, and generates
// both masks with silent defaults.
func GenerateMasks(ctx context.Context, img imaging.Image, cfg config.Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	var markers []circles.Circle
	if cfg.Circles.Enabled {
		var err error
		markers, err = circles.NewDetector(nil).Detect(ctx, img, cfg.Circles)
		if err != nil {
			return Result{}, err
		}
	}
	filled, withHoles, rep, err := NewGenerator(nil).Generate(ctx, img, cfg.Mask, markers)
	if err != nil {
		return Result{}, err
	}
	return Result{Filled: filled, WithHoles: withHoles, Markers: markers, Report: rep}, nil
}

// RasterizePolygons fills each polygon (pixel coordinates) into a width x
// height mask. Polygons are filled one at a time so overlaps union rather
// than cancel.
func RasterizePolygons(polygons []geometry.Polygon, width, height int) (imaging.Mask, error) {
	if width <= 0 || height <= 0 {
		return imaging.Mask{}, regerr.New(regerr.KindInvalidInput, "masking.RasterizePolygons", "invalid canvas %dx%d", width, height)
	}
	mat, err := imaging.NewMask(width, height).ToMat()
	if err != nil {
		return imaging.Mask{}, err
	}
	defer mat.Close()

	// Clip to the pixel grid first; vertices far off canvas would overflow
	// FillPoly's fixed-point coordinates.
	canvas := geometry.Rect{Width: float64(width - 1), Height: float64(height - 1)}
	for _, poly := range polygons {
		poly = poly.ClipToRect(canvas)
		if len(poly) < 3 {
			continue
		}
		pts := make([]image.Point, len(poly))
		for i, p := range poly {
			pts[i] = image.Point{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
		}
		pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
		gocv.FillPoly(&mat, pv, white)
		pv.Close()
	}
	return imaging.MaskFromMat(mat)
}
