package source

import (
	"image"
	"image/color"
	"log/slog"
	"math"

	"golang.org/x/image/draw"

	"tissuealign/internal/imaging"
	"tissuealign/internal/logging"
	"tissuealign/internal/regerr"
)

// Harmonizer resamples moving data to the reference pixel size and then
// pads or crops it, anchored at the top-left corner, to the reference canvas.
type Harmonizer struct {
	Logger *slog.Logger

	// Interpolator resamples intensity images; nil uses Catmull-Rom.
	Interpolator draw.Interpolator
}

// NewHarmonizer returns a harmonizer logging to l (nil for silence).
func NewHarmonizer(l *slog.Logger) *Harmonizer {
	return &Harmonizer{Logger: l}
}

// scaleFactor is how many target pixels one source pixel spans. Unknown
// pixel sizes leave the scale alone.
func scaleFactor(from, to float64) float64 {
	if from <= 0 || to <= 0 || math.Abs(from/to-1) < 1e-6 {
		return 1
	}
	return from / to
}

func scaledSize(w, h int, f float64) (int, int) {
	return max(1, int(math.Round(float64(w)*f))), max(1, int(math.Round(float64(h)*f)))
}

// HarmonizeImage resamples im from its own pixel size to pixelSize and fits
// it into a width x height canvas. Channels are resampled independently and
// the bit depth is kept.
func (hz *Harmonizer) HarmonizeImage(im imaging.Image, pixelSize float64, width, height int) (imaging.Image, error) {
	const op = "source.HarmonizeImage"
	if err := im.Validate(); err != nil {
		return imaging.Image{}, err
	}
	if width <= 0 || height <= 0 {
		return imaging.Image{}, regerr.New(regerr.KindInvalidInput, op, "invalid target canvas %dx%d", width, height)
	}
	interp := hz.Interpolator
	if interp == nil {
		interp = draw.CatmullRom
	}

	f := scaleFactor(im.PixelSize, pixelSize)
	sw, sh := scaledSize(im.Width, im.Height, f)
	logging.OrNop(hz.Logger).Debug("harmonize image",
		"from", im.Size(), "scaled", image.Pt(sw, sh), "canvas", image.Pt(width, height), "factor", f)

	out := imaging.NewImage(width, height, im.Channels, im.BitDepth)
	out.PixelSize = pixelSize
	if pixelSize <= 0 {
		out.PixelSize = im.PixelSize
	}
	limit := uint32(1)<<uint(im.BitDepth) - 1

	for c := 0; c < im.Channels; c++ {
		src := image.NewGray16(image.Rect(0, 0, im.Width, im.Height))
		for i := 0; i < im.Width*im.Height; i++ {
			v := im.Pix[i*im.Channels+c]
			src.Pix[i*2] = uint8(v >> 8)
			src.Pix[i*2+1] = uint8(v)
		}
		var plane *image.Gray16
		if sw == im.Width && sh == im.Height {
			plane = src
		} else {
			plane = image.NewGray16(image.Rect(0, 0, sw, sh))
			interp.Scale(plane, plane.Bounds(), src, src.Bounds(), draw.Src, nil)
		}
		for y := 0; y < min(sh, height); y++ {
			for x := 0; x < min(sw, width); x++ {
				v := uint32(plane.Gray16At(x, y).Y)
				if v > limit {
					v = limit
				}
				out.Set(x, y, c, uint16(v))
			}
		}
	}
	return out, nil
}

// HarmonizeMask is HarmonizeImage for binary masks, using nearest-neighbour
// sampling so the result stays binary.
func (hz *Harmonizer) HarmonizeMask(m imaging.Mask, fromPixelSize, toPixelSize float64, width, height int) (imaging.Mask, error) {
	const op = "source.HarmonizeMask"
	if m.Width <= 0 || m.Height <= 0 || len(m.Pix) != m.Width*m.Height {
		return imaging.Mask{}, regerr.New(regerr.KindInvalidInput, op, "invalid mask %dx%d", m.Width, m.Height)
	}
	if width <= 0 || height <= 0 {
		return imaging.Mask{}, regerr.New(regerr.KindInvalidInput, op, "invalid target canvas %dx%d", width, height)
	}
	f := scaleFactor(fromPixelSize, toPixelSize)
	sw, sh := scaledSize(m.Width, m.Height, f)

	src := m.ToGray()
	canvas := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Gray{}), image.Point{}, draw.Src)
	draw.NearestNeighbor.Scale(canvas, image.Rect(0, 0, sw, sh), src, src.Bounds(), draw.Src, nil)
	return imaging.MaskFromGray(canvas), nil
}
