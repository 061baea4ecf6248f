// Package overlay renders registration previews: a reference plane and a
// warped moving plane blended in complementary tints, with optional mask
// outlines and marker circles drawn on top.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"tissuealign/pkg/colorutil"
)

// BlendMode specifies how layers are composited.
type BlendMode int

const (
	BlendNormal BlendMode = iota
	BlendScreen
	BlendDifference
)

func (m BlendMode) String() string {
	switch m {
	case BlendNormal:
		return "normal"
	case BlendScreen:
		return "screen"
	case BlendDifference:
		return "difference"
	default:
		return "unknown"
	}
}

// Layer is one tinted grayscale plane.
type Layer struct {
	Plane   *image.Gray
	Tint    color.RGBA
	Mode    BlendMode
	Opacity float64
}

// Composite combines layers over a background.
type Composite struct {
	Width     int
	Height    int
	Layers    []Layer
	BackColor color.RGBA
}

// NewComposite returns a black canvas of the given size.
func NewComposite(width, height int) *Composite {
	return &Composite{Width: width, Height: height, BackColor: colorutil.Black}
}

// Add appends a fully opaque layer.
func (c *Composite) Add(plane *image.Gray, tint color.RGBA, mode BlendMode) {
	c.Layers = append(c.Layers, Layer{Plane: plane, Tint: tint, Mode: mode, Opacity: 1})
}

// Render produces the composited image. Layers are anchored top-left; parts
// outside the canvas are dropped.
func (c *Composite) Render() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: c.BackColor}, image.Point{}, draw.Src)

	for _, l := range c.Layers {
		if l.Plane == nil || l.Opacity <= 0 {
			continue
		}
		b := l.Plane.Bounds().Intersect(out.Bounds())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				src := colorutil.Tint(l.Plane.GrayAt(x, y).Y, l.Tint)
				i := out.PixOffset(x, y)
				dst := color.RGBA{R: out.Pix[i], G: out.Pix[i+1], B: out.Pix[i+2], A: out.Pix[i+3]}
				px := blend(dst, src, l.Mode, l.Opacity)
				out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = px.R, px.G, px.B, px.A
			}
		}
	}
	return out
}

func blend(dst, src color.RGBA, mode BlendMode, opacity float64) color.RGBA {
	sf := [3]float64{float64(src.R) / 255, float64(src.G) / 255, float64(src.B) / 255}
	df := [3]float64{float64(dst.R) / 255, float64(dst.G) / 255, float64(dst.B) / 255}

	var rf [3]float64
	for i := range rf {
		switch mode {
		case BlendScreen:
			rf[i] = 1 - (1-sf[i])*(1-df[i])
		case BlendDifference:
			rf[i] = math.Abs(sf[i] - df[i])
		default:
			rf[i] = sf[i]
		}
	}

	alpha := clamp(opacity, 0, 1)
	ch := func(i int) uint8 {
		return uint8(math.Round(clamp(rf[i]*alpha+df[i]*(1-alpha), 0, 1) * 255))
	}
	return color.RGBA{R: ch(0), G: ch(1), B: ch(2), A: 255}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
