package overlay

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"tissuealign/internal/alignment"
	"tissuealign/internal/circles"
	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/pkg/colorutil"
)

// Registration blends the reference (magenta) with the moving image warped
// into the reference frame by t (green). Matching structure renders white.
// Both images are reduced to one plane with min-max normalization; channel
// -1 averages all channels.
func Registration(ref, mov imaging.Image, t alignment.Transform, refChannel, movChannel int) (*image.RGBA, error) {
	refPlane, err := grayPlane(ref, refChannel)
	if err != nil {
		return nil, err
	}

	movMat, err := mov.Gray8Mat(movChannel, config.NormalizeMinMax)
	if err != nil {
		return nil, err
	}
	defer movMat.Close()
	warped := imaging.WarpMat(movMat, t.Matrix(), ref.Width, ref.Height, gocv.InterpolationLinear)
	defer warped.Close()
	warpedImg, err := imaging.GrayFromMat(warped, ref.PixelSize)
	if err != nil {
		return nil, err
	}
	movPlane, err := grayPlane(warpedImg, 0)
	if err != nil {
		return nil, err
	}

	c := NewComposite(ref.Width, ref.Height)
	c.Add(refPlane, colorutil.Magenta, BlendScreen)
	c.Add(movPlane, colorutil.Green, BlendScreen)
	return c.Render(), nil
}

// Image renders a single image plane in gray.
func Image(im imaging.Image, channel int) (*image.RGBA, error) {
	plane, err := grayPlane(im, channel)
	if err != nil {
		return nil, err
	}
	c := NewComposite(im.Width, im.Height)
	c.Add(plane, colorutil.White, BlendNormal)
	return c.Render(), nil
}

func grayPlane(im imaging.Image, channel int) (*image.Gray, error) {
	pix, err := im.Plane8(channel, config.NormalizeMinMax)
	if err != nil {
		return nil, err
	}
	return &image.Gray{Pix: pix, Stride: im.Width, Rect: image.Rect(0, 0, im.Width, im.Height)}, nil
}

// DrawMaskOutline paints every foreground pixel of m that touches the
// background (4-neighbourhood) or the image border.
func DrawMaskOutline(dst *image.RGBA, m imaging.Mask, c color.RGBA) {
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if !m.At(x, y) {
				continue
			}
			if m.At(x-1, y) && m.At(x+1, y) && m.At(x, y-1) && m.At(x, y+1) {
				continue
			}
			if (image.Point{X: x, Y: y}).In(dst.Rect) {
				dst.SetRGBA(x, y, c)
			}
		}
	}
}

// DrawCircles outlines each marker.
func DrawCircles(dst *image.RGBA, cs []circles.Circle, c color.RGBA) {
	for _, circ := range cs {
		drawCircle(dst, int(circ.Center.X+0.5), int(circ.Center.Y+0.5), int(circ.Radius+0.5), c)
	}
}

// drawCircle draws a circle outline using Bresenham's algorithm.
func drawCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	set := func(x, y int) {
		if (image.Point{X: x, Y: y}).In(img.Rect) {
			img.SetRGBA(x, y, c)
		}
	}

	x, y, err := r, 0, 0
	for x >= y {
		set(cx+x, cy+y)
		set(cx+y, cy+x)
		set(cx-y, cy+x)
		set(cx-x, cy+y)
		set(cx-x, cy-y)
		set(cx-y, cy-x)
		set(cx+y, cy-x)
		set(cx+x, cy-y)

		y++
		if err <= 0 {
			err += 2*y + 1
		}
		if err > 0 {
			x--
			err -= 2*x + 1
		}
	}
}
