package overlay

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuealign/internal/alignment"
	"tissuealign/internal/circles"
	"tissuealign/internal/imaging"
	"tissuealign/pkg/colorutil"
	"tissuealign/pkg/geometry"
)

func squareImage() imaging.Image {
	im := imaging.NewImage(64, 64, 1, 8)
	for y := 16; y < 48; y++ {
		for x := 16; x < 48; x++ {
			im.Set(x, y, 0, 255)
		}
	}
	return im
}

func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

func TestRegistrationIdentityRendersWhite(t *testing.T) {
	im := squareImage()
	out, err := Registration(im, im, alignment.IdentityTransform(geometry.Point2D{}), -1, -1)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())
	assert.Equal(t, colorutil.White, rgbaAt(out, 32, 32))
	assert.Equal(t, colorutil.Black, rgbaAt(out, 4, 4))
}

func TestRegistrationShowsMisalignment(t *testing.T) {
	im := squareImage()
	shift := alignment.Similarity(1, 0, 8, 0, geometry.Point2D{})
	out, err := Registration(im, im, shift, -1, -1)
	require.NoError(t, err)

	// Reference only, moving only, both.
	assert.Equal(t, colorutil.Magenta, rgbaAt(out, 18, 32))
	assert.Equal(t, colorutil.Green, rgbaAt(out, 52, 32))
	assert.Equal(t, colorutil.White, rgbaAt(out, 32, 32))
}

func TestBlendModes(t *testing.T) {
	dst := color.RGBA{R: 200, G: 100, A: 255}
	src := color.RGBA{R: 100, G: 100, B: 50, A: 255}

	assert.Equal(t, src, blend(dst, src, BlendNormal, 1))
	assert.Equal(t, color.RGBA{R: 100, G: 0, B: 50, A: 255}, blend(dst, src, BlendDifference, 1))
	assert.Equal(t, dst, blend(dst, src, BlendScreen, 0))
	assert.Equal(t, "screen", BlendScreen.String())
}

func TestDrawMaskOutlineAndCircles(t *testing.T) {
	m := imaging.NewMask(20, 20)
	m.FillRect(image.Rect(5, 5, 15, 15), true)
	dst := image.NewRGBA(image.Rect(0, 0, 20, 20))

	DrawMaskOutline(dst, m, colorutil.Yellow)
	assert.Equal(t, colorutil.Yellow, dst.RGBAAt(5, 10))
	assert.Equal(t, colorutil.Yellow, dst.RGBAAt(14, 14))
	assert.Equal(t, color.RGBA{}, dst.RGBAAt(10, 10))

	DrawCircles(dst, []circles.Circle{{Center: geometry.Point2D{X: 10, Y: 10}, Radius: 3}}, colorutil.Cyan)
	assert.Equal(t, colorutil.Cyan, dst.RGBAAt(13, 10))
	assert.Equal(t, colorutil.Cyan, dst.RGBAAt(10, 7))
	assert.Equal(t, color.RGBA{}, dst.RGBAAt(10, 10))
}
