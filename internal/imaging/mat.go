package imaging

import (
	"fmt"

	"gocv.io/x/gocv"

	"tissuealign/internal/regerr"
)

func matFromBytes(rows, cols int, mt gocv.MatType, data []byte) (gocv.Mat, error) {
	tmp, err := gocv.NewMatFromBytes(rows, cols, mt, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create mat: %w", err)
	}
	defer tmp.Close()
	// Clone so the returned Mat owns its memory independently of data.
	return tmp.Clone(), nil
}

// ToMat returns the mask as a CV_8U Mat. The caller closes it.
func (m Mask) ToMat() (gocv.Mat, error) {
	if m.Width <= 0 || m.Height <= 0 {
		return gocv.NewMat(), regerr.New(regerr.KindInvalidInput, "mask.ToMat", "empty dimensions %dx%d", m.Width, m.Height)
	}
	return matFromBytes(m.Height, m.Width, gocv.MatTypeCV8U, m.Pix)
}

// MaskFromMat copies a single-channel 8-bit Mat, mapping every non-zero pixel to 255.
func MaskFromMat(mat gocv.Mat) (Mask, error) {
	if mat.Empty() {
		return Mask{}, regerr.New(regerr.KindInvalidInput, "mask.FromMat", "empty mat")
	}
	if mat.Channels() != 1 {
		return Mask{}, regerr.New(regerr.KindInvalidInput, "mask.FromMat", "expected 1 channel, got %d", mat.Channels())
	}
	m := NewMask(mat.Cols(), mat.Rows())
	src := mat
	if !mat.IsContinuous() {
		src = mat.Clone()
		defer src.Close()
	}
	data := src.ToBytes()
	for i, v := range data[:len(m.Pix)] {
		if v != 0 {
			m.Pix[i] = Foreground
		}
	}
	return m, nil
}

// Gray8Mat reduces the image to an 8-bit single-channel Mat following the
// channel/normalization rules of Plane8. Three-channel images with channel -1
// are treated as RGB and converted with luminance weights.
func (im Image) Gray8Mat(channel int, normalization string) (gocv.Mat, error) {
	if err := im.Validate(); err != nil {
		return gocv.NewMat(), err
	}
	if im.Channels == 3 && channel < 0 {
		rgb, err := im.rgb8(normalization)
		if err != nil {
			return gocv.NewMat(), err
		}
		color, err := matFromBytes(im.Height, im.Width, gocv.MatTypeCV8UC3, rgb)
		if err != nil {
			return gocv.NewMat(), err
		}
		defer color.Close()
		gray := gocv.NewMat()
		gocv.CvtColor(color, &gray, gocv.ColorRGBToGray)
		return gray, nil
	}

	plane, err := im.Plane8(channel, normalization)
	if err != nil {
		return gocv.NewMat(), err
	}
	return matFromBytes(im.Height, im.Width, gocv.MatTypeCV8U, plane)
}

// rgb8 normalizes all three channels jointly so their balance is preserved.
func (im Image) rgb8(normalization string) ([]uint8, error) {
	return normalize8(im.Pix, im.BitDepth, normalization)
}

// GrayFromMat wraps an 8-bit single-channel Mat as an Image.
func GrayFromMat(mat gocv.Mat, pixelSize float64) (Image, error) {
	if mat.Empty() || mat.Channels() != 1 {
		return Image{}, regerr.New(regerr.KindInvalidInput, "image.FromMat", "expected non-empty single-channel mat")
	}
	src := mat
	if mat.Type() != gocv.MatTypeCV8U {
		src = gocv.NewMat()
		defer src.Close()
		mat.ConvertTo(&src, gocv.MatTypeCV8U)
	} else if !mat.IsContinuous() {
		src = mat.Clone()
		defer src.Close()
	}
	data := src.ToBytes()
	out := NewImage(mat.Cols(), mat.Rows(), 1, 8)
	out.PixelSize = pixelSize
	for i := range out.Pix {
		out.Pix[i] = uint16(data[i])
	}
	return out, nil
}
