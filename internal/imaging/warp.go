package imaging

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"tissuealign/pkg/geometry"
)

func homographyMat(h geometry.Homography, rows int) gocv.Mat {
	m := gocv.NewMatWithSize(rows, 3, gocv.MatTypeCV64F)
	for r := 0; r < rows; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h[r][c])
		}
	}
	return m
}

// WarpMat maps src through h (source to destination coordinates) onto a
// width x height canvas, filling uncovered pixels with 0. Affine transforms
// go through warpAffine; projective ones through warpPerspective.
func WarpMat(src gocv.Mat, h geometry.Homography, width, height int, interp gocv.InterpolationFlags) gocv.Mat {
	h = h.Normalized()
	dst := gocv.NewMat()
	size := image.Point{X: width, Y: height}
	if h.IsAffine() {
		transformMat := homographyMat(h, 2)
		defer transformMat.Close()
		gocv.WarpAffineWithParams(src, &dst, transformMat, size,
			interp, gocv.BorderConstant, color.RGBA{})
		return dst
	}
	transformMat := homographyMat(h, 3)
	defer transformMat.Close()
	gocv.WarpPerspectiveWithParams(src, &dst, transformMat, size,
		interp, gocv.BorderConstant, color.RGBA{})
	return dst
}

// WarpMaskMat warps a binary Mat with nearest-neighbour sampling, so the
// result keeps the source's 0/255 values for every transform.
func WarpMaskMat(src gocv.Mat, h geometry.Homography, width, height int) gocv.Mat {
	return WarpMat(src, h, width, height, gocv.InterpolationNearestNeighbor)
}

// WarpMask resamples m into a width x height frame.
func WarpMask(m Mask, h geometry.Homography, width, height int) (Mask, error) {
	src, err := m.ToMat()
	if err != nil {
		return Mask{}, err
	}
	defer src.Close()

	dst := WarpMaskMat(src, h, width, height)
	defer dst.Close()
	return MaskFromMat(dst)
}

// OverlapMat counts the intersection and union of two binary Mats of equal size.
func OverlapMat(a, b gocv.Mat) (inter, union int) {
	tmp := gocv.NewMat()
	defer tmp.Close()
	gocv.BitwiseAnd(a, b, &tmp)
	inter = gocv.CountNonZero(tmp)
	gocv.BitwiseOr(a, b, &tmp)
	union = gocv.CountNonZero(tmp)
	return inter, union
}
