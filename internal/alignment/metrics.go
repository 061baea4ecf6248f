package alignment

import (
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"tissuealign/internal/imaging"
	"tissuealign/pkg/geometry"
)

// SSIM stabilizers for 8-bit data.
const (
	ssimC1 = (0.01 * 255) * (0.01 * 255)
	ssimC2 = (0.03 * 255) * (0.03 * 255)
)

// overlapSamples warps mov into ref's frame with h and returns the paired
// intensities of every reference pixel the warped image covers.
func overlapSamples(ref, mov gocv.Mat, h geometry.Homography) (x, y []float64) {
	w, hgt := ref.Cols(), ref.Rows()

	warped := imaging.WarpMat(mov, h, w, hgt, gocv.InterpolationLinear)
	defer warped.Close()

	full := imaging.NewMask(mov.Cols(), mov.Rows())
	for i := range full.Pix {
		full.Pix[i] = imaging.Foreground
	}
	cover, err := full.ToMat()
	if err != nil {
		return nil, nil
	}
	defer cover.Close()
	valid := imaging.WarpMaskMat(cover, h, w, hgt)
	defer valid.Close()

	refBytes := contiguousBytes(ref)
	movBytes := contiguousBytes(warped)
	validBytes := contiguousBytes(valid)
	for i := range refBytes {
		if validBytes[i] == 0 {
			continue
		}
		x = append(x, float64(refBytes[i]))
		y = append(y, float64(movBytes[i]))
	}
	return x, y
}

func contiguousBytes(m gocv.Mat) []byte {
	if m.IsContinuous() {
		return m.ToBytes()
	}
	c := m.Clone()
	defer c.Close()
	return c.ToBytes()
}

// intensityMetrics fills NCC, SSIM, MSE and the overlap size. SSIM is the
// single-window form over the whole overlap.
func intensityMetrics(ref, mov gocv.Mat, h geometry.Homography, m *Metrics) {
	x, y := overlapSamples(ref, mov, h)
	m.OverlapArea = len(x)
	if len(x) < 2 {
		return
	}

	if c := stat.Correlation(x, y, nil); !math.IsNaN(c) {
		m.NCC = c
	}

	mx, vx := stat.MeanVariance(x, nil)
	my, vy := stat.MeanVariance(y, nil)
	cov := stat.Covariance(x, y, nil)
	m.SSIM = ((2*mx*my + ssimC1) * (2*cov + ssimC2)) /
		((mx*mx + my*my + ssimC1) * (vx + vy + ssimC2))

	var sq float64
	for i := range x {
		d := x[i] - y[i]
		sq += d * d
	}
	m.MSE = sq / float64(len(x))
}

// meanReprojection is the mean distance between mapped and observed points
// over the given indices.
func meanReprojection(h geometry.Homography, src, dst []geometry.Point2D, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var sum float64
	for _, i := range idx {
		sum += h.Apply(src[i]).Distance(dst[i])
	}
	return sum / float64(len(idx))
}
