package alignment

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tissuealign/pkg/geometry"
)

// Kind names a transformation model.
type Kind string

const (
	KindSimilarity Kind = "similarity"
	KindAffine     Kind = "affine"
	KindProjective Kind = "projective"
)

// Transform maps moving-image coordinates into reference-image coordinates.
//
// A similarity is p_ref = Scale·R(RotationDeg)·(p_mov − Center) + Center + (TX, TY).
// Affine and projective transforms are carried by H alone. H is kept in sync
// for similarities so Matrix is always valid.
type Transform struct {
	Kind        Kind                `json:"kind"`
	Scale       float64             `json:"scale,omitempty"`
	RotationDeg float64             `json:"rotation_deg,omitempty"`
	TX          float64             `json:"tx,omitempty"`
	TY          float64             `json:"ty,omitempty"`
	Center      geometry.Point2D    `json:"center"`
	H           geometry.Homography `json:"matrix"`
}

// Similarity builds a similarity transform about center.
func Similarity(scale, rotationDeg, tx, ty float64, center geometry.Point2D) Transform {
	t := Transform{
		Kind:        KindSimilarity,
		Scale:       scale,
		RotationDeg: rotationDeg,
		TX:          tx,
		TY:          ty,
		Center:      center,
	}
	t.H = t.similarityMatrix()
	return t
}

// IdentityTransform is the similarity with scale 1 and nothing else.
func IdentityTransform(center geometry.Point2D) Transform {
	return Similarity(1, 0, 0, 0, center)
}

// FromHomography wraps a matrix as an affine or projective transform.
func FromHomography(h geometry.Homography) Transform {
	h = h.Normalized()
	kind := KindProjective
	if h.IsAffine() {
		kind = KindAffine
	}
	return Transform{Kind: kind, H: h}
}

func (t Transform) similarityMatrix() geometry.Homography {
	rad := t.RotationDeg * math.Pi / 180
	a := t.Scale * math.Cos(rad)
	b := t.Scale * math.Sin(rad)
	cx, cy := t.Center.X, t.Center.Y
	return geometry.Homography{
		{a, -b, cx + t.TX - (a*cx - b*cy)},
		{b, a, cy + t.TY - (b*cx + a*cy)},
		{0, 0, 1},
	}
}

// Matrix returns the 3x3 homogeneous form.
func (t Transform) Matrix() geometry.Homography {
	if t.Kind == KindSimilarity {
		return t.similarityMatrix()
	}
	return t.H
}

// Apply maps a moving-image point into the reference frame.
func (t Transform) Apply(p geometry.Point2D) geometry.Point2D {
	return t.Matrix().Apply(p)
}

// Inverse returns the reference-to-moving transform.
func (t Transform) Inverse() (Transform, error) {
	if t.Kind == KindSimilarity {
		if t.Scale == 0 {
			return Transform{}, fmt.Errorf("singular similarity: zero scale")
		}
		s := 1 / t.Scale
		rad := -t.RotationDeg * math.Pi / 180
		cos, sin := math.Cos(rad), math.Sin(rad)
		tx := -s * (cos*t.TX - sin*t.TY)
		ty := -s * (sin*t.TX + cos*t.TY)
		return Similarity(s, -t.RotationDeg, tx, ty, t.Center), nil
	}
	inv, ok := t.H.Inverse()
	if !ok {
		return Transform{}, fmt.Errorf("singular %s matrix", t.Kind)
	}
	out := FromHomography(inv)
	if t.Kind == KindAffine {
		out.Kind = KindAffine
	}
	return out, nil
}

// ScaleFactor is the isotropic scale of the linear part.
func (t Transform) ScaleFactor() float64 {
	if t.Kind == KindSimilarity {
		return t.Scale
	}
	return t.Matrix().Affine().ScaleFactor()
}

// RotationDegrees is the rotation of the linear part.
func (t Transform) RotationDegrees() float64 {
	if t.Kind == KindSimilarity {
		return t.RotationDeg
	}
	return t.Matrix().Affine().RotationDegrees()
}

// Translation is where the moving-frame centre lands relative to itself for
// similarities, and the matrix translation column otherwise.
func (t Transform) Translation() geometry.Point2D {
	if t.Kind == KindSimilarity {
		return geometry.Point2D{X: t.TX, Y: t.TY}
	}
	h := t.Matrix().Normalized()
	return geometry.Point2D{X: h[0][2], Y: h[1][2]}
}

// cornerDisplacement is the mean distance the four canvas corners move.
// Smaller is closer to identity.
func cornerDisplacement(h geometry.Homography, width, height int) float64 {
	corners := geometry.Rect{Width: float64(width - 1), Height: float64(height - 1)}.Corners()
	var sum float64
	for _, c := range corners {
		sum += h.Apply(c).Distance(c)
	}
	return sum / float64(len(corners))
}

// fitSimilarity solves x' = a·x − b·y + tx, y' = b·x + a·y + ty in the
// least-squares sense. Two distinct points determine it exactly.
func fitSimilarity(src, dst []geometry.Point2D) (geometry.Homography, error) {
	n := len(src)
	if n < 2 {
		return geometry.Homography{}, fmt.Errorf("need at least 2 points, got %d", n)
	}
	A := mat.NewDense(n*2, 4, nil)
	B := mat.NewVecDense(n*2, nil)
	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, -y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		A.Set(i*2+1, 0, y)
		A.Set(i*2+1, 1, x)
		A.Set(i*2+1, 3, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}
	p, err := solveQR(A, B)
	if err != nil {
		return geometry.Homography{}, err
	}
	a, b := p.AtVec(0), p.AtVec(1)
	if a*a+b*b < 1e-12 {
		return geometry.Homography{}, fmt.Errorf("degenerate similarity")
	}
	return geometry.Homography{
		{a, -b, p.AtVec(2)},
		{b, a, p.AtVec(3)},
		{0, 0, 1},
	}, nil
}

// fitAffine solves the six affine parameters in the least-squares sense.
func fitAffine(src, dst []geometry.Point2D) (geometry.Homography, error) {
	n := len(src)
	if n < 3 {
		return geometry.Homography{}, fmt.Errorf("need at least 3 points, got %d", n)
	}
	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)
	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y

		// x' = a*x + b*y + tx
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		// y' = c*x + d*y + ty
		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}
	p, err := solveQR(A, B)
	if err != nil {
		return geometry.Homography{}, err
	}
	h := geometry.Homography{
		{p.AtVec(0), p.AtVec(1), p.AtVec(2)},
		{p.AtVec(3), p.AtVec(4), p.AtVec(5)},
		{0, 0, 1},
	}
	if det := h[0][0]*h[1][1] - h[0][1]*h[1][0]; math.Abs(det) < 1e-9 {
		return geometry.Homography{}, fmt.Errorf("degenerate affine (det %g)", det)
	}
	return h, nil
}

// solveQR solves the (possibly overdetermined) system A·x = b.
func solveQR(A *mat.Dense, b *mat.VecDense) (*mat.VecDense, error) {
	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, b); err != nil {
		return nil, err
	}
	for i := 0; i < params.Len(); i++ {
		if v := params.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("ill-conditioned system")
		}
	}
	return &params, nil
}

// fitProjective estimates a homography with the normalized direct linear
// transform: Hartley normalization, SVD null vector, denormalization.
func fitProjective(src, dst []geometry.Point2D) (geometry.Homography, error) {
	n := len(src)
	if n < 4 {
		return geometry.Homography{}, fmt.Errorf("need at least 4 points, got %d", n)
	}
	ts, okS := hartley(src)
	td, okD := hartley(dst)
	if !okS || !okD {
		return geometry.Homography{}, fmt.Errorf("degenerate point set")
	}

	rows := 2 * n
	if rows < 9 {
		rows = 9 // pad so the SVD yields a full right-singular basis
	}
	A := mat.NewDense(rows, 9, nil)
	for i := 0; i < n; i++ {
		p := ts.Apply(src[i])
		q := td.Apply(dst[i])
		x, y, u, v := p.X, p.Y, q.X, q.Y
		A.SetRow(i*2, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		A.SetRow(i*2+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return geometry.Homography{}, fmt.Errorf("SVD failed")
	}
	values := svd.Values(nil)
	if len(values) >= 8 && values[7] < 1e-12 {
		return geometry.Homography{}, fmt.Errorf("degenerate configuration")
	}
	var V mat.Dense
	svd.VTo(&V)

	var hn geometry.Homography
	for i := 0; i < 9; i++ {
		hn[i/3][i%3] = V.At(i, 8)
	}

	tdInv, ok := td.Inverse()
	if !ok {
		return geometry.Homography{}, fmt.Errorf("singular normalization")
	}
	h := tdInv.Mul(hn).Mul(ts)
	if math.Abs(h[2][2]) < 1e-12 {
		return geometry.Homography{}, fmt.Errorf("homography at infinity")
	}
	return h.Normalized(), nil
}

// hartley returns the similarity moving the centroid to the origin with
// mean distance √2.
func hartley(pts []geometry.Point2D) (geometry.Homography, bool) {
	c := geometry.Centroid(pts)
	var mean float64
	for _, p := range pts {
		mean += p.Distance(c)
	}
	mean /= float64(len(pts))
	if mean < 1e-9 {
		return geometry.Homography{}, false
	}
	s := math.Sqrt2 / mean
	return geometry.Homography{
		{s, 0, -s * c.X},
		{0, s, -s * c.Y},
		{0, 0, 1},
	}, true
}

// PreScaled returns the transform that first scales input coordinates by f
// about the origin and then applies t. It maps native moving pixels when t
// was estimated on a copy resampled by f.
func (t Transform) PreScaled(f float64) Transform {
	if f == 1 || f <= 0 {
		return t
	}
	if t.Kind == KindSimilarity {
		c := t.Center
		return Similarity(t.Scale*f, t.RotationDeg,
			t.TX+c.X-c.X/f, t.TY+c.Y-c.Y/f,
			geometry.Point2D{X: c.X / f, Y: c.Y / f})
	}
	out := FromHomography(t.Matrix().Mul(geometry.Scale(f, f).ToHomography()))
	if t.Kind == KindAffine {
		out.Kind = KindAffine
	}
	return out
}
