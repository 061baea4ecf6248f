package imaging

import (
	"bytes"
	"image"

	"tissuealign/internal/regerr"
)

// Mask values.
const (
	Background uint8 = 0
	Foreground uint8 = 255
)

// Mask is a binary grid holding 0 or 255 per pixel.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewMask allocates an empty mask.
func NewMask(width, height int) Mask {
	return Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At reports whether (x, y) is foreground. Out-of-range coordinates are background.
func (m Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Pix[y*m.Width+x] != 0
}

// Set writes one pixel.
func (m Mask) Set(x, y int, on bool) {
	if on {
		m.Pix[y*m.Width+x] = Foreground
	} else {
		m.Pix[y*m.Width+x] = Background
	}
}

// FillRect sets the half-open rectangle r to on, clipped to the mask.
func (m Mask) FillRect(r image.Rectangle, on bool) {
	r = r.Intersect(image.Rect(0, 0, m.Width, m.Height))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Set(x, y, on)
		}
	}
}

// Area counts foreground pixels.
func (m Mask) Area() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// Empty reports whether no pixel is set.
func (m Mask) Empty() bool {
	for _, v := range m.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

// Equal reports bit-identical masks.
func (m Mask) Equal(other Mask) bool {
	return m.Width == other.Width && m.Height == other.Height && bytes.Equal(m.Pix, other.Pix)
}

// Clone returns a deep copy.
func (m Mask) Clone() Mask {
	out := Mask{Width: m.Width, Height: m.Height, Pix: make([]uint8, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// SameSize checks that two masks can be compared pixel for pixel.
func (m Mask) SameSize(other Mask) error {
	if m.Width != other.Width || m.Height != other.Height {
		return regerr.New(regerr.KindInvalidInput, "mask", "dimension mismatch: %dx%d vs %dx%d",
			m.Width, m.Height, other.Width, other.Height)
	}
	return nil
}

// Overlap returns the intersection and union pixel counts.
func (m Mask) Overlap(other Mask) (inter, union int) {
	for i, a := range m.Pix {
		b := other.Pix[i]
		if a != 0 && b != 0 {
			inter++
		}
		if a != 0 || b != 0 {
			union++
		}
	}
	return inter, union
}

// IoU is |A∩B| / |A∪B|, 0 when both masks are empty or sizes differ.
func (m Mask) IoU(other Mask) float64 {
	if m.SameSize(other) != nil {
		return 0
	}
	inter, union := m.Overlap(other)
	return Ratio(inter, union)
}

// Ratio divides two pixel counts, returning 0 for an empty denominator.
func Ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// ToGray returns the mask as an 8-bit gray image.
func (m Mask) ToGray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	copy(g.Pix, m.Pix)
	return g
}

// MaskFromGray binarizes a gray image at 128.
func MaskFromGray(g *image.Gray) Mask {
	b := g.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			m.Set(x, y, g.GrayAt(b.Min.X+x, b.Min.Y+y).Y >= 128)
		}
	}
	return m
}
