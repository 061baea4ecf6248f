// Package imaging holds the value types shared by mask generation and
// registration (Image and Mask) and their conversions to and from gocv.
package imaging

import (
	"fmt"
	"image"
	"image/color"

	"tissuealign/internal/regerr"
)

// Image is a dense, row-major, channel-interleaved intensity grid. Samples are
// stored as uint16 whatever the bit depth; BitDepth records the valid range.
type Image struct {
	Width     int
	Height    int
	Channels  int
	BitDepth  int
	PixelSize float64 // micrometres per pixel, 0 when unknown
	Pix       []uint16
}

// NewImage allocates a zeroed image.
func NewImage(width, height, channels, bitDepth int) Image {
	return Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		BitDepth: bitDepth,
		Pix:      make([]uint16, width*height*channels),
	}
}

// Validate reports degenerate images as InvalidInputError.
func (im Image) Validate() error {
	switch {
	case im.Width <= 0 || im.Height <= 0:
		return regerr.New(regerr.KindInvalidInput, "image", "non-positive dimensions %dx%d", im.Width, im.Height)
	case im.Channels <= 0:
		return regerr.New(regerr.KindInvalidInput, "image", "no channels")
	case im.BitDepth != 8 && im.BitDepth != 16:
		return regerr.New(regerr.KindInvalidInput, "image", "unsupported bit depth %d", im.BitDepth)
	case len(im.Pix) != im.Width*im.Height*im.Channels:
		return regerr.New(regerr.KindInvalidInput, "image", "pixel buffer has %d samples, want %d",
			len(im.Pix), im.Width*im.Height*im.Channels)
	}
	return nil
}

// Size returns the pixel dimensions.
func (im Image) Size() image.Point { return image.Point{X: im.Width, Y: im.Height} }

// At returns channel c of pixel (x, y).
func (im Image) At(x, y, c int) uint16 {
	return im.Pix[(y*im.Width+x)*im.Channels+c]
}

// Set writes channel c of pixel (x, y).
func (im Image) Set(x, y, c int, v uint16) {
	im.Pix[(y*im.Width+x)*im.Channels+c] = v
}

// Channel extracts one plane as a single-channel image.
func (im Image) Channel(c int) (Image, error) {
	if c < 0 || c >= im.Channels {
		return Image{}, regerr.New(regerr.KindInvalidInput, "image.Channel", "channel %d out of range [0,%d)", c, im.Channels)
	}
	out := NewImage(im.Width, im.Height, 1, im.BitDepth)
	out.PixelSize = im.PixelSize
	for i := 0; i < im.Width*im.Height; i++ {
		out.Pix[i] = im.Pix[i*im.Channels+c]
	}
	return out, nil
}

// FromGo converts a decoded Go image. Gray and Gray16 stay single-channel;
// everything else becomes RGB, 16-bit for the 64-bit colour models.
func FromGo(src image.Image, pixelSize float64) Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	switch s := src.(type) {
	case *image.Gray:
		out := NewImage(w, h, 1, 8)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Pix[y*w+x] = uint16(s.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		out.PixelSize = pixelSize
		return out
	case *image.Gray16:
		out := NewImage(w, h, 1, 16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Pix[y*w+x] = s.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
		out.PixelSize = pixelSize
		return out
	}

	depth := 8
	switch src.ColorModel() {
	case color.RGBA64Model, color.NRGBA64Model:
		depth = 16
	}
	out := NewImage(w, h, 3, depth)
	out.PixelSize = pixelSize
	shift := uint(16 - depth)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*w + x) * 3
			out.Pix[i] = uint16(r >> shift)
			out.Pix[i+1] = uint16(g >> shift)
			out.Pix[i+2] = uint16(bl >> shift)
		}
	}
	return out
}

// ToGo converts to a Go image for encoding or resampling. Images with a
// channel count other than 1 or 3 are averaged to gray.
func (im Image) ToGo() image.Image {
	r := image.Rect(0, 0, im.Width, im.Height)
	switch {
	case im.Channels == 3 && im.BitDepth == 8:
		out := image.NewRGBA(r)
		for i := 0; i < im.Width*im.Height; i++ {
			out.Pix[i*4] = uint8(im.Pix[i*3])
			out.Pix[i*4+1] = uint8(im.Pix[i*3+1])
			out.Pix[i*4+2] = uint8(im.Pix[i*3+2])
			out.Pix[i*4+3] = 0xff
		}
		return out
	case im.Channels == 3:
		out := image.NewRGBA64(r)
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				out.SetRGBA64(x, y, color.RGBA64{R: im.At(x, y, 0), G: im.At(x, y, 1), B: im.At(x, y, 2), A: 0xffff})
			}
		}
		return out
	case im.BitDepth == 8:
		out := image.NewGray(r)
		for i := range out.Pix {
			out.Pix[i] = uint8(im.meanAt(i))
		}
		return out
	default:
		out := image.NewGray16(r)
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				out.SetGray16(x, y, color.Gray16{Y: im.meanAt(y*im.Width + x)})
			}
		}
		return out
	}
}

func (im Image) meanAt(i int) uint16 {
	if im.Channels == 1 {
		return im.Pix[i]
	}
	var sum int
	for c := 0; c < im.Channels; c++ {
		sum += int(im.Pix[i*im.Channels+c])
	}
	return uint16(sum / im.Channels)
}

// Plane8 reduces the image to one 8-bit plane. channel selects a plane; -1
// averages all channels. normalization is "scale" (shift by BitDepth-8) or
// "minmax" (stretch the observed range to 0..255; a flat image maps to 0).
func (im Image) Plane8(channel int, normalization string) ([]uint8, error) {
	if err := im.Validate(); err != nil {
		return nil, err
	}
	if channel >= im.Channels {
		return nil, regerr.New(regerr.KindInvalidInput, "image.Plane8", "channel %d out of range [0,%d)", channel, im.Channels)
	}
	n := im.Width * im.Height
	plane := make([]uint16, n)
	for i := 0; i < n; i++ {
		if channel >= 0 {
			plane[i] = im.Pix[i*im.Channels+channel]
		} else {
			plane[i] = im.meanAt(i)
		}
	}
	return normalize8(plane, im.BitDepth, normalization)
}

func normalize8(plane []uint16, bitDepth int, normalization string) ([]uint8, error) {
	out := make([]uint8, len(plane))
	switch normalization {
	case "", "scale":
		shift := uint(0)
		if bitDepth > 8 {
			shift = uint(bitDepth - 8)
		}
		for i, v := range plane {
			s := v >> shift
			if s > 255 {
				s = 255
			}
			out[i] = uint8(s)
		}
	case "minmax":
		lo, hi := plane[0], plane[0]
		for _, v := range plane {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi == lo {
			return out, nil
		}
		span := uint32(hi - lo)
		for i, v := range plane {
			// Rounded integer stretch keeps the result platform independent.
			out[i] = uint8((uint32(v-lo)*255 + span/2) / span)
		}
	default:
		return nil, fmt.Errorf("unknown normalization %q", normalization)
	}
	return out, nil
}
