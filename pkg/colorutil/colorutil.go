// Package colorutil provides the overlay palette and tinting helpers used
// when rendering registration previews.
package colorutil

import (
	"image/color"
)

// Overlay colors. Reference and moving layers use complementary tints so
// aligned tissue renders close to white.
var (
	Black   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Cyan    = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Green   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Yellow  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// Tint scales c by the intensity v, keeping c's alpha.
func Tint(v uint8, c color.RGBA) color.RGBA {
	scale := func(x uint8) uint8 { return uint8((uint16(x)*uint16(v) + 127) / 255) }
	return color.RGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: c.A}
}

// Complement returns the additive complement of c.
func Complement(c color.RGBA) color.RGBA {
	return color.RGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B, A: c.A}
}
