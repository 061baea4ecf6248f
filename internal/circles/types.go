// Package circles locates circular fiducial markers so they can be painted
// out before tissue masking.
package circles

import (
	"math"

	"tissuealign/pkg/geometry"
)

// Circle is one detected marker.
type Circle struct {
	Center geometry.Point2D `json:"center"`
	Radius float64          `json:"radius"`

	// Confidence is the fraction of circumference samples lying on an edge.
	Confidence float64 `json:"confidence"`
}

// Stats summarizes the radii of a detection set.
type Stats struct {
	Count      int     `json:"count"`
	MeanRadius float64 `json:"mean_radius"`
	MinRadius  float64 `json:"min_radius"`
	MaxRadius  float64 `json:"max_radius"`
	StdRadius  float64 `json:"std_radius"`
}

// ComputeStats returns radius statistics; all zero for an empty set.
func ComputeStats(cs []Circle) Stats {
	if len(cs) == 0 {
		return Stats{}
	}
	s := Stats{Count: len(cs), MinRadius: cs[0].Radius, MaxRadius: cs[0].Radius}
	var sum float64
	for _, c := range cs {
		sum += c.Radius
		s.MinRadius = math.Min(s.MinRadius, c.Radius)
		s.MaxRadius = math.Max(s.MaxRadius, c.Radius)
	}
	s.MeanRadius = sum / float64(len(cs))
	var ss float64
	for _, c := range cs {
		d := c.Radius - s.MeanRadius
		ss += d * d
	}
	s.StdRadius = math.Sqrt(ss / float64(len(cs)))
	return s
}
