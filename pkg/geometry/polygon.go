package geometry

import "math"

// Polygon is a closed ring of vertices; the last vertex connects back to the first.
type Polygon []Point2D

// Area returns the unsigned area using the shoelace formula.
func (p Polygon) Area() float64 {
	return math.Abs(p.SignedArea())
}

// SignedArea is positive for counter-clockwise rings in a Y-up frame
// (clockwise on screen, where Y grows downward).
func (p Polygon) SignedArea() float64 {
	n := len(p)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	return sum / 2
}

// Bounds returns the axis-aligned bounding box.
func (p Polygon) Bounds() Rect {
	return BoundingBox(p)
}

// Transform maps every vertex through h.
func (p Polygon) Transform(h Homography) Polygon {
	out := make(Polygon, len(p))
	for i, v := range p {
		out[i] = h.Apply(v)
	}
	return out
}

// ClipToRect clips p to r. Rings already inside r come back unchanged and
// rings that miss r come back nil.
func (p Polygon) ClipToRect(r Rect) Polygon {
	if len(p) < 3 {
		return nil
	}
	b := p.Bounds()
	if b.X >= r.X && b.Y >= r.Y && b.X+b.Width <= r.X+r.Width && b.Y+b.Height <= r.Y+r.Height {
		return p
	}
	return IntersectPolygons(p, r.Corners())
}

// IntersectPolygons clips subject against the convex polygon clip using the
// Sutherland-Hodgman algorithm. A concave subject is allowed; pieces it
// splits into stay joined by zero-area edges. Returns nil if there is no
// intersection or if inputs are invalid.
func IntersectPolygons(subject, clip []Point2D) []Point2D {
	if len(subject) < 3 || len(clip) < 3 {
		return nil
	}

	// The clip ring must wind counter-clockwise for isInsideEdge.
	if Polygon(clip).SignedArea() < 0 {
		reversed := make([]Point2D, len(clip))
		for i := range clip {
			reversed[len(clip)-1-i] = clip[i]
		}
		clip = reversed
	}

	output := make([]Point2D, len(subject))
	copy(output, subject)

	for i := 0; i < len(clip); i++ {
		if len(output) == 0 {
			return nil
		}

		edgeStart := clip[i]
		edgeEnd := clip[(i+1)%len(clip)]
		output = clipPolygonByEdge(output, edgeStart, edgeEnd)
	}

	if len(output) < 3 {
		return nil
	}

	return output
}

// clipPolygonByEdge clips a polygon against a single edge using
// the Sutherland-Hodgman algorithm.
func clipPolygonByEdge(polygon []Point2D, edgeStart, edgeEnd Point2D) []Point2D {
	var clipped []Point2D

	for i := 0; i < len(polygon); i++ {
		current := polygon[i]
		next := polygon[(i+1)%len(polygon)]

		currentInside := isInsideEdge(current, edgeStart, edgeEnd)
		nextInside := isInsideEdge(next, edgeStart, edgeEnd)

		if currentInside {
			clipped = append(clipped, current)
			if !nextInside {
				if intersection, ok := lineIntersection(current, next, edgeStart, edgeEnd); ok {
					clipped = append(clipped, intersection)
				}
			}
		} else if nextInside {
			if intersection, ok := lineIntersection(current, next, edgeStart, edgeEnd); ok {
				clipped = append(clipped, intersection)
			}
		}
	}

	return clipped
}

// isInsideEdge checks if a point is on the inside (left side) of the directed edge.
func isInsideEdge(p, edgeStart, edgeEnd Point2D) bool {
	return (edgeEnd.X-edgeStart.X)*(p.Y-edgeStart.Y)-
		(edgeEnd.Y-edgeStart.Y)*(p.X-edgeStart.X) >= 0
}

// lineIntersection computes the intersection point of line p1-p2 with line e1-e2.
func lineIntersection(p1, p2, e1, e2 Point2D) (Point2D, bool) {
	x1, y1 := p1.X, p1.Y
	x2, y2 := p2.X, p2.Y
	x3, y3 := e1.X, e1.Y
	x4, y4 := e2.X, e2.Y

	denom := (x1-x2)*(y3-y4) - (y1-y2)*(x3-x4)
	if math.Abs(denom) < 1e-10 {
		return Point2D{}, false
	}

	t := ((x1-x3)*(y3-y4) - (y1-y3)*(x3-x4)) / denom

	return Point2D{
		X: x1 + t*(x2-x1),
		Y: y1 + t*(y2-y1),
	}, true
}
