package elements

import "math"

// Rect is an axis-aligned rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// rectFromArray converts the [x, y, width, height] encoding used in trace args.
func rectFromArray(a [4]float64) Rect {
	return Rect{X: a[0], Y: a[1], Width: a[2], Height: a[3]}
}

// Area returns the rectangle's area; degenerate rectangles have zero area.
func (r Rect) Area() float64 {
	return math.Max(r.Width, 0) * math.Max(r.Height, 0)
}

// Overlap returns the area of the intersection of r and o.
func (r Rect) Overlap(o Rect) float64 {
	if r.Area() == 0 || o.Area() == 0 {
		return 0
	}
	w := math.Min(r.X+r.Width, o.X+o.Width) - math.Max(r.X, o.X)
	h := math.Min(r.Y+r.Height, o.Y+o.Height) - math.Max(r.Y, o.Y)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// UnionArea returns the area covered by a or b, counting their overlap once.
func UnionArea(a, b Rect) float64 {
	return a.Area() + b.Area() - a.Overlap(b)
}
