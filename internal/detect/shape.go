package detect

import (
	"math"

	"github.com/andresmejia3/memeface/internal/types"
)

// MouthOutline lays out the 12 outer lip points of the 68-point face model:
// left corner at [0], upper lip [1..5] running left to right, right corner at
// [6], lower lip [7..11] running right to left.
func MouthOutline(left, right, top, bottom types.Point) []types.Point {
	mid := left.Midpoint(right)
	up := math.Max(mid.Y-top.Y, 0)
	down := math.Max(bottom.Y-mid.Y, 0)

	pts := make([]types.Point, 12)
	pts[0], pts[6] = left, right
	for i := 1; i <= 5; i++ {
		f := float64(i) / 6
		p := lerp(left, right, f)
		p.Y -= up * math.Sin(math.Pi*f)
		pts[i] = p
	}
	for i := 7; i <= 11; i++ {
		f := float64(12-i) / 6
		p := lerp(left, right, f)
		p.Y += down * math.Sin(math.Pi*f)
		pts[i] = p
	}
	return pts
}

// EyeOutline lays out 6 eye contour points around center. The corners sit at
// [0] and [3], so their midpoint is center.
func EyeOutline(center types.Point, r float64) []types.Point {
	return []types.Point{
		{X: center.X - r, Y: center.Y},
		{X: center.X - r/3, Y: center.Y - r/2},
		{X: center.X + r/3, Y: center.Y - r/2},
		{X: center.X + r, Y: center.Y},
		{X: center.X + r/3, Y: center.Y + r/2},
		{X: center.X - r/3, Y: center.Y + r/2},
	}
}

// lipExtents picks the highest and lowest lip points. Without any it assumes
// a mouth 30% as tall as it is wide.
func lipExtents(left, right types.Point, lips []types.Point) (top, bottom types.Point) {
	mid := left.Midpoint(right)
	half := math.Hypot(right.X-left.X, right.Y-left.Y) * 0.15
	top = types.Point{X: mid.X, Y: mid.Y - half}
	bottom = types.Point{X: mid.X, Y: mid.Y + half}

	if len(lips) == 0 {
		return top, bottom
	}
	top, bottom = lips[0], lips[0]
	for _, p := range lips[1:] {
		if p.Y < top.Y {
			top = p
		}
		if p.Y > bottom.Y {
			bottom = p
		}
	}
	return top, bottom
}

func lerp(a, b types.Point, f float64) types.Point {
	return types.Point{X: a.X + (b.X-a.X)*f, Y: a.Y + (b.Y-a.Y)*f}
}
