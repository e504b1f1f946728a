// Package geometry holds the pure 2D math used by region editing and cropping:
// aspect-ratio fitting and the screen/image viewport transform.
package geometry

import "math"

// CardRatio is the width:height ratio of a standard trading card (2.5" x 3.5")
const CardRatio = 2.5 / 3.5

// Size is a width/height pair in pixels
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Fit adjusts a box to the target aspect ratio by keeping the dimension that
// constrains it. A box wider than the target keeps its height, otherwise it
// keeps its width. Fit is idempotent on its own output.
func Fit(width, height, targetRatio float64) Size {
	if width/height > targetRatio {
		return Size{Width: height * targetRatio, Height: height}
	}
	return Size{Width: width, Height: width / targetRatio}
}

// CardRatioFor returns the card ratio oriented like the given box: landscape
// boxes get 3.5:2.5, everything else 2.5:3.5.
func CardRatioFor(width, height float64) float64 {
	if width > height {
		return 1 / CardRatio
	}
	return CardRatio
}

// Corners returns the four corners of a w x h box centered on (cx, cy) and
// rotated clockwise by deg degrees, starting top-left and going clockwise.
func Corners(cx, cy, w, h, deg float64) [4]Point {
	sin, cos := math.Sincos(deg * math.Pi / 180)
	hw, hh := w/2, h/2
	offsets := [4]Point{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}

	var out [4]Point
	for i, o := range offsets {
		out[i] = Point{
			X: cx + o.X*cos - o.Y*sin,
			Y: cy + o.X*sin + o.Y*cos,
		}
	}
	return out
}
