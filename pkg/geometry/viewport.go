package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidZoom is returned when a zoom factor would make the scale non-positive
var ErrInvalidZoom = errors.New("zoom factor must be positive")

// Point is a 2D coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport maps between screen space and image space:
//
//	screen = image*zoom + pan
//
// It holds no region data. Every mutation calls the invalidate callback so
// the owning canvas redraws.
type Viewport struct {
	zoom       float64
	panX, panY float64
	invalidate func()
}

// NewViewport creates an identity viewport. invalidate may be nil.
func NewViewport(invalidate func()) *Viewport {
	return &Viewport{zoom: 1, invalidate: invalidate}
}

// Zoom returns the current scale factor
func (v *Viewport) Zoom() float64 { return v.zoom }

// Offset returns the current pan in screen pixels
func (v *Viewport) Offset() Point { return Point{X: v.panX, Y: v.panY} }

// SetZoom multiplies the current zoom by factor
func (v *Viewport) SetZoom(factor float64) error {
	next, err := v.nextZoom(factor)
	if err != nil {
		return err
	}
	v.zoom = next
	v.changed()
	return nil
}

// ZoomAt multiplies the zoom by factor while keeping the image point under
// the given screen position fixed.
func (v *Viewport) ZoomAt(factor float64, screen Point) error {
	next, err := v.nextZoom(factor)
	if err != nil {
		return err
	}
	anchor := v.ScreenToImage(screen)
	v.zoom = next
	v.panX = screen.X - anchor.X*v.zoom
	v.panY = screen.Y - anchor.Y*v.zoom
	v.changed()
	return nil
}

// Pan shifts the view by a screen-space delta
func (v *Viewport) Pan(dx, dy float64) {
	v.panX += dx
	v.panY += dy
	v.changed()
}

// Reset restores the identity transform
func (v *Viewport) Reset() {
	v.zoom, v.panX, v.panY = 1, 0, 0
	v.changed()
}

// ScreenToImage converts a screen point into image space
func (v *Viewport) ScreenToImage(p Point) Point {
	return Point{X: (p.X - v.panX) / v.zoom, Y: (p.Y - v.panY) / v.zoom}
}

// ImageToScreen converts an image point into screen space
func (v *Viewport) ImageToScreen(p Point) Point {
	return Point{X: p.X*v.zoom + v.panX, Y: p.Y*v.zoom + v.panY}
}

func (v *Viewport) changed() {
	if v.invalidate != nil {
		v.invalidate()
	}
}

// nextZoom rejects factors that are not positive and finite, and products
// that underflow to zero or overflow to infinity.
func (v *Viewport) nextZoom(factor float64) (float64, error) {
	if !(factor > 0) || math.IsInf(factor, 0) {
		return 0, fmt.Errorf("%w: %g", ErrInvalidZoom, factor)
	}
	next := v.zoom * factor
	if !(next > 0) || math.IsInf(next, 0) {
		return 0, fmt.Errorf("%w: zoom %g x %g out of range", ErrInvalidZoom, v.zoom, factor)
	}
	return next, nil
}
