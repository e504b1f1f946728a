package editor

import (
	"image"
	"sync"

	"github.com/menta2k/card-extractor/pkg/geometry"
	"github.com/menta2k/card-extractor/pkg/processing"
	"github.com/menta2k/card-extractor/pkg/types"
)

// Canvas is the region overlay of one source image. It implements
// regions.Renderer: every Redraw replaces the whole scene, and the frame is
// rendered from that snapshot the next time it is requested.
type Canvas struct {
	mu       sync.Mutex
	source   image.Image
	regions  []types.Region
	selected string
	redraws  int
	frame    *image.NRGBA
	dirty    bool
}

func NewCanvas(source image.Image) *Canvas {
	return &Canvas{source: source, dirty: true}
}

// Redraw replaces the scene with a full snapshot
func (c *Canvas) Redraw(regions []types.Region, selectedID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions = append(c.regions[:0], regions...)
	c.selected = selectedID
	c.redraws++
	c.dirty = true
}

// Invalidate forces the next Frame to re-render without a scene change
func (c *Canvas) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redraws++
	c.dirty = true
}

// Redraws counts scene replacements and invalidations
func (c *Canvas) Redraws() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redraws
}

// Scene returns the last snapshot
func (c *Canvas) Scene() ([]types.Region, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Region(nil), c.regions...), c.selected
}

// Frame returns the source with every region outlined, in image space
func (c *Canvas) Frame() *image.NRGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty || c.frame == nil {
		c.frame = processing.DrawRegions(c.source, c.regions, c.selected)
		c.dirty = false
	}
	return c.frame
}

// handleAt reports whether p (image space) grabs the resize handle of r,
// which sits on the bottom-right corner of the rotated box
func handleAt(r types.Region, p geometry.Point, radius float64) bool {
	cx, cy := r.Center()
	br := geometry.Corners(cx, cy, r.Width, r.Height, r.Rotation)[2]
	dx, dy := p.X-br.X, p.Y-br.Y
	return dx*dx+dy*dy <= radius*radius
}
