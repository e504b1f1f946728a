package processing

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/menta2k/card-extractor/pkg/geometry"
	"github.com/menta2k/card-extractor/pkg/types"
)

var defaultOutline = color.NRGBA{255, 204, 0, 255}

// DrawRegions returns a copy of img with every region outlined in its own
// color. The selected region gets a heavier stroke and a resize handle on
// its bottom-right corner.
func DrawRegions(img image.Image, regions []types.Region, selectedID string) *image.NRGBA {
	canvas := imaging.Clone(img)
	w, h := canvas.Bounds().Dx(), canvas.Bounds().Dy()
	stroke := int(math.Max(2, 0.004*float64(min(w, h))))

	for _, r := range regions {
		c := outlineColor(r.Color)
		s := stroke
		if r.ID == selectedID {
			s = stroke * 2
		}

		cx, cy := r.Center()
		corners := geometry.Corners(cx, cy, r.Width, r.Height, r.Rotation)
		if r.Rotation == 0 {
			drawRect(canvas, int(math.Round(r.X)), int(math.Round(r.Y)),
				int(math.Round(r.X+r.Width)), int(math.Round(r.Y+r.Height)), c, s)
		} else {
			for i := range corners {
				next := corners[(i+1)%len(corners)]
				drawLine(canvas, corners[i], next, c, s)
			}
		}

		if r.ID == selectedID {
			hs := s * 3
			br := corners[2]
			x, y := int(math.Round(br.X)), int(math.Round(br.Y))
			fillRect(canvas, x-hs, y-hs, x+hs, y+hs, c)
		}
	}
	return canvas
}

func outlineColor(hex string) color.NRGBA {
	if hex == "" {
		return defaultOutline
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return defaultOutline
	}
	r, g, b := c.RGB255()
	return color.NRGBA{r, g, b, 255}
}

func drawRect(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func fillRect(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	for y := y0; y < y1; y++ {
		drawHLine(img, y, x0, x1, c)
	}
}

// drawLine stamps a stroke-wide square along the segment a-b
func drawLine(img *image.NRGBA, a, b geometry.Point, c color.NRGBA, stroke int) {
	steps := int(math.Ceil(math.Max(math.Abs(b.X-a.X), math.Abs(b.Y-a.Y))))
	if steps == 0 {
		steps = 1
	}
	half := stroke / 2
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(math.Round(a.X + (b.X-a.X)*t))
		y := int(math.Round(a.Y + (b.Y-a.Y)*t))
		fillRect(img, x-half, y-half, x-half+stroke, y-half+stroke, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0, x1 = max(x0, 0), min(x1, img.Bounds().Dx())
	if x0 >= x1 {
		return
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0, y1 = max(y0, 0), min(y1, img.Bounds().Dy())
	if y0 >= y1 {
		return
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
