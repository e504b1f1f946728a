package detection

import (
	"context"
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/menta2k/card-extractor/pkg/geometry"
	"github.com/menta2k/card-extractor/pkg/types"
)

// SaliencyConfig tunes the pixel based detector
type SaliencyConfig struct {
	// EdgeWeight and ColorWeight blend local contrast with distance from the
	// background colour
	EdgeWeight  float64
	ColorWeight float64
	// Threshold is the saliency at which a pixel belongs to an object
	Threshold float64
	// MinSubjectRatio drops objects smaller than this share of the image
	MinSubjectRatio float64
	MaxRegions      int
	// WorkSize is the longest side the image is reduced to before analysis
	WorkSize int
}

func DefaultSaliencyConfig() SaliencyConfig {
	return SaliencyConfig{
		EdgeWeight:      0.5,
		ColorWeight:     0.5,
		Threshold:       0.15,
		MinSubjectRatio: 0.01,
		MaxRegions:      10,
		WorkSize:        256,
	}
}

// Saliency finds objects that stand out from the photo's background, which
// is taken to be the average colour of the image border. Each connected
// salient blob becomes one card-shaped region enclosing it. When nothing
// stands out it falls back to Heuristic.
type Saliency struct {
	config   SaliencyConfig
	fallback *Heuristic
}

func NewSaliency() *Saliency {
	return NewSaliencyWithConfig(DefaultSaliencyConfig())
}

func NewSaliencyWithConfig(config SaliencyConfig) *Saliency {
	return &Saliency{config: config, fallback: NewHeuristic()}
}

// blob is one 4-connected component of salient pixels in work space
type blob struct {
	minX, minY, maxX, maxY int
	pixels                 int
	sum                    float64
}

func (b blob) mean() float64 { return b.sum / float64(b.pixels) }

// Detect implements RegionDetector
func (d *Saliency) Detect(ctx context.Context, img image.Image, requested []types.RegionType) ([]types.Region, error) {
	if img == nil {
		return nil, fmt.Errorf("no image to detect regions in")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", b.Dx(), b.Dy())
	}
	width, height := float64(b.Dx()), float64(b.Dy())

	work := d.config.WorkSize
	if work <= 0 {
		work = DefaultSaliencyConfig().WorkSize
	}
	small := imaging.Fit(img, work, work, imaging.Box)
	sw, sh := small.Bounds().Dx(), small.Bounds().Dy()
	scaleX, scaleY := width/float64(sw), height/float64(sh)

	saliency := d.saliencyMap(small)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blobs := d.findBlobs(saliency, sw, sh)
	if len(blobs) == 0 {
		return d.fallback.Seed(width, height, requested), nil
	}

	kind := types.TypeUnknown
	if wantsCard(requested) {
		kind = types.TypeCard
	}

	regions := make([]types.Region, 0, len(blobs))
	for _, bl := range blobs {
		bw := float64(bl.maxX-bl.minX+1) * scaleX
		bh := float64(bl.maxY-bl.minY+1) * scaleY
		cx := float64(bl.minX)*scaleX + bw/2
		cy := float64(bl.minY)*scaleY + bh/2

		// grow the box to card proportions so the whole object stays inside
		ratio := geometry.CardRatioFor(bw, bh)
		if bw/bh > ratio {
			bh = bw / ratio
		} else {
			bw = bh * ratio
		}

		regions = append(regions, types.Region{
			ID:         uuid.NewString(),
			X:          cx - bw/2,
			Y:          cy - bh/2,
			Width:      bw,
			Height:     bh,
			Confidence: clamp(bl.mean(), 0, 1),
			Type:       kind,
		})
	}
	return regions, nil
}

// saliencyMap scores every pixel by its edge strength against its eight
// neighbours and by its Lab distance from the border colour
func (d *Saliency) saliencyMap(img *image.NRGBA) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	bg := borderColor(img)
	out := make([]float64, w*h)

	at := func(x, y int) colorful.Color {
		c := img.NRGBAAt(x, y)
		return colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := at(x, y)

			var edge float64
			var n int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					nc := at(nx, ny)
					edge += math.Sqrt(sq(c.R-nc.R)+sq(c.G-nc.G)+sq(c.B-nc.B)) / math.Sqrt(3)
					n++
				}
			}
			if n > 0 {
				edge /= float64(n)
			}

			dist := math.Min(1, c.DistanceLab(bg))
			out[y*w+x] = d.config.EdgeWeight*edge + d.config.ColorWeight*dist
		}
	}
	return out
}

// findBlobs labels connected salient pixels, drops the small ones and
// returns the rest largest first
func (d *Saliency) findBlobs(saliency []float64, w, h int) []blob {
	seen := make([]bool, len(saliency))
	minPixels := int(math.Ceil(d.config.MinSubjectRatio * float64(w*h)))
	var blobs []blob
	var stack []int

	for start := range saliency {
		if seen[start] || saliency[start] < d.config.Threshold {
			continue
		}
		bl := blob{minX: w, minY: h, maxX: -1, maxY: -1}
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			bl.minX, bl.maxX = min(bl.minX, x), max(bl.maxX, x)
			bl.minY, bl.maxY = min(bl.minY, y), max(bl.maxY, y)
			bl.pixels++
			bl.sum += saliency[i]

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if n[0] < 0 || n[1] < 0 || n[0] >= w || n[1] >= h {
					continue
				}
				j := n[1]*w + n[0]
				if !seen[j] && saliency[j] >= d.config.Threshold {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		if bl.pixels >= max(minPixels, 1) {
			blobs = append(blobs, bl)
		}
	}

	slices.SortStableFunc(blobs, func(a, b blob) int { return b.pixels - a.pixels })
	if d.config.MaxRegions > 0 && len(blobs) > d.config.MaxRegions {
		blobs = blobs[:d.config.MaxRegions]
	}
	return blobs
}

func borderColor(img *image.NRGBA) colorful.Color {
	b := img.Bounds()
	var r, g, bl, n float64
	add := func(x, y int) {
		c := img.NRGBAAt(x, y)
		r += float64(c.R)
		g += float64(c.G)
		bl += float64(c.B)
		n++
	}
	for x := b.Min.X; x < b.Max.X; x++ {
		add(x, b.Min.Y)
		add(x, b.Max.Y-1)
	}
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		add(b.Min.X, y)
		add(b.Max.X-1, y)
	}
	return colorful.Color{R: r / n / 255, G: g / n / 255, B: bl / n / 255}
}

func sq(v float64) float64 { return v * v }
