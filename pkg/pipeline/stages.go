package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/effect"
	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/menta2k/card-extractor/pkg/detection"
	"github.com/menta2k/card-extractor/pkg/types"
)

// stageSet holds the built-in stage implementations
type stageSet struct {
	cfg      Config
	detector detection.RegionDetector
}

func (s *stageSet) funcs() map[StageName]StageFunc {
	return map[StageName]StageFunc{
		StageEnhanceQuality:     s.enhanceQuality,
		StageRemoveBackground:   s.removeBackground,
		StageDetectObjects:      s.detectObjects,
		StageOptimizeForWeb:     s.optimizeForWeb,
		StageGenerateThumbnails: s.generateThumbnails,
	}
}

func (s *stageSet) enhanceQuality(ctx context.Context, in *Artifact) (*Artifact, error) {
	img := effect.Sharpen(in.Image)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img = adjust.Saturation(img, s.cfg.SaturationBoost)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := in.clone()
	out.Image = imaging.AdjustContrast(img, s.cfg.ContrastBoost)
	out.Encoded, out.MimeType = nil, ""
	return out, nil
}

// removeBackground keys out pixels close to the average border colour in
// CIE Lab space. Distances are looked up per 15-bit colour.
func (s *stageSet) removeBackground(ctx context.Context, in *Artifact) (*Artifact, error) {
	src := imaging.Clone(in.Image)
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	bg := borderColor(src)
	tol := s.cfg.BackgroundTolerance
	var alphaLUT [1 << 15]uint8
	var known [1 << 15]bool

	for y := b.Min.Y; y < b.Max.Y; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i := src.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			px := src.Pix[i : i+4 : i+4]
			key := int(px[0]>>3)<<10 | int(px[1]>>3)<<5 | int(px[2]>>3)
			if !known[key] {
				c := colorful.Color{
					R: (float64(px[0]&^7) + 4) / 255,
					G: (float64(px[1]&^7) + 4) / 255,
					B: (float64(px[2]&^7) + 4) / 255,
				}
				alphaLUT[key] = keyAlpha(c.DistanceLab(bg), tol)
				known[key] = true
			}
			if a := alphaLUT[key]; a < px[3] {
				px[3] = a
			}
			i += 4
		}
	}

	out := in.clone()
	out.Image = src
	out.Encoded, out.MimeType = nil, ""
	return out, nil
}

// keyAlpha is transparent inside tol, opaque beyond 1.5*tol and ramps between
func keyAlpha(dist, tol float64) uint8 {
	switch {
	case dist <= tol:
		return 0
	case dist >= tol*1.5:
		return 255
	default:
		return uint8((dist - tol) / (tol * 0.5) * 255)
	}
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
	for y := b.Min.Y; y < b.Max.Y; y++ {
		add(b.Min.X, y)
		add(b.Max.X-1, y)
	}
	return colorful.Color{R: r / n / 255, G: g / n / 255, B: bl / n / 255}
}

func (s *stageSet) detectObjects(ctx context.Context, in *Artifact) (*Artifact, error) {
	regions, err := s.detector.Detect(ctx, in.Image, []types.RegionType{types.TypeCard})
	if err != nil {
		return nil, err
	}
	out := in.clone()
	out.Regions = regions
	return out, nil
}

func (s *stageSet) optimizeForWeb(ctx context.Context, in *Artifact) (*Artifact, error) {
	img := in.Image
	if limit := s.cfg.WebMaxDimension; limit > 0 {
		if b := img.Bounds(); b.Dx() > limit || b.Dy() > limit {
			img = imaging.Fit(img, limit, limit, imaging.Lanczos)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(s.cfg.WebQuality)}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}

	out := in.clone()
	out.Image = img
	out.Encoded = buf.Bytes()
	out.MimeType = "image/webp"
	return out, nil
}

func (s *stageSet) generateThumbnails(ctx context.Context, in *Artifact) (*Artifact, error) {
	size := s.cfg.ThumbnailSize
	out := in.clone()
	out.Thumbnail = imaging.Fit(in.Image, size, size, imaging.Lanczos)
	return out, nil
}

func hasAlpha(img image.Image) bool {
	switch m := img.(type) {
	case *image.NRGBA:
		for i := 3; i < len(m.Pix); i += 4 {
			if m.Pix[i] != 0xff {
				return true
			}
		}
		return false
	case *image.YCbCr, *image.Gray:
		return false
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}
