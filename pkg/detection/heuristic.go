package detection

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/google/uuid"

	"github.com/menta2k/card-extractor/pkg/geometry"
	"github.com/menta2k/card-extractor/pkg/types"
)

// Seed parameters of the heuristic detector
const (
	CardCoverage       = 0.8
	CardConfidence     = 0.85
	FallbackCoverage   = 0.5
	FallbackConfidence = 0.7
)

// RegionDetector produces the initial crop regions for a source image.
// Implementations must return at least one region whenever TypeCard is
// requested or nothing else was found.
type RegionDetector interface {
	Detect(ctx context.Context, img image.Image, requested []types.RegionType) ([]types.Region, error)
}

// Heuristic seeds regions purely from the image dimensions. It does not look
// at pixels and is meant to be replaced by a real detector.
type Heuristic struct{}

// NewHeuristic creates the dimension-based detector
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Detect implements RegionDetector
func (h *Heuristic) Detect(ctx context.Context, img image.Image, requested []types.RegionType) ([]types.Region, error) {
	if img == nil {
		return nil, fmt.Errorf("no image to detect regions in")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", b.Dx(), b.Dy())
	}
	return h.Seed(float64(b.Dx()), float64(b.Dy()), requested), nil
}

// Seed computes regions for an image of the given size
func (h *Heuristic) Seed(width, height float64, requested []types.RegionType) []types.Region {
	ratio := geometry.CardRatioFor(width, height)
	var regions []types.Region
	seen := make(map[types.RegionType]bool, len(requested))

	for _, t := range requested {
		if seen[t] {
			continue
		}
		seen[t] = true
		switch t {
		case types.TypeCard:
			maxDimension := math.Min(width, height) * CardCoverage
			size := geometry.Fit(maxDimension, maxDimension, ratio)
			regions = append(regions, centered(width, height, size, CardConfidence, types.TypeCard))
		}
	}

	if len(regions) == 0 {
		size := geometry.Fit(width*FallbackCoverage, height*FallbackCoverage, ratio)
		regions = append(regions, centered(width, height, size, FallbackConfidence, types.TypeUnknown))
	}
	return regions
}

func centered(width, height float64, size geometry.Size, confidence float64, t types.RegionType) types.Region {
	return types.Region{
		ID:         uuid.NewString(),
		X:          (width - size.Width) / 2,
		Y:          (height - size.Height) / 2,
		Width:      size.Width,
		Height:     size.Height,
		Confidence: confidence,
		Type:       t,
	}
}
