// Package detection seeds crop regions for a source photo. Heuristic works from
// the image size alone, Saliency looks for objects standing out from the
// background, and VisionDetector asks a vision model where the card is. The
// latter two fall back to Heuristic when they find nothing usable.
package detection

import (
	"context"
	"image"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/menta2k/card-extractor/pkg/client"
	"github.com/menta2k/card-extractor/pkg/geometry"
	"github.com/menta2k/card-extractor/pkg/processing"
	"github.com/menta2k/card-extractor/pkg/types"
)

// DefaultPrompt asks the model for the bounding box of the dominant card
const DefaultPrompt = `You are a trading card locator.

Return JSON only:
{
  "primary": {
    "label": "card|ticket|program|autograph|none",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
    "cx": 0.0,
    "cy": 0.0
  },
  "description": "short neutral sentence (<= 20 words)",
  "tags": ["tag1", "tag2", "tag3"]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels).
- The box must tightly include the physical card or memorabilia item, including its border.
- If no card is visible, return label "none" with confidence 0.0.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// minModelConfidence is the lowest confidence at which a model box is trusted
const minModelConfidence = 0.3

// VisionDetector locates the primary card with a vision model
type VisionDetector struct {
	client    client.VisionClient
	model     string
	processor *processing.Processor
	fallback  *Heuristic
	logger    *slog.Logger
	sendSize  int
}

// NewVisionDetector creates a detector backed by a vision client
func NewVisionDetector(c client.VisionClient, model string, logger *slog.Logger) *VisionDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionDetector{
		client:    c,
		model:     model,
		processor: processing.NewProcessor(),
		fallback:  NewHeuristic(),
		logger:    logger,
		sendSize:  1536,
	}
}

// Detect implements RegionDetector. Model errors are logged and the
// heuristic seed is returned instead, so the result is never empty.
func (d *VisionDetector) Detect(ctx context.Context, img image.Image, requested []types.RegionType) ([]types.Region, error) {
	seed, err := d.fallback.Detect(ctx, img, requested)
	if err != nil {
		return nil, err
	}
	if !wantsCard(requested) {
		return seed, nil
	}

	imgB64, err := d.processor.PrepareImageForModel(img, "jpg", d.sendSize, 85)
	if err != nil {
		d.logger.Warn("vision detection skipped", "error", err)
		return seed, nil
	}

	result, err := d.client.AnalyzeImage(ctx, d.model, DefaultPrompt, imgB64)
	if err != nil {
		d.logger.Warn("vision detection failed, using heuristic seed", "error", err)
		return seed, nil
	}

	region, ok := regionFromResult(result, img.Bounds())
	if !ok {
		d.logger.Info("vision model found no card, using heuristic seed", "label", result.Primary.Label)
		return seed, nil
	}
	return []types.Region{region}, nil
}

// regionFromResult converts the model's normalized box into a card region
func regionFromResult(result *types.AnalysisResult, bounds image.Rectangle) (types.Region, bool) {
	if result == nil {
		return types.Region{}, false
	}
	label := strings.ToLower(strings.TrimSpace(result.Primary.Label))
	if label == "" || label == "none" || result.Primary.Confidence < minModelConfidence {
		return types.Region{}, false
	}

	box := normalizeBox(result.Primary.Box)
	if box.W <= 0 || box.H <= 0 {
		return types.Region{}, false
	}

	imgW, imgH := float64(bounds.Dx()), float64(bounds.Dy())
	w, h := box.W*imgW, box.H*imgH
	size := geometry.Fit(w, h, geometry.CardRatioFor(w, h))
	cx, cy := (box.X+box.W/2)*imgW, (box.Y+box.H/2)*imgH

	t, err := types.ParseRegionType(label)
	if err != nil {
		t = types.TypeCard
	}

	return types.Region{
		ID:         uuid.NewString(),
		X:          cx - size.Width/2,
		Y:          cy - size.Height/2,
		Width:      size.Width,
		Height:     size.Height,
		Confidence: clamp(result.Primary.Confidence, 0, 1),
		Type:       t,
	}, true
}

func wantsCard(requested []types.RegionType) bool {
	for _, t := range requested {
		if t == types.TypeCard {
			return true
		}
	}
	return false
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// normalizeBox keeps box coordinates inside [0,1]
func normalizeBox(b types.Box) types.Box {
	x, y := clamp(b.X, 0, 1), clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}
