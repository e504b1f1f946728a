// Package metadata describes extracted card images. The recognition model is
// a black box behind Extractor; Enricher attaches its answers to assets.
package metadata

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/menta2k/card-extractor/pkg/client"
	"github.com/menta2k/card-extractor/pkg/modeljson"
	"github.com/menta2k/card-extractor/pkg/processing"
	"github.com/menta2k/card-extractor/pkg/types"
)

// Extractor returns descriptive metadata for one card image. A nil result
// with a nil error means nothing could be recognised.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) (*types.DetectedMetadata, error)
}

// Static always answers with the same metadata
type Static struct {
	Result types.DetectedMetadata
}

func (s Static) Extract(ctx context.Context, img image.Image) (*types.DetectedMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	md := s.Result
	md.Tags = append([]string(nil), s.Result.Tags...)
	return &md, nil
}

// DefaultPrompt asks for the DetectedMetadata shape
const DefaultPrompt = `You are a sports memorabilia cataloguer. Look at this single card or item and reply with ONLY a JSON object:
{
  "text": "all legible printed text",
  "tags": ["short", "lowercase", "keywords"],
  "confidence": 0.0,
  "player": "", "team": "", "year": "", "position": "", "sport": "",
  "manufacturer": "", "condition": "", "card_number": "", "set_name": ""
}
Leave a field empty when it is not visible. confidence is 0..1.`

// VisionExtractor asks a vision model for metadata
type VisionExtractor struct {
	client    client.VisionClient
	model     string
	prompt    string
	processor *processing.Processor
	maxDim    int
}

func NewVisionExtractor(c client.VisionClient, model string) *VisionExtractor {
	return &VisionExtractor{
		client:    c,
		model:     model,
		prompt:    DefaultPrompt,
		processor: processing.NewProcessor(),
		maxDim:    1024,
	}
}

// WithPrompt replaces the default prompt
func (v *VisionExtractor) WithPrompt(prompt string) *VisionExtractor {
	v.prompt = prompt
	return v
}

func (v *VisionExtractor) Extract(ctx context.Context, img image.Image) (*types.DetectedMetadata, error) {
	b64, err := v.processor.PrepareImageForModel(img, "jpg", v.maxDim, 90)
	if err != nil {
		return nil, fmt.Errorf("prepare image: %w", err)
	}

	answer, err := v.client.SimpleQuery(ctx, v.model, v.prompt, b64)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", v.model, err)
	}

	var md types.DetectedMetadata
	if err := modeljson.Decode(answer, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	md.Tags = types.MergeTags(nil, md.Tags...)
	md.Confidence = math.Max(0, math.Min(1, md.Confidence))
	return &md, nil
}
