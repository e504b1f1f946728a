// Package client defines the transport-neutral contract for vision model
// backends. The ollama and llamacpp packages implement it.
package client

import (
	"context"

	"github.com/menta2k/card-extractor/pkg/types"
)

// VisionClient sends one image plus a prompt to a vision model
type VisionClient interface {
	// SimpleQuery returns the raw text answer
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// AnalyzeImage expects a subject-location JSON answer
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}
