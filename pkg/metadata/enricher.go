package metadata

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/card-extractor/internal/metrics"
	"github.com/menta2k/card-extractor/pkg/processing"
	"github.com/menta2k/card-extractor/pkg/types"
)

// DefaultConcurrency is the number of extractions run at once
const DefaultConcurrency = 4

// Enricher attaches extractor output to cropped assets
type Enricher struct {
	extractor   Extractor
	logger      *slog.Logger
	metrics     *metrics.Metrics
	processor   *processing.Processor
	concurrency int
}

type EnricherOption func(*Enricher)

func WithLogger(l *slog.Logger) EnricherOption {
	return func(e *Enricher) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) EnricherOption {
	return func(e *Enricher) { e.metrics = m }
}

func WithConcurrency(n int) EnricherOption {
	return func(e *Enricher) { e.concurrency = n }
}

func NewEnricher(ex Extractor, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		extractor:   ex,
		logger:      slog.Default(),
		processor:   processing.NewProcessor(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	return e
}

// Enrich runs the extractor on one asset and merges the answer into it. The
// asset is left untouched when extraction fails or finds nothing.
func (e *Enricher) Enrich(ctx context.Context, asset *types.CroppedAsset) error {
	img, err := e.processor.DecodeBytes(asset.Data)
	if err != nil {
		return fmt.Errorf("asset %s: %w", asset.ID, err)
	}
	return e.enrichImage(ctx, asset, img)
}

func (e *Enricher) enrichImage(ctx context.Context, asset *types.CroppedAsset, img image.Image) error {
	md, err := e.extractor.Extract(ctx, img)
	if err != nil {
		return fmt.Errorf("asset %s: %w", asset.ID, err)
	}
	if md == nil {
		return nil
	}
	Apply(asset, md)
	return nil
}

// EnrichAll enriches a copy of every asset concurrently. The result always
// has one entry per input, in input order; failures are logged and counted
// and leave that asset without detected metadata. The only error returned is
// the context's.
func (e *Enricher) EnrichAll(ctx context.Context, assets []types.CroppedAsset) ([]types.CroppedAsset, error) {
	out := make([]types.CroppedAsset, len(assets))
	copy(out, assets)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i := range out {
		asset := &out[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			before := asset.Metadata.Detected
			if err := e.Enrich(gctx, asset); err != nil {
				e.logger.Warn("metadata extraction failed", "asset_id", asset.ID, "region_id", asset.RegionID, "error", err)
				e.metrics.RecordEnrichment("error")
				return nil
			}
			if asset.Metadata.Detected == before {
				e.metrics.RecordEnrichment("empty")
				return nil
			}
			e.metrics.RecordEnrichment("ok")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}

// Apply merges md into asset: the metadata is attached, its tags plus sport
// and manufacturer are added, and an empty title gets a suggestion.
func Apply(asset *types.CroppedAsset, md *types.DetectedMetadata) {
	asset.Metadata.Detected = md
	asset.AddTags(md.Tags...)
	asset.AddTags(md.Sport, md.Manufacturer)
	if asset.Title == "" {
		asset.SetTitle(SuggestTitle(md))
	}
}

// SuggestTitle builds a catalogue style title such as
// "1989 Upper Deck Ken Griffey Jr. #1". It falls back to the first line of
// the recognised text.
func SuggestTitle(md *types.DetectedMetadata) string {
	if md == nil {
		return ""
	}

	var parts []string
	for _, p := range []string{md.Year, md.Manufacturer, md.SetName, md.Player} {
		if p = strings.TrimSpace(p); p != "" && !containsFold(parts, p) {
			parts = append(parts, p)
		}
	}
	if n := strings.TrimPrefix(strings.TrimSpace(md.CardNumber), "#"); n != "" {
		parts = append(parts, "#"+n)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}

	line, _, _ := strings.Cut(strings.TrimSpace(md.Text), "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > 60 {
		line = strings.TrimSpace(string(r[:60]))
	}
	return line
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
