// Package cardextractor turns photographs of trading cards and memorabilia
// into individually cropped, enhanced card images with descriptive metadata.
//
// Basic usage:
//
//	ex := cardextractor.New()
//	assets, err := ex.ExtractFile(ctx, "binder_page.jpg")
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, a := range assets {
//		os.WriteFile(a.Filename, a.Data, 0o644)
//	}
//
// The package wires together the building blocks under pkg/:
//
//  1. detection: seeds one region per card found in the photo
//  2. editor: the editable region list, pointer handling and overlay canvas
//  3. cropper and enhance: rotation-aware extraction and the card contrast boost
//  4. metadata: optional vision-model enrichment of every asset
//  5. pipeline: whole-image enhancement jobs with progress events
//
// Interactive callers use OpenSession and drive the returned editor.Session
// directly; batch callers use ExtractImage or ExtractFile.
package cardextractor

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/menta2k/card-extractor/internal/metrics"
	"github.com/menta2k/card-extractor/pkg/cropper"
	"github.com/menta2k/card-extractor/pkg/detection"
	"github.com/menta2k/card-extractor/pkg/editor"
	"github.com/menta2k/card-extractor/pkg/enhance"
	"github.com/menta2k/card-extractor/pkg/metadata"
	"github.com/menta2k/card-extractor/pkg/processing"
	"github.com/menta2k/card-extractor/pkg/types"
)

// Version of the card extractor library
const Version = "2.0.0"

// Extractor provides a high-level interface for card extraction
type Extractor struct {
	detector    detection.RegionDetector
	requested   []types.RegionType
	cropper     *cropper.Cropper
	enhancement enhance.Type
	enricher    *metadata.Enricher
	processor   *processing.Processor
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Extractor)

func WithDetector(d detection.RegionDetector) Option {
	return func(e *Extractor) { e.detector = d }
}

func WithRequestedTypes(t ...types.RegionType) Option {
	return func(e *Extractor) { e.requested = t }
}

func WithCropper(c *cropper.Cropper) Option {
	return func(e *Extractor) { e.cropper = c }
}

func WithEnhancement(t enhance.Type) Option {
	return func(e *Extractor) { e.enhancement = t }
}

// WithEnricher attaches metadata to every extracted asset
func WithEnricher(en *metadata.Enricher) Option {
	return func(e *Extractor) { e.enricher = en }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// New creates an Extractor. Without options it uses the saliency detector,
// PNG crops with the card enhancement and no metadata enrichment.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		detector:    detection.NewSaliency(),
		requested:   []types.RegionType{types.TypeCard},
		cropper:     cropper.New(),
		enhancement: enhance.Card,
		processor:   processing.NewProcessor(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenSession detects regions in img and returns an editing session for it
func (e *Extractor) OpenSession(ctx context.Context, img image.Image, sourceName string) (*editor.Session, error) {
	opts := []editor.Option{
		editor.WithDetector(e.detector),
		editor.WithRequestedTypes(e.requested...),
		editor.WithCropper(e.cropper),
		editor.WithEnhancement(e.enhancement),
		editor.WithLogger(e.logger),
		editor.WithMetrics(e.metrics),
	}
	if e.enricher != nil {
		opts = append(opts, editor.WithEnricher(e.enricher))
	}
	return editor.NewSession(ctx, img, sourceName, opts...)
}

// ExtractImage crops every detected region of img without manual edits.
// On partial failure the successful assets are returned with the error.
func (e *Extractor) ExtractImage(ctx context.Context, img image.Image, sourceName string) ([]types.CroppedAsset, error) {
	session, err := e.OpenSession(ctx, img, sourceName)
	if err != nil {
		return nil, err
	}
	return session.CropAll(ctx)
}

// ExtractFile loads a local path or http(s) URL and extracts it
func (e *Extractor) ExtractFile(ctx context.Context, source string) ([]types.CroppedAsset, error) {
	img, err := e.processor.LoadImageSmart(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	return e.ExtractImage(ctx, img, filepath.Base(source))
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
