// Package editor is the interactive surface over one source image: region
// editing through screen-space pointer events, an overlay canvas, and
// extraction of every region into cropped assets.
package editor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"

	"github.com/menta2k/card-extractor/internal/metrics"
	"github.com/menta2k/card-extractor/pkg/cropper"
	"github.com/menta2k/card-extractor/pkg/detection"
	"github.com/menta2k/card-extractor/pkg/enhance"
	"github.com/menta2k/card-extractor/pkg/geometry"
	"github.com/menta2k/card-extractor/pkg/metadata"
	"github.com/menta2k/card-extractor/pkg/regions"
	"github.com/menta2k/card-extractor/pkg/types"
)

// HandleRadius is the grab distance of the resize handle in screen pixels
const HandleRadius = 10.0

// MinRegionSize is the smallest edge a drag can resize a region to
const MinRegionSize = 10.0

type dragMode int

const (
	dragNone dragMode = iota
	dragMove
	dragResize
	dragPan
)

type drag struct {
	mode     dragMode
	regionID string
	last     geometry.Point // screen space
}

// Session edits the regions of one image. It is safe for concurrent use;
// at most one pointer drag is active at a time.
type Session struct {
	mu         sync.Mutex
	source     image.Image
	sourceName string

	store    *regions.Store
	viewport *geometry.Viewport
	canvas   *Canvas
	drag     drag

	detector    detection.RegionDetector
	requested   []types.RegionType
	cropper     *cropper.Cropper
	enhancement enhance.Type
	enricher    *metadata.Enricher
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Session)

func WithDetector(d detection.RegionDetector) Option {
	return func(s *Session) { s.detector = d }
}

// WithRequestedTypes sets the region types asked of the detector
func WithRequestedTypes(t ...types.RegionType) Option {
	return func(s *Session) { s.requested = t }
}

func WithCropper(c *cropper.Cropper) Option {
	return func(s *Session) { s.cropper = c }
}

func WithEnhancement(t enhance.Type) Option {
	return func(s *Session) { s.enhancement = t }
}

// WithEnricher makes CropAll attach metadata to the assets it returns
func WithEnricher(e *metadata.Enricher) Option {
	return func(s *Session) { s.enricher = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession runs detection on src and seeds the region list with the result
func NewSession(ctx context.Context, src image.Image, sourceName string, opts ...Option) (*Session, error) {
	if src == nil {
		return nil, errors.New("no source image")
	}

	s := &Session{
		source:      src,
		sourceName:  sourceName,
		canvas:      NewCanvas(src),
		detector:    detection.NewHeuristic(),
		requested:   []types.RegionType{types.TypeCard},
		cropper:     cropper.New(),
		enhancement: enhance.Card,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = regions.New(s.canvas)
	s.viewport = geometry.NewViewport(s.canvas.Invalidate)

	seed, err := s.detector.Detect(ctx, src, s.requested)
	if err != nil {
		return nil, fmt.Errorf("detect regions: %w", err)
	}
	if err := s.store.Replace(seed); err != nil {
		return nil, fmt.Errorf("seed regions: %w", err)
	}

	s.logger.Debug("editor session ready", "source", sourceName, "regions", len(seed))
	return s, nil
}

func (s *Session) Canvas() *Canvas { return s.canvas }

func (s *Session) Source() image.Image { return s.source }

func (s *Session) AddRegion(opts ...regions.Option) (types.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Add(opts...)
}

func (s *Session) UpdateRegion(id string, patch regions.Patch) (types.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Update(id, patch)
}

func (s *Session) DeleteRegion(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drag.regionID == id {
		s.drag = drag{}
	}
	return s.store.Delete(id)
}

// Select selects id; an empty or unknown id clears the selection
func (s *Session) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Select(id)
}

func (s *Session) Selected() (types.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Selected()
}

func (s *Session) Regions() []types.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Regions()
}

// Rotate turns a region by delta degrees
func (s *Session) Rotate(id string, delta float64) (types.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.store.Get(id)
	if !ok {
		return types.Region{}, fmt.Errorf("%w: %s", regions.ErrRegionNotFound, id)
	}
	rot := r.Rotation + delta
	return s.store.Update(id, regions.Patch{Rotation: &rot})
}

// HitTest finds the topmost region under a screen point
func (s *Session) HitTest(screen geometry.Point) (types.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.HitTest(s.viewport.ScreenToImage(screen))
}

// ZoomAt zooms by factor keeping the screen point fixed
func (s *Session) ZoomAt(factor float64, screen geometry.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport.ZoomAt(factor, screen)
}

func (s *Session) Pan(dx, dy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport.Pan(dx, dy)
}

func (s *Session) ResetView() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport.Reset()
}

// ScreenToImage maps a screen point with the current view
func (s *Session) ScreenToImage(p geometry.Point) geometry.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport.ScreenToImage(p)
}

// PointerDown starts a drag. Grabbing the resize handle of the selected
// region resizes it, pressing on a region selects and moves it, and pressing
// on empty space clears the selection and pans the view.
func (s *Session) PointerDown(screen geometry.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.viewport.ScreenToImage(screen)
	radius := HandleRadius / s.viewport.Zoom()

	if sel, ok := s.store.Selected(); ok && handleAt(sel, p, radius) {
		s.drag = drag{mode: dragResize, regionID: sel.ID, last: screen}
		return
	}
	if r, ok := s.store.HitTest(p); ok {
		s.store.Select(r.ID)
		s.drag = drag{mode: dragMove, regionID: r.ID, last: screen}
		return
	}
	s.store.Select("")
	s.drag = drag{mode: dragPan, last: screen}
}

// PointerMove continues the active drag, if any
func (s *Session) PointerMove(screen geometry.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.drag
	if d.mode == dragNone {
		return nil
	}
	dxs, dys := screen.X-d.last.X, screen.Y-d.last.Y
	s.drag.last = screen
	if d.mode == dragPan {
		s.viewport.Pan(dxs, dys)
		return nil
	}

	r, ok := s.store.Get(d.regionID)
	if !ok {
		s.drag = drag{}
		return fmt.Errorf("%w: %s", regions.ErrRegionNotFound, d.regionID)
	}
	zoom := s.viewport.Zoom()
	dx, dy := dxs/zoom, dys/zoom

	var patch regions.Patch
	switch d.mode {
	case dragMove:
		x, y := r.X+dx, r.Y+dy
		patch = regions.Patch{X: &x, Y: &y}
	case dragResize:
		// project the pointer delta onto the region's own axes
		sin, cos := math.Sincos(r.Rotation * math.Pi / 180)
		w := math.Max(MinRegionSize, r.Width+dx*cos+dy*sin)
		h := math.Max(MinRegionSize, r.Height-dx*sin+dy*cos)
		if r.Type == types.TypeCard {
			size := geometry.Fit(w, h, geometry.CardRatioFor(r.Width, r.Height))
			w, h = size.Width, size.Height
			// grow uniformly so the short edge still meets the minimum
			if short := math.Min(w, h); short < MinRegionSize {
				scale := MinRegionSize / short
				w, h = w*scale, h*scale
			}
		}
		patch = regions.Patch{Width: &w, Height: &h}
	}
	_, err := s.store.Update(r.ID, patch)
	return err
}

// PointerUp ends the active drag
func (s *Session) PointerUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drag = drag{}
}

// CropAll extracts every region. Assets of regions that fail are omitted and
// their errors joined into the returned error; the remaining assets are
// still returned. With an enricher configured, metadata is attached before
// returning.
func (s *Session) CropAll(ctx context.Context) ([]types.CroppedAsset, error) {
	s.mu.Lock()
	list := s.store.Regions()
	s.mu.Unlock()

	var assets []types.CroppedAsset
	var errs []error
	for _, r := range list {
		if err := ctx.Err(); err != nil {
			return assets, err
		}
		res, err := s.cropper.Apply(r, s.source, s.sourceName, s.enhancement)
		if err != nil {
			s.logger.Warn("crop failed", "region_id", r.ID, "error", err)
			s.metrics.RecordCrop("error")
			errs = append(errs, err)
			continue
		}
		s.metrics.RecordCrop("ok")
		assets = append(assets, res.Asset(r))
	}

	if s.enricher != nil && len(assets) > 0 {
		enriched, err := s.enricher.EnrichAll(ctx, assets)
		assets = enriched
		if err != nil {
			errs = append(errs, err)
		}
	}
	return assets, errors.Join(errs...)
}
