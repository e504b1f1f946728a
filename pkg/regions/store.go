// Package regions keeps the ordered, user-editable collection of crop regions
// for one source image. Slice order is z-order: later regions sit on top.
package regions

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/menta2k/card-extractor/pkg/geometry"
	"github.com/menta2k/card-extractor/pkg/types"
)

// ErrRegionNotFound is returned when an id does not name a stored region
var ErrRegionNotFound = errors.New("region not found")

// ErrDuplicateID is returned when a caller-supplied id is already in use
var ErrDuplicateID = errors.New("region id already in use")

// Default box used by Add when no bounds are given
const (
	DefaultX      = 50.0
	DefaultY      = 50.0
	DefaultWidth  = 250.0
	DefaultHeight = 350.0
)

// Renderer receives the complete region list after every mutation.
// Implementations must clear and redraw everything they show.
type Renderer interface {
	Redraw(regions []types.Region, selectedID string)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(regions []types.Region, selectedID string)

// Redraw calls f
func (f RendererFunc) Redraw(regions []types.Region, selectedID string) { f(regions, selectedID) }

// Store is the authoritative list of regions plus the current selection
type Store struct {
	mu       sync.Mutex
	regions  []types.Region
	selected string
	renderer Renderer
	colors   int
}

// New creates an empty store. renderer may be nil.
func New(renderer Renderer) *Store {
	return &Store{renderer: renderer}
}

// Option customizes a region created by Add
type Option func(*types.Region)

// WithBounds places the new region at an explicit box
func WithBounds(x, y, width, height float64) Option {
	return func(r *types.Region) {
		r.X, r.Y, r.Width, r.Height = x, y, width, height
	}
}

// WithType sets the region type
func WithType(t types.RegionType) Option {
	return func(r *types.Region) { r.Type = t }
}

// WithConfidence sets the detection confidence
func WithConfidence(c float64) Option {
	return func(r *types.Region) { r.Confidence = c }
}

// WithRotation sets the rotation in degrees
func WithRotation(deg float64) Option {
	return func(r *types.Region) { r.Rotation = deg }
}

// WithID overrides the generated id
func WithID(id string) Option {
	return func(r *types.Region) { r.ID = id }
}

// Add appends a new region on top of all others and returns it.
// Without options the region is a card-shaped box at the default anchor.
func (s *Store) Add(opts ...Option) (types.Region, error) {
	size := geometry.Fit(DefaultWidth, DefaultHeight, geometry.CardRatio)
	r := types.Region{
		ID:         uuid.NewString(),
		X:          DefaultX,
		Y:          DefaultY,
		Width:      size.Width,
		Height:     size.Height,
		Confidence: 1,
		Type:       types.TypeCard,
	}
	for _, opt := range opts {
		opt(&r)
	}
	if err := r.Validate(); err != nil {
		return types.Region{}, err
	}

	s.mu.Lock()
	if s.indexOf(r.ID) >= 0 {
		s.mu.Unlock()
		return types.Region{}, fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}
	if r.Color == "" {
		r.Color = s.nextColor()
	}
	s.regions = append(s.regions, r)
	s.mu.Unlock()

	s.redraw()
	return r, nil
}

// Replace discards every region and installs the given ones, e.g. detector
// seeds. Selection is cleared.
func (s *Store) Replace(seed []types.Region) error {
	next := make([]types.Region, 0, len(seed))
	seen := make(map[string]bool, len(seed))
	for _, r := range seed {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("region %s: %w", r.ID, err)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = true
		next = append(next, r)
	}

	s.mu.Lock()
	for i := range next {
		if next[i].Color == "" {
			next[i].Color = s.nextColor()
		}
	}
	s.regions = next
	s.selected = ""
	s.mu.Unlock()

	s.redraw()
	return nil
}

// Patch lists the fields Update should change; nil fields are left alone
type Patch struct {
	X          *float64
	Y          *float64
	Width      *float64
	Height     *float64
	Rotation   *float64
	Confidence *float64
	Type       *types.RegionType
	Color      *string
}

// Update applies patch to the region with the given id. A patch that would
// leave a degenerate box is rejected and nothing changes.
func (s *Store) Update(id string, patch Patch) (types.Region, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return types.Region{}, fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}

	r := s.regions[i]
	setFloat(&r.X, patch.X)
	setFloat(&r.Y, patch.Y)
	setFloat(&r.Width, patch.Width)
	setFloat(&r.Height, patch.Height)
	setFloat(&r.Confidence, patch.Confidence)
	if patch.Rotation != nil {
		r.Rotation = normalizeDegrees(*patch.Rotation)
	}
	if patch.Type != nil {
		r.Type = *patch.Type
	}
	if patch.Color != nil {
		r.Color = *patch.Color
	}
	if err := r.Validate(); err != nil {
		s.mu.Unlock()
		return types.Region{}, err
	}
	s.regions[i] = r
	s.mu.Unlock()

	s.redraw()
	return r, nil
}

// Delete removes the region. Deleting the selected region clears selection.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}
	s.regions = append(s.regions[:i], s.regions[i+1:]...)
	if s.selected == id {
		s.selected = ""
	}
	s.mu.Unlock()

	s.redraw()
	return nil
}

// Select marks one region as selected. An empty or unknown id clears the selection.
func (s *Store) Select(id string) {
	s.mu.Lock()
	if s.indexOf(id) >= 0 {
		s.selected = id
	} else {
		s.selected = ""
	}
	s.mu.Unlock()

	s.redraw()
}

// Selected returns the selected region, if any
func (s *Store) Selected() (types.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(s.selected); i >= 0 {
		return s.regions[i], true
	}
	return types.Region{}, false
}

// Get returns a region by id
func (s *Store) Get(id string) (types.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.regions[i], true
	}
	return types.Region{}, false
}

// HitTest returns the topmost region whose axis-aligned bounds contain the
// image-space point. When regions overlap the most recently added one wins.
func (s *Store) HitTest(p geometry.Point) (types.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.regions) - 1; i >= 0; i-- {
		if s.regions[i].Contains(p.X, p.Y) {
			return s.regions[i], true
		}
	}
	return types.Region{}, false
}

// Regions returns a copy of all regions in z-order
func (s *Store) Regions() []types.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Len returns the number of regions
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions)
}

func (s *Store) redraw() {
	if s.renderer == nil {
		return
	}
	s.mu.Lock()
	regions, selected := s.snapshot(), s.selected
	s.mu.Unlock()
	s.renderer.Redraw(regions, selected)
}

func (s *Store) snapshot() []types.Region {
	out := make([]types.Region, len(s.regions))
	copy(out, s.regions)
	return out
}

func (s *Store) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.regions {
		if s.regions[i].ID == id {
			return i
		}
	}
	return -1
}

// nextColor hands out well separated hues using the golden angle
func (s *Store) nextColor() string {
	hue := math.Mod(float64(s.colors)*137.508, 360)
	s.colors++
	return colorful.Hsv(hue, 0.75, 0.95).Hex()
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
