package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidGeometry is returned for regions with non-finite fields or a
// zero or negative width or height
var ErrInvalidGeometry = errors.New("invalid region geometry")

// RegionType classifies what a crop region is expected to contain
type RegionType string

const (
	TypeSingle    RegionType = "single"
	TypeMulti     RegionType = "multi"
	TypeCard      RegionType = "card"
	TypeTicket    RegionType = "ticket"
	TypeProgram   RegionType = "program"
	TypeAutograph RegionType = "autograph"
	TypeFace      RegionType = "face"
	TypeUnknown   RegionType = "unknown"
	TypeGroup     RegionType = "group"
)

// ParseRegionType maps a user supplied name onto a known RegionType
func ParseRegionType(s string) (RegionType, error) {
	t := RegionType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeSingle, TypeMulti, TypeCard, TypeTicket, TypeProgram,
		TypeAutograph, TypeFace, TypeUnknown, TypeGroup:
		return t, nil
	}
	return "", fmt.Errorf("unknown region type %q", s)
}

// Region is a rotated rectangle in image space describing one area to extract.
// X/Y is the top-left corner of the unrotated box; Rotation is in degrees
// around the box centre.
type Region struct {
	ID         string     `json:"id"`
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
	Width      float64    `json:"width"`
	Height     float64    `json:"height"`
	Rotation   float64    `json:"rotation"`
	Confidence float64    `json:"confidence"`
	Type       RegionType `json:"type"`
	Color      string     `json:"color"`
}

// Validate reports ErrInvalidGeometry when the box is degenerate or any of
// its coordinates is NaN or infinite
func (r Region) Validate() error {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height, r.Rotation} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value in %+v", ErrInvalidGeometry, r.Bounds())
		}
	}
	if !(r.Width > 0) || !(r.Height > 0) {
		return fmt.Errorf("%w: %gx%g", ErrInvalidGeometry, r.Width, r.Height)
	}
	return nil
}

// Center returns the centre of the region
func (r Region) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Contains reports whether the point lies inside the axis-aligned bounds
func (r Region) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// Bounds returns the raw box of the region
func (r Region) Bounds() Bounds {
	return Bounds{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

// Bounds is an axis-aligned pixel rectangle
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectedMetadata is the descriptive information a metadata extractor returns
// for a single card image. Optional fields are left empty when unknown.
type DetectedMetadata struct {
	Text         string   `json:"text"`
	Tags         []string `json:"tags"`
	Confidence   float64  `json:"confidence"`
	Player       string   `json:"player,omitempty"`
	Team         string   `json:"team,omitempty"`
	Year         string   `json:"year,omitempty"`
	Position     string   `json:"position,omitempty"`
	Sport        string   `json:"sport,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Condition    string   `json:"condition,omitempty"`
	CardNumber   string   `json:"card_number,omitempty"`
	SetName      string   `json:"set_name,omitempty"`
}

// AssetMetadata describes where a cropped asset came from
type AssetMetadata struct {
	Confidence     float64           `json:"confidence"`
	Type           RegionType        `json:"type"`
	OriginalBounds Bounds            `json:"original_bounds"`
	Rotation       float64           `json:"rotation"`
	Detected       *DetectedMetadata `json:"detected,omitempty"`
}

// CroppedAsset is one extracted card image plus its descriptive data.
// Only Title and Tags may change after the asset is produced.
type CroppedAsset struct {
	ID       string        `json:"id"`
	RegionID string        `json:"region_id"`
	Data     []byte        `json:"-"`
	Filename string        `json:"filename"`
	MimeType string        `json:"mime_type"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Title    string        `json:"title"`
	Tags     []string      `json:"tags"`
	Metadata AssetMetadata `json:"metadata"`
}

// SetTitle replaces the suggested title
func (a *CroppedAsset) SetTitle(title string) {
	a.Title = strings.TrimSpace(title)
}

// AddTags appends tags that are not present yet, keeping first-seen order
func (a *CroppedAsset) AddTags(tags ...string) {
	a.Tags = MergeTags(a.Tags, tags...)
}

// RemoveTag drops a tag if present
func (a *CroppedAsset) RemoveTag(tag string) {
	tag = normalizeTag(tag)
	out := a.Tags[:0]
	for _, t := range a.Tags {
		if t != tag {
			out = append(out, t)
		}
	}
	a.Tags = out
}

// MergeTags returns base extended with the normalized extra tags, without duplicates
func MergeTags(base []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, t := range list {
			t = normalizeTag(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Primary represents the primary subject a vision model located in an image
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Cx         float64 `json:"cx"`
	Cy         float64 `json:"cy"`
}

// AnalysisResult contains the subject-location answer from a vision model
type AnalysisResult struct {
	Primary     Primary  `json:"primary"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}
