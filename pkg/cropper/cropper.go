// Package cropper extracts a rotated region of a source image into its own
// losslessly encoded raster.
package cropper

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/menta2k/card-extractor/pkg/enhance"
	"github.com/menta2k/card-extractor/pkg/geometry"
	"github.com/menta2k/card-extractor/pkg/types"
)

// Format is the output encoding of a crop
type Format string

const (
	PNG  Format = "png"
	WebP Format = "webp"
)

// DefaultMaxPixels bounds the destination raster of a single crop
const DefaultMaxPixels = 100_000_000

// EncodeFunc writes img to w
type EncodeFunc func(w io.Writer, img image.Image) error

// Cropper turns regions into encoded images. It holds no per-crop state and
// is safe for concurrent use.
type Cropper struct {
	format    Format
	encode    EncodeFunc
	now       func() time.Time
	maxPixels int
}

type Option func(*Cropper)

// WithFormat selects the lossless output format
func WithFormat(f Format) Option {
	return func(c *Cropper) { c.format = f }
}

// WithEncoder replaces the encoder for the configured format
func WithEncoder(fn EncodeFunc) Option {
	return func(c *Cropper) { c.encode = fn }
}

// WithClock sets the time source used for filenames
func WithClock(now func() time.Time) Option {
	return func(c *Cropper) { c.now = now }
}

// WithMaxPixels caps the destination size; larger crops fail with a
// RenderContextError
func WithMaxPixels(n int) Option {
	return func(c *Cropper) { c.maxPixels = n }
}

func New(opts ...Option) *Cropper {
	c := &Cropper{
		format:    PNG,
		now:       time.Now,
		maxPixels: DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.format != WebP {
		c.format = PNG
	}
	if c.encode == nil {
		c.encode = encoderFor(c.format)
	}
	return c
}

// ParseFormat accepts "png" or "webp"; the empty string means PNG
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", PNG:
		return PNG, nil
	case WebP:
		return WebP, nil
	default:
		return "", fmt.Errorf("unsupported crop format %q", s)
	}
}

// Result is one finished crop
type Result struct {
	Image    *image.NRGBA
	Data     []byte
	Filename string
	MimeType string
	Width    int
	Height   int
}

// Apply extracts region from src. With enhance.Card the box is first refit to
// card proportions and the contrast enhancement is applied to the result.
// Nothing is returned alongside an error.
func (c *Cropper) Apply(region types.Region, src image.Image, sourceName string, enh enhance.Type) (*Result, error) {
	if src == nil {
		return nil, &RenderContextError{Reason: "no source image"}
	}
	if err := region.Validate(); err != nil {
		return nil, &GeometryError{RegionID: region.ID, Err: err}
	}

	w, h := region.Width, region.Height
	if enh == enhance.Card {
		size := geometry.Fit(w, h, geometry.CardRatioFor(w, h))
		w, h = size.Width, size.Height
	}

	dw, dh := int(math.Round(w)), int(math.Round(h))
	if dw < 1 || dh < 1 {
		return nil, &GeometryError{
			RegionID: region.ID,
			Err:      fmt.Errorf("%w: %gx%g rounds to an empty raster", types.ErrInvalidGeometry, w, h),
		}
	}
	if dw > c.maxPixels/dh {
		return nil, &RenderContextError{Width: dw, Height: dh, Reason: "raster exceeds pixel limit"}
	}

	dst, err := allocate(dw, dh)
	if err != nil {
		return nil, err
	}

	cx, cy := region.Center()
	origin := src.Bounds().Min
	rotation := math.Mod(region.Rotation, 360)

	if rotation == 0 {
		sp := image.Pt(int(math.Round(cx-w/2)), int(math.Round(cy-h/2))).Add(origin)
		xdraw.Draw(dst, dst.Bounds(), src, sp, xdraw.Src)
	} else {
		sin, cos := math.Sincos(rotation * math.Pi / 180)
		sx, sy := cx+float64(origin.X), cy+float64(origin.Y)
		dcx, dcy := float64(dw)/2, float64(dh)/2
		// source -> destination: rotate by -rotation about the region centre
		s2d := f64.Aff3{
			cos, sin, dcx - (cos*sx + sin*sy),
			-sin, cos, dcy - (-sin*sx + cos*sy),
		}
		xdraw.BiLinear.Transform(dst, s2d, src, src.Bounds(), xdraw.Src, nil)
	}

	enhance.Apply(dst, enh)

	var buf bytes.Buffer
	if err := c.encode(&buf, dst); err != nil {
		return nil, &EncodingError{Format: c.format, Err: err}
	}

	return &Result{
		Image:    dst,
		Data:     buf.Bytes(),
		Filename: c.filename(sourceName, enh),
		MimeType: "image/" + string(c.format),
		Width:    dw,
		Height:   dh,
	}, nil
}

// Asset packages a crop of region as a CroppedAsset
func (r *Result) Asset(region types.Region) types.CroppedAsset {
	return types.CroppedAsset{
		ID:       uuid.NewString(),
		RegionID: region.ID,
		Data:     r.Data,
		Filename: r.Filename,
		MimeType: r.MimeType,
		Width:    r.Width,
		Height:   r.Height,
		Tags:     types.MergeTags(nil, string(region.Type)),
		Metadata: types.AssetMetadata{
			Confidence:     region.Confidence,
			Type:           region.Type,
			OriginalBounds: region.Bounds(),
			Rotation:       region.Rotation,
		},
	}
}

func (c *Cropper) filename(sourceName string, enh enhance.Type) string {
	base := filepath.Base(sourceName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "image"
	}
	label := string(enh)
	if label == "" {
		label = string(enhance.None)
	}
	return fmt.Sprintf("%s_%s_%d.%s", base, label, c.now().UnixMilli(), c.format)
}

func allocate(w, h int) (img *image.NRGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = &RenderContextError{Width: w, Height: h, Reason: fmt.Sprint(r)}
		}
	}()
	return image.NewNRGBA(image.Rect(0, 0, w, h)), nil
}

func encoderFor(f Format) EncodeFunc {
	if f == WebP {
		return func(w io.Writer, img image.Image) error {
			return webp.Encode(w, img, &webp.Options{Lossless: true})
		}
	}
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	return enc.Encode
}
