package metadata

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/card-extractor/internal/metrics"
	"github.com/menta2k/card-extractor/pkg/types"
)

func pngAsset(t *testing.T, id string, shade uint8) types.CroppedAsset {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 6))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = shade, shade, shade, 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return types.CroppedAsset{ID: id, RegionID: "r-" + id, Data: buf.Bytes(), Tags: []string{"card"}}
}

// shadeExtractor fails on dark images and finds nothing on mid-grey ones
type shadeExtractor struct {
	calls atomic.Int32
}

func (s *shadeExtractor) Extract(ctx context.Context, img image.Image) (*types.DetectedMetadata, error) {
	s.calls.Add(1)
	r, _, _, _ := img.At(0, 0).RGBA()
	switch shade := uint8(r >> 8); {
	case shade < 50:
		return nil, errors.New("model unavailable")
	case shade < 150:
		return nil, nil
	default:
		return &types.DetectedMetadata{Player: "Ken Griffey Jr.", Year: "1989", Manufacturer: "Upper Deck", CardNumber: "1", Sport: "Baseball", Tags: []string{"Rookie"}}, nil
	}
}

func TestStatic(t *testing.T) {
	s := Static{Result: types.DetectedMetadata{Text: "hello", Tags: []string{"a"}}}
	md, err := s.Extract(context.Background(), image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	require.NoError(t, err)
	md.Tags[0] = "changed"
	assert.Equal(t, "a", s.Result.Tags[0], "result must be a copy")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Extract(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnrichAllKeepsEveryAsset(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	ex := &shadeExtractor{}
	e := NewEnricher(ex, WithMetrics(m), WithConcurrency(2))

	in := []types.CroppedAsset{
		pngAsset(t, "bright", 220),
		pngAsset(t, "dark", 10),
		pngAsset(t, "grey", 100),
		{ID: "corrupt", Data: []byte("garbage")},
	}

	out, err := e.EnrichAll(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, "bright", out[0].ID)
	require.NotNil(t, out[0].Metadata.Detected)
	assert.Equal(t, "Ken Griffey Jr.", out[0].Metadata.Detected.Player)
	assert.Equal(t, []string{"card", "rookie", "baseball", "upper deck"}, out[0].Tags)
	assert.Equal(t, "1989 Upper Deck Ken Griffey Jr. #1", out[0].Title)

	for _, a := range out[1:] {
		assert.Nil(t, a.Metadata.Detected, a.ID)
		assert.Empty(t, a.Title, a.ID)
	}

	assert.Nil(t, in[0].Metadata.Detected, "input slice must not be modified")
	assert.Equal(t, int32(3), ex.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnrichmentsTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EnrichmentsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnrichmentsTotal.WithLabelValues("empty")))
}

func TestEnrichAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := NewEnricher(&shadeExtractor{}).EnrichAll(ctx, []types.CroppedAsset{pngAsset(t, "a", 220)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, out, 1)
}

func TestEnrichKeepsUserTitle(t *testing.T) {
	asset := pngAsset(t, "a", 220)
	asset.SetTitle("My favourite card")

	require.NoError(t, NewEnricher(&shadeExtractor{}).Enrich(context.Background(), &asset))
	assert.Equal(t, "My favourite card", asset.Title)
	assert.NotNil(t, asset.Metadata.Detected)
}

func TestSuggestTitle(t *testing.T) {
	tests := []struct {
		name string
		md   *types.DetectedMetadata
		want string
	}{
		{"nil", nil, ""},
		{"full", &types.DetectedMetadata{Year: "1993", Manufacturer: "Topps", SetName: "Stadium Club", Player: "Derek Jeter", CardNumber: "#117"}, "1993 Topps Stadium Club Derek Jeter #117"},
		{"set repeats maker", &types.DetectedMetadata{Manufacturer: "Fleer", SetName: "fleer", Player: "Jordan"}, "Fleer Jordan"},
		{"text fallback", &types.DetectedMetadata{Text: "  WORLD SERIES 1986\nGame 6 ticket"}, "WORLD SERIES 1986"},
		{"empty", &types.DetectedMetadata{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SuggestTitle(tt.md))
		})
	}
}

type fakeVision struct {
	answer string
	err    error
	gotB64 string
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.gotB64 = imgB64
	return f.answer, f.err
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	return nil, errors.New("not used")
}

func TestVisionExtractor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 10, 14))
	img.SetNRGBA(0, 0, color.NRGBA{1, 2, 3, 255})

	fv := &fakeVision{answer: "```json\n{\"player\":\"Mickey Mantle\",\"year\":\"1952\",\"tags\":[\"Vintage\",\"vintage\"],\"confidence\":1.7}\n```"}
	md, err := NewVisionExtractor(fv, "llava").Extract(context.Background(), img)
	require.NoError(t, err)
	assert.NotEmpty(t, fv.gotB64)
	assert.Equal(t, "Mickey Mantle", md.Player)
	assert.Equal(t, []string{"vintage"}, md.Tags)
	assert.Equal(t, 1.0, md.Confidence)

	_, err = NewVisionExtractor(&fakeVision{answer: "I can't tell"}, "llava").Extract(context.Background(), img)
	assert.Error(t, err)

	_, err = NewVisionExtractor(&fakeVision{err: errors.New("connection refused")}, "llava").Extract(context.Background(), img)
	assert.ErrorContains(t, err, "connection refused")
}
