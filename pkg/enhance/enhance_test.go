package enhance

import (
	"image"
	"image/color"
	"testing"
)

func single(c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, c)
	return img
}

func TestCardContrast(t *testing.T) {
	tests := []struct {
		in, want uint8
	}{
		{128, 128},
		{200, 214},
		{50, 34},
		{0, 0},
		{255, 255},
		{10, 0},
		{245, 255},
	}

	for _, tt := range tests {
		img := Apply(single(color.NRGBA{tt.in, tt.in, tt.in, 77}), Card)
		got := img.NRGBAAt(0, 0)
		if got.R != tt.want || got.G != tt.want || got.B != tt.want {
			t.Errorf("Apply(%d) = %v, want %d", tt.in, got, tt.want)
		}
		if got.A != 77 {
			t.Errorf("alpha changed to %d", got.A)
		}
	}
}

func TestCardMonotonic(t *testing.T) {
	for c := 0; c < 256; c++ {
		out := cardLUT[c]
		switch {
		case c > 128 && out < uint8(c):
			t.Errorf("%d should not darken, got %d", c, out)
		case c < 128 && out > uint8(c):
			t.Errorf("%d should not brighten, got %d", c, out)
		}
		if c > 0 && out < cardLUT[c-1] {
			t.Errorf("lut not monotonic at %d", c)
		}
	}
}

func TestNotIdempotent(t *testing.T) {
	once := Apply(single(color.NRGBA{200, 60, 128, 255}), Card).NRGBAAt(0, 0)
	twice := Apply(Apply(single(color.NRGBA{200, 60, 128, 255}), Card), Card).NRGBAAt(0, 0)

	if once == twice {
		t.Errorf("expected compounding contrast, both passes gave %v", once)
	}
	if twice.R <= once.R || twice.G >= once.G || twice.B != 128 {
		t.Errorf("unexpected second pass %v after %v", twice, once)
	}
}

func TestNoneLeavesPixels(t *testing.T) {
	img := single(color.NRGBA{200, 50, 10, 255})
	if got := Apply(img, None).NRGBAAt(0, 0); got != (color.NRGBA{200, 50, 10, 255}) {
		t.Errorf("None changed pixel to %v", got)
	}
	if Apply(nil, Card) != nil {
		t.Error("nil image should pass through")
	}
}

func TestSubImageOnly(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 1))
	for x := 0; x < 4; x++ {
		img.SetNRGBA(x, 0, color.NRGBA{200, 200, 200, 255})
	}
	sub := img.SubImage(image.Rect(2, 0, 4, 1)).(*image.NRGBA)
	Apply(sub, Card)

	if img.NRGBAAt(1, 0).R != 200 {
		t.Error("pixel outside the sub image changed")
	}
	if img.NRGBAAt(2, 0).R != 214 {
		t.Errorf("pixel inside the sub image = %d, want 214", img.NRGBAAt(2, 0).R)
	}
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{"": None, "none": None, " Card ": Card} {
		got, err := ParseType(in)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseType("sepia"); err == nil {
		t.Error("expected error for unknown enhancement")
	}
}
