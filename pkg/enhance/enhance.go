// Package enhance applies pixel-level corrections to extracted card images.
package enhance

import (
	"fmt"
	"image"
	"math"
	"strings"
)

// Type selects an enhancement
type Type string

const (
	None Type = "none"
	Card Type = "card"
)

// ContrastFactor is the gain applied around mid-grey by the card enhancement
const ContrastFactor = 1.2

var cardLUT = func() (lut [256]uint8) {
	for i := range lut {
		v := (float64(i)-128)*ContrastFactor + 128
		lut[i] = uint8(math.RoundToEven(math.Max(0, math.Min(255, v))))
	}
	return lut
}()

// ParseType maps a user supplied name onto a Type. The empty string means None.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "", None:
		return None, nil
	case Card:
		return Card, nil
	default:
		return "", fmt.Errorf("unknown enhancement %q", s)
	}
}

// Apply enhances img in place and returns it. Only Card changes pixels: R, G
// and B are pushed away from 128 by ContrastFactor and clamped, alpha is left
// alone. Applying it twice compounds the effect.
func Apply(img *image.NRGBA, t Type) *image.NRGBA {
	if img == nil || t != Card {
		return img
	}

	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.Pix[i : i+3 : i+3]
			px[0] = cardLUT[px[0]]
			px[1] = cardLUT[px[1]]
			px[2] = cardLUT[px[2]]
			i += 4
		}
	}
	return img
}
