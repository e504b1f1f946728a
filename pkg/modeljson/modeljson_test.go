package modeljson

import (
	"errors"
	"testing"

	"github.com/menta2k/card-extractor/pkg/types"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", `Sure! Here it is: {"a":1} hope that helps`, `{"a":1}`},
		{"trailing comma", `{"a":[1,2,],}`, `{"a":[1,2]}`},
		{"block comment", `{"a":/* one */1}`, `{"a":1}`},
		{"url survives", `{"u":"http://x"}`, `{"u":"http://x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.raw); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDecodeMetadata(t *testing.T) {
	raw := "```json\n{\"text\":\"KEN GRIFFEY JR\",\"tags\":[\"baseball\"],\"confidence\":0.8,\"player\":\"Ken Griffey Jr.\",\"year\":\"1989\",\"card_number\":\"1\",}\n```"

	var md types.DetectedMetadata
	if err := Decode(raw, &md); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if md.Player != "Ken Griffey Jr." || md.Year != "1989" || md.CardNumber != "1" {
		t.Errorf("unexpected metadata: %+v", md)
	}

	if err := Decode("I cannot see an image", &md); !errors.Is(err, ErrNoJSON) {
		t.Errorf("expected ErrNoJSON, got %v", err)
	}
}

func TestParseAnalysis(t *testing.T) {
	got := ParseAnalysis(`{"primary":{"label":"card","confidence":0.9,"box":{"x":0.1,"y":0.1,"w":0.5,"h":0.7}},"tags":["Card","card","Topps"]}`)
	if got.Primary.Label != "card" || got.Primary.Box.W != 0.5 {
		t.Errorf("unexpected result: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "card" || got.Tags[1] != "topps" {
		t.Errorf("tags not normalized: %v", got.Tags)
	}

	fallback := ParseAnalysis("no idea")
	if fallback.Primary.Label != "none" || fallback.Primary.Confidence != 0 {
		t.Errorf("expected none fallback, got %+v", fallback.Primary)
	}
}
