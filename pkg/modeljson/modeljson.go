// Package modeljson cleans up and decodes the loosely formatted JSON that
// vision models return.
package modeljson

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/menta2k/card-extractor/pkg/types"
)

// ErrNoJSON is returned when the answer holds no JSON object at all
var ErrNoJSON = errors.New("no json object in model response")

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)\s//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// Sanitize strips code fences, comments and trailing commas and keeps only
// the outermost {...} of a model answer.
func Sanitize(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// Decode sanitizes raw and unmarshals it into v
func Decode(raw string, v any) error {
	clean := Sanitize(raw)
	if !strings.HasPrefix(clean, "{") {
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(clean), v)
}

// ParseAnalysis decodes a subject-location answer. Answers that cannot be
// parsed become a low-confidence "none" result instead of an error, so a
// chatty model never breaks detection.
func ParseAnalysis(raw string) *types.AnalysisResult {
	var result types.AnalysisResult
	if err := Decode(raw, &result); err != nil {
		return &types.AnalysisResult{
			Primary: types.Primary{
				Label: "none",
				Box:   types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
				Cx:    0.5,
				Cy:    0.5,
			},
			Description: "unparseable model response",
			Tags:        []string{"fallback"},
		}
	}
	result.Tags = types.MergeTags(nil, result.Tags...)
	return &result
}
