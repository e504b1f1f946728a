package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/card-extractor/pkg/types"
)

type StageName string

const (
	StageEnhanceQuality     StageName = "enhance-quality"
	StageRemoveBackground   StageName = "remove-background"
	StageDetectObjects      StageName = "detect-objects"
	StageOptimizeForWeb     StageName = "optimize-for-web"
	StageGenerateThumbnails StageName = "generate-thumbnails"

	// stagePublish names failures while storing the final artifact
	stagePublish StageName = "publish"
)

var stageDescriptions = map[StageName]string{
	StageEnhanceQuality:     "Sharpen and boost colour and contrast",
	StageRemoveBackground:   "Make the uniform backdrop transparent",
	StageDetectObjects:      "Locate cards and memorabilia",
	StageOptimizeForWeb:     "Resize and compress for delivery",
	StageGenerateThumbnails: "Create a preview thumbnail",
}

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageComplete   StageStatus = "complete"
	StageFailed     StageStatus = "error"
	StageCancelled  StageStatus = "cancelled"
)

// Stage is one step of a job as reported to callers
type Stage struct {
	Name        StageName   `json:"name"`
	Description string      `json:"description"`
	Status      StageStatus `json:"status"`
}

// Artifact is the intermediate output handed from stage to stage. Stages
// return a new Artifact and leave their input alone.
type Artifact struct {
	Image     image.Image
	Encoded   []byte
	MimeType  string
	Thumbnail image.Image
	Regions   []types.Region
}

func (a *Artifact) clone() *Artifact {
	c := *a
	c.Regions = append([]types.Region(nil), a.Regions...)
	return &c
}

// StageFunc performs one stage. It should honour ctx; a stage that does not
// is abandoned on cancellation and its result dropped.
type StageFunc func(ctx context.Context, in *Artifact) (*Artifact, error)

// Options selects the stages of a job. Selected stages always run in the
// order the fields are declared.
type Options struct {
	EnhanceQuality     bool `json:"enhance_quality"`
	RemoveBackground   bool `json:"remove_background"`
	DetectObjects      bool `json:"detect_objects"`
	OptimizeForWeb     bool `json:"optimize_for_web"`
	GenerateThumbnails bool `json:"generate_thumbnails"`
}

// AllStages enables every stage
func AllStages() Options {
	return Options{true, true, true, true, true}
}

// ParseOptions enables the named stages. "all" enables every stage; order
// in the list does not matter.
func ParseOptions(names []string) (Options, error) {
	var o Options
	for _, n := range names {
		switch StageName(strings.ToLower(strings.TrimSpace(n))) {
		case "all":
			o = AllStages()
		case StageEnhanceQuality:
			o.EnhanceQuality = true
		case StageRemoveBackground:
			o.RemoveBackground = true
		case StageDetectObjects:
			o.DetectObjects = true
		case StageOptimizeForWeb:
			o.OptimizeForWeb = true
		case StageGenerateThumbnails:
			o.GenerateThumbnails = true
		case "":
		default:
			return Options{}, fmt.Errorf("unknown stage %q", n)
		}
	}
	return o, nil
}

func (o Options) stageNames() []StageName {
	var names []StageName
	for _, s := range []struct {
		on   bool
		name StageName
	}{
		{o.EnhanceQuality, StageEnhanceQuality},
		{o.RemoveBackground, StageRemoveBackground},
		{o.DetectObjects, StageDetectObjects},
		{o.OptimizeForWeb, StageOptimizeForWeb},
		{o.GenerateThumbnails, StageGenerateThumbnails},
	} {
		if s.on {
			names = append(names, s.name)
		}
	}
	return names
}
