package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/card-extractor/internal/metrics"
	"github.com/menta2k/card-extractor/pkg/storage"
	"github.com/menta2k/card-extractor/pkg/types"
)

// createTestImage draws a red card on a white backdrop
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBA{250, 250, 250, 255}
			if x > width/4 && x < 3*width/4 && y > height/4 && y < 3*height/4 {
				c = color.NRGBA{200, 30, 40, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func upload(t *testing.T, name string, width, height int) File {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, createTestImage(width, height)))
	return File{Name: name, Data: buf.Bytes(), ContentType: "image/png"}
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	store, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir(), BaseURL: "http://cdn.test"}, nil)
	require.NoError(t, err)
	return NewService(DefaultConfig(), store, opts...)
}

func passthrough(ctx context.Context, in *Artifact) (*Artifact, error) {
	return in.clone(), nil
}

func allPassthrough() []Option {
	var opts []Option
	for _, n := range AllStages().stageNames() {
		opts = append(opts, WithStage(n, passthrough))
	}
	return opts
}

func collect(t *testing.T, job *Job) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-job.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("timed out waiting for job events")
		}
	}
}

func statuses(job *Job) []StageStatus {
	var out []StageStatus
	for _, s := range job.Stages() {
		out = append(out, s.Status)
	}
	return out
}

func TestStageOrderAndProgress(t *testing.T) {
	var mu sync.Mutex
	var order []StageName
	opts := allPassthrough()
	for _, n := range AllStages().stageNames() {
		name := n
		opts = append(opts, WithStage(name, func(ctx context.Context, in *Artifact) (*Artifact, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return in.clone(), nil
		}))
	}

	svc := newTestService(t, opts...)
	job, err := svc.Start(context.Background(), upload(t, "scan.png", 40, 30), AllStages())
	require.NoError(t, err)

	events := collect(t, job)
	require.Len(t, events, 11)

	want := AllStages().stageNames()
	assert.Equal(t, want, order)
	for i, name := range want {
		started, complete := events[2*i], events[2*i+1]
		assert.Equal(t, EventStageStarted, started.Type)
		assert.Equal(t, name, started.Stage)
		assert.Equal(t, EventStageComplete, complete.Type)
		assert.Equal(t, name, complete.Stage)
		assert.InDelta(t, float64(i+1)*20, complete.Progress, 1e-9)
		assert.Equal(t, job.ID, complete.JobID)
	}

	last := events[10]
	assert.Equal(t, EventJobComplete, last.Type)
	require.NotNil(t, last.Result)
	assert.True(t, strings.HasPrefix(last.Result.ProcessedAssetURL, "http://cdn.test/jobs/"+job.ID+"/processed/"))
	assert.True(t, strings.HasSuffix(last.Result.ProcessedAssetURL, ".png"))
	assert.Empty(t, last.Result.ThumbnailURL, "passthrough stages make no thumbnail")
	assert.Equal(t, "scan.png", last.Result.Metadata.OriginalName)
	assert.Equal(t, want, last.Result.Metadata.Stages)

	assert.Equal(t, StatusCompleted, job.Status())
	assert.Equal(t, 100.0, job.Progress())
	assert.NoError(t, job.Err())
	assert.Equal(t, 0, svc.Running())
}

func TestCancelAfterTwoStages(t *testing.T) {
	release := make(chan struct{})
	marker := []types.Region{{ID: "after-stage-1"}}

	opts := allPassthrough()
	opts = append(opts,
		WithStage(StageRemoveBackground, func(ctx context.Context, in *Artifact) (*Artifact, error) {
			out := in.clone()
			out.Regions = marker
			return out, nil
		}),
		// ignores ctx and finishes late
		WithStage(StageDetectObjects, func(ctx context.Context, in *Artifact) (*Artifact, error) {
			<-release
			out := in.clone()
			out.Regions = []types.Region{{ID: "late"}}
			return out, nil
		}),
	)

	m := metrics.New(prometheus.NewRegistry())
	opts = append(opts, WithMetrics(m))
	svc := newTestService(t, opts...)
	job, err := svc.Start(context.Background(), upload(t, "scan.png", 40, 30), AllStages())
	require.NoError(t, err)

	var events []Event
	timeout := time.After(10 * time.Second)
loop:
	for {
		select {
		case e, ok := <-job.Events():
			if !ok {
				break loop
			}
			events = append(events, e)
			if e.Type == EventStageStarted && e.Index == 2 {
				require.NoError(t, svc.Cancel(job.ID))
			}
		case <-timeout:
			t.Fatal("timed out")
		}
	}
	close(release)

	kinds := make([]EventType, len(events))
	for i, e := range events {
		kinds[i] = e.Type
	}
	assert.Equal(t, []EventType{
		EventStageStarted, EventStageComplete,
		EventStageStarted, EventStageComplete,
		EventStageStarted,
		EventJobCancelled,
	}, kinds)

	assert.Equal(t, []StageStatus{StageComplete, StageComplete, StageCancelled, StageCancelled, StageCancelled}, statuses(job))
	assert.Equal(t, StatusCancelled, job.Status())
	assert.InDelta(t, 40, job.Progress(), 1e-9)
	assert.ErrorIs(t, job.Err(), ErrJobCancelled)
	assert.Nil(t, job.Result())
	assert.Equal(t, marker, job.LastArtifact().Regions, "completed output kept, late result dropped")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues(string(StatusCancelled))))
	assert.ErrorIs(t, svc.Cancel(job.ID), ErrJobNotFound, "finished jobs are forgotten")
}

func TestCancelBeforeFirstStage(t *testing.T) {
	gate := make(chan struct{})
	svc := newTestService(t, WithStage(StageEnhanceQuality, func(ctx context.Context, in *Artifact) (*Artifact, error) {
		<-gate
		return in.clone(), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	job, err := svc.Start(ctx, upload(t, "a.png", 10, 10), Options{EnhanceQuality: true, GenerateThumbnails: true})
	require.NoError(t, err)
	cancel()
	close(gate)

	res, err := job.Wait(context.Background())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrJobCancelled)
	for _, s := range job.Stages() {
		assert.NotEqual(t, StageComplete, s.Status)
		assert.NotEqual(t, StageProcessing, s.Status)
	}
}

func TestStageFailure(t *testing.T) {
	boom := errors.New("model offline")
	opts := append(allPassthrough(), WithStage(StageRemoveBackground, func(ctx context.Context, in *Artifact) (*Artifact, error) {
		return nil, boom
	}))

	svc := newTestService(t, opts...)
	job, err := svc.Start(context.Background(), upload(t, "scan.png", 20, 20), AllStages())
	require.NoError(t, err)

	events := collect(t, job)
	require.Len(t, events, 4)
	last := events[3]
	assert.Equal(t, EventStageError, last.Type)
	assert.Equal(t, StageRemoveBackground, last.Stage)

	var se *StageError
	require.ErrorAs(t, last.Err, &se)
	assert.Equal(t, StageRemoveBackground, se.Stage)
	assert.ErrorIs(t, job.Err(), boom)

	assert.Equal(t, []StageStatus{StageComplete, StageFailed, StageCancelled, StageCancelled, StageCancelled}, statuses(job))
	assert.Equal(t, StatusFailed, job.Status())
	assert.InDelta(t, 20, job.Progress(), 1e-9)
	assert.NotNil(t, job.LastArtifact())
}

func TestStagePanicIsRecovered(t *testing.T) {
	svc := newTestService(t, WithStage(StageDetectObjects, func(ctx context.Context, in *Artifact) (*Artifact, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	}))

	job, err := svc.Start(context.Background(), upload(t, "a.png", 10, 10), Options{DetectObjects: true})
	require.NoError(t, err)

	_, err = job.Wait(context.Background())
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageDetectObjects, se.Stage)
	assert.Contains(t, se.Error(), "panic")
	assert.Equal(t, StatusFailed, job.Status())
}

func TestValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileSizeMB = 1
	svc := NewService(cfg, nil)

	bogusPNG := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	tests := []struct {
		name  string
		file  File
		field string
		want  error
	}{
		{"empty", File{Name: "a.png"}, "file", ErrEmptyFile},
		{"too large", File{Name: "a.png", Data: bytes.Repeat([]byte("a"), 1<<20+1)}, "size", ErrTooLarge},
		{"wrong type", File{Name: "a.txt", Data: []byte("hello, world")}, "type", ErrUnsupportedType},
		{"undecodable", File{Name: "a.png", Data: bogusPNG}, "file", ErrUndecodable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := svc.Start(context.Background(), tt.file, AllStages())
			assert.Nil(t, job)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, svc.Running())
}

func TestNoStages(t *testing.T) {
	svc := newTestService(t)
	job, err := svc.Start(context.Background(), upload(t, "a.png", 12, 8), Options{})
	require.NoError(t, err)

	events := collect(t, job)
	require.Len(t, events, 1)
	assert.Equal(t, EventJobComplete, events[0].Type)
	assert.Equal(t, 100.0, events[0].Progress)
	assert.NotEmpty(t, events[0].Result.ProcessedAssetURL)
	assert.Equal(t, 12, events[0].Result.Metadata.Width)
}

func TestNilStoreSkipsPublishing(t *testing.T) {
	svc := NewService(DefaultConfig(), nil, allPassthrough()...)
	job, err := svc.Start(context.Background(), upload(t, "a.png", 12, 8), AllStages())
	require.NoError(t, err)

	res, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.ProcessedAssetURL)
	assert.Equal(t, "image/png", res.Metadata.MimeType)
}

func TestConcurrentJobsWithBuiltinStages(t *testing.T) {
	svc := newTestService(t)

	files := make([]File, 4)
	for i := range files {
		files[i] = upload(t, "card.png", 80+i*10, 60)
	}

	var wg sync.WaitGroup
	results := make([]*Result, len(files))
	errs := make([]error, len(files))
	for i := range files {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := svc.Start(context.Background(), files[i], AllStages())
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = job.Wait(context.Background())
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, res := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, res)
		assert.True(t, strings.HasSuffix(res.ProcessedAssetURL, ".webp"), res.ProcessedAssetURL)
		assert.True(t, strings.HasSuffix(res.ThumbnailURL, ".png"), "background removal leaves alpha: %s", res.ThumbnailURL)
		assert.Equal(t, "image/webp", res.Metadata.MimeType)
		assert.NotEmpty(t, res.Metadata.Regions, "detect-objects always seeds a region")
		assert.False(t, seen[res.ProcessedAssetURL])
		seen[res.ProcessedAssetURL] = true
	}
}

func TestRemoveBackgroundStage(t *testing.T) {
	cfg := DefaultConfig()
	s := &stageSet{cfg: cfg}
	in := &Artifact{Image: createTestImage(40, 40)}

	out, err := s.removeBackground(context.Background(), in)
	require.NoError(t, err)

	img := out.Image.(*image.NRGBA)
	assert.Equal(t, uint8(0), img.NRGBAAt(2, 2).A, "backdrop keyed out")
	assert.Equal(t, uint8(255), img.NRGBAAt(20, 20).A, "card kept")
	assert.Equal(t, uint8(255), in.Image.(*image.NRGBA).NRGBAAt(2, 2).A, "input untouched")
}

func TestThumbnailStage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThumbnailSize = 16
	s := &stageSet{cfg: cfg}

	out, err := s.generateThumbnails(context.Background(), &Artifact{Image: createTestImage(64, 32)})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), out.Thumbnail.Bounds())
}

func TestOptimizeForWebStage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WebMaxDimension = 50
	s := &stageSet{cfg: cfg}

	out, err := s.optimizeForWeb(context.Background(), &Artifact{Image: createTestImage(100, 80)})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", out.MimeType)
	assert.NotEmpty(t, out.Encoded)
	assert.Equal(t, 50, out.Image.Bounds().Dx())
	assert.Equal(t, 40, out.Image.Bounds().Dy())
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions([]string{"generate-thumbnails", " Enhance-Quality ", ""})
	require.NoError(t, err)
	assert.Equal(t, []StageName{StageEnhanceQuality, StageGenerateThumbnails}, o.stageNames())

	o, err = ParseOptions([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, AllStages(), o)

	_, err = ParseOptions([]string{"upscale"})
	assert.Error(t, err)
}
