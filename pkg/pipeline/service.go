// Package pipeline runs whole-image enhancement jobs: a fixed sequence of
// optional stages with progress events, cancellation and publishing of the
// final artifact to storage.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/menta2k/card-extractor/internal/metrics"
	"github.com/menta2k/card-extractor/pkg/detection"
	"github.com/menta2k/card-extractor/pkg/processing"
	"github.com/menta2k/card-extractor/pkg/storage"
)

// Config holds upload limits and stage tuning
type Config struct {
	MaxFileSizeMB       int      `json:"max_file_size_mb"`
	AllowedFileTypes    []string `json:"allowed_file_types"`
	WebMaxDimension     int      `json:"web_max_dimension"`
	WebQuality          int      `json:"web_quality"`
	ThumbnailSize       int      `json:"thumbnail_size"`
	BackgroundTolerance float64  `json:"background_tolerance"`
	SaturationBoost     float64  `json:"saturation_boost"`
	ContrastBoost       float64  `json:"contrast_boost"`
}

func DefaultConfig() Config {
	return Config{
		MaxFileSizeMB:       25,
		AllowedFileTypes:    []string{"image/jpeg", "image/png", "image/webp"},
		WebMaxDimension:     2048,
		WebQuality:          82,
		ThumbnailSize:       320,
		BackgroundTolerance: 0.12,
		SaturationBoost:     0.15,
		ContrastBoost:       8,
	}
}

// File is an uploaded image. ContentType is informational; the type is
// always sniffed from Data.
type File struct {
	Name        string
	Data        []byte
	ContentType string
}

// Service starts and tracks jobs. Each caller owns its Service; jobs of one
// service share no mutable state with each other.
type Service struct {
	cfg       Config
	store     storage.Storage
	detector  detection.RegionDetector
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor *processing.Processor
	overrides map[StageName]StageFunc

	mu   sync.Mutex
	jobs map[string]*Job
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDetector sets the detector used by the detect-objects stage
func WithDetector(d detection.RegionDetector) Option {
	return func(s *Service) { s.detector = d }
}

// WithStage replaces the implementation of a stage
func WithStage(name StageName, fn StageFunc) Option {
	return func(s *Service) { s.overrides[name] = fn }
}

// NewService creates a service publishing to store. A nil store skips
// publishing and yields results without URLs.
func NewService(cfg Config, store storage.Storage, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     store,
		detector:  detection.NewHeuristic(),
		logger:    slog.Default(),
		processor: processing.NewProcessor(),
		overrides: make(map[StageName]StageFunc),
		jobs:      make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates the upload, decodes it and runs the selected stages in
// the background. Validation failures return a *ValidationError and no job.
// Cancelling ctx cancels the job.
func (s *Service) Start(ctx context.Context, file File, opts Options) (*Job, error) {
	if err := s.validate(file); err != nil {
		return nil, err
	}

	img, err := s.processor.DecodeBytes(file.Data)
	if err != nil {
		return nil, &ValidationError{Field: "file", Err: fmt.Errorf("%w: %v", ErrUndecodable, err)}
	}

	names := opts.stageNames()
	builtins := (&stageSet{cfg: s.cfg, detector: s.detector}).funcs()
	funcs := make([]StageFunc, len(names))
	for i, n := range names {
		funcs[i] = builtins[n]
		if fn, ok := s.overrides[n]; ok {
			funcs[i] = fn
		}
	}

	job := newJob(uuid.NewString(), file.Name, names, &Artifact{Image: img})
	jobCtx, cancel := context.WithCancel(ctx)
	job.setRunning(cancel)

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("job started", "job_id", job.ID, "source", file.Name, "stages", len(names))
	s.metrics.JobStarted()

	go s.run(jobCtx, job, funcs)
	return job, nil
}

// Cancel cancels a running job of this service
func (s *Service) Cancel(jobID string) error {
	job, ok := s.Job(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	job.Cancel()
	return nil
}

// Job returns a running job by id. Finished jobs are forgotten.
func (s *Service) Job(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// Running reports how many jobs have not finished yet
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Service) validate(file File) error {
	if len(file.Data) == 0 {
		return &ValidationError{Field: "file", Err: ErrEmptyFile}
	}
	if limit := int64(s.cfg.MaxFileSizeMB) << 20; limit > 0 && int64(len(file.Data)) > limit {
		return &ValidationError{
			Field: "size",
			Err:   fmt.Errorf("%w: %d bytes, limit %d MB", ErrTooLarge, len(file.Data), s.cfg.MaxFileSizeMB),
		}
	}

	sniffed := storage.BaseType(http.DetectContentType(file.Data))
	if len(s.cfg.AllowedFileTypes) > 0 && !slices.ContainsFunc(s.cfg.AllowedFileTypes, func(t string) bool {
		return storage.BaseType(t) == sniffed
	}) {
		return &ValidationError{Field: "type", Err: fmt.Errorf("%w: %s", ErrUnsupportedType, sniffed)}
	}
	return nil
}

func (s *Service) run(ctx context.Context, job *Job, funcs []StageFunc) {
	started := time.Now()
	logger := s.logger.With("job_id", job.ID)
	stages := job.Stages()

	defer func() {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		s.metrics.JobFinished(string(job.Status()))
		job.close()
	}()

	current := job.LastArtifact()
	for i, fn := range funcs {
		name := stages[i].Name
		if job.isCancelRequested() || ctx.Err() != nil {
			job.finishCancelled(i)
			logger.Info("job cancelled", "before_stage", name)
			return
		}

		job.startStage(i)
		t0 := time.Now()
		out, err := runStage(ctx, fn, current)

		if job.isCancelRequested() || ctx.Err() != nil {
			// whatever the stage produced is dropped
			s.metrics.RecordStage(string(name), string(StageCancelled), time.Since(t0))
			job.finishCancelled(i)
			logger.Info("job cancelled", "stage", name)
			return
		}
		if err == nil && out == nil {
			err = fmt.Errorf("stage returned no artifact")
		}
		if err != nil {
			s.metrics.RecordStage(string(name), string(StageFailed), time.Since(t0))
			job.failStage(i, name, err)
			logger.Error("stage failed", "stage", name, "error", err)
			return
		}

		s.metrics.RecordStage(string(name), string(StageComplete), time.Since(t0))
		job.completeStage(i, out)
		logger.Debug("stage complete", "stage", name, "took", time.Since(t0))
		current = out
	}

	if job.isCancelRequested() || ctx.Err() != nil {
		job.finishCancelled(len(funcs))
		logger.Info("job cancelled before publishing")
		return
	}

	res, err := s.publish(ctx, job, current, started)
	if err != nil {
		job.failStage(len(funcs), stagePublish, err)
		logger.Error("publish failed", "error", err)
		return
	}
	job.finishCompleted(res)
	logger.Info("job complete", "took", time.Since(started), "url", res.ProcessedAssetURL)
}

type stageResult struct {
	out *Artifact
	err error
}

// runStage runs fn on its own goroutine so that cancellation does not wait
// for a stage that ignores ctx. Panics become errors.
func runStage(ctx context.Context, fn StageFunc, in *Artifact) (*Artifact, error) {
	ch := make(chan stageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- stageResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := fn(ctx, in)
		ch <- stageResult{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) publish(ctx context.Context, job *Job, a *Artifact, started time.Time) (*Result, error) {
	data, mimeType := a.Encoded, a.MimeType
	if data == nil {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, a.Image, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		data, mimeType = buf.Bytes(), "image/png"
	}

	b := a.Image.Bounds()
	res := &Result{
		Metadata: JobMetadata{
			OriginalName: job.SourceRef,
			Width:        b.Dx(),
			Height:       b.Dy(),
			MimeType:     mimeType,
			SizeBytes:    len(data),
			Regions:      a.Regions,
			Duration:     time.Since(started),
		},
	}
	for _, st := range job.Stages() {
		res.Metadata.Stages = append(res.Metadata.Stages, st.Name)
	}

	if s.store == nil {
		return res, nil
	}

	url, err := s.put(ctx, storage.JobKey(job.ID, "processed", extension(mimeType)), data, mimeType)
	if err != nil {
		return nil, err
	}
	res.ProcessedAssetURL = url

	if a.Thumbnail != nil {
		var buf bytes.Buffer
		format, thumbType := imaging.JPEG, "image/jpeg"
		if hasAlpha(a.Thumbnail) {
			format, thumbType = imaging.PNG, "image/png"
		}
		if err := imaging.Encode(&buf, a.Thumbnail, format, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("encode thumbnail: %w", err)
		}
		url, err := s.put(ctx, storage.JobKey(job.ID, "thumbnail", extension(thumbType)), buf.Bytes(), thumbType)
		if err != nil {
			return nil, err
		}
		res.ThumbnailURL = url
	}
	return res, nil
}

func (s *Service) put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := s.store.Put(ctx, key, bytes.NewReader(data), storage.PutOptions{ContentType: contentType}); err != nil {
		return "", err
	}
	return s.store.URL(ctx, key, 0)
}

func extension(mimeType string) string {
	switch mimeType {
	case "image/webp":
		return "webp"
	case "image/jpeg":
		return "jpg"
	default:
		return "png"
	}
}
