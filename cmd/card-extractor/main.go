package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	cardextractor "github.com/menta2k/card-extractor"
	"github.com/menta2k/card-extractor/internal/config"
	"github.com/menta2k/card-extractor/internal/metrics"
	"github.com/menta2k/card-extractor/internal/utils"
	"github.com/menta2k/card-extractor/pkg/client"
	"github.com/menta2k/card-extractor/pkg/cropper"
	"github.com/menta2k/card-extractor/pkg/detection"
	"github.com/menta2k/card-extractor/pkg/enhance"
	"github.com/menta2k/card-extractor/pkg/llamacpp"
	"github.com/menta2k/card-extractor/pkg/metadata"
	"github.com/menta2k/card-extractor/pkg/ollama"
	"github.com/menta2k/card-extractor/pkg/pipeline"
	"github.com/menta2k/card-extractor/pkg/processing"
	"github.com/menta2k/card-extractor/pkg/storage"
	"github.com/menta2k/card-extractor/pkg/types"
)

type flags struct {
	in, outDir, configPath, envFile string
	backend, provider, url, model   string
	format, enhancement             string
	enrich, debug                   bool
	stages                          string
}

func main() {
	var f flags
	flag.StringVar(&f.in, "in", "", "input image path, directory or URL (jpg/png/webp)")
	flag.StringVar(&f.outDir, "out", "", "output directory (overrides config)")
	flag.StringVar(&f.configPath, "config", config.GetConfigPath(), "JSON config file; missing file means defaults")
	flag.StringVar(&f.envFile, "env", ".env", "dotenv file with CARDX_* overrides")

	flag.StringVar(&f.backend, "backend", "", "region detector: heuristic|saliency|vision")
	flag.StringVar(&f.provider, "provider", "", "vision backend: ollama|llamacpp")
	flag.StringVar(&f.url, "url", "", "vision server URL (defaults: ollama=http://localhost:11434, llamacpp=http://localhost:8080)")
	flag.StringVar(&f.model, "model", "", "vision model name")
	flag.BoolVar(&f.enrich, "enrich", false, "attach vision-model metadata to every crop")

	flag.StringVar(&f.format, "format", "", "crop format: png|webp")
	flag.StringVar(&f.enhancement, "enhance", "", "crop enhancement: card|none")
	flag.BoolVar(&f.debug, "debug", false, "write a region overlay image per input")

	flag.StringVar(&f.stages, "stages", "", "also run a processing job with these stages (comma list or \"all\")")
	flag.Parse()

	if f.in == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -in photo.jpg|dir|URL [-out dir] [-backend saliency|vision] [-enrich] [-stages all]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f, logger); err != nil {
		logger.Error("card extraction failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Output.OutputDir, f.outDir)
	set(&cfg.Detection.Backend, f.backend)
	set(&cfg.Vision.Provider, f.provider)
	set(&cfg.Vision.URL, f.url)
	set(&cfg.Vision.Model, f.model)
	set(&cfg.Cropper.Format, f.format)
	set(&cfg.Cropper.Enhancement, f.enhancement)
	if f.enrich {
		cfg.Vision.Enrich = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, f flags, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	format, _ := cropper.ParseFormat(cfg.Cropper.Format)
	enh, _ := enhance.ParseType(cfg.Cropper.Enhancement)
	requested, _ := cfg.RegionTypes()

	var vision client.VisionClient
	if cfg.Detection.Backend == "vision" || cfg.Vision.Enrich {
		c, err := newVisionClient(cfg.Vision)
		if err != nil {
			return err
		}
		vision = c
	}

	var detector detection.RegionDetector
	switch cfg.Detection.Backend {
	case "vision":
		detector = detection.NewVisionDetector(vision, cfg.Vision.Model, logger)
	case "heuristic":
		detector = detection.NewHeuristic()
	default:
		detector = detection.NewSaliency()
	}

	opts := []cardextractor.Option{
		cardextractor.WithDetector(detector),
		cardextractor.WithRequestedTypes(requested...),
		cardextractor.WithCropper(cropper.New(cropper.WithFormat(format), cropper.WithMaxPixels(cfg.Cropper.MaxPixels))),
		cardextractor.WithEnhancement(enh),
		cardextractor.WithLogger(logger),
		cardextractor.WithMetrics(m),
	}
	if cfg.Vision.Enrich {
		opts = append(opts, cardextractor.WithEnricher(metadata.NewEnricher(
			metadata.NewVisionExtractor(vision, cfg.Vision.Model),
			metadata.WithLogger(logger),
			metadata.WithMetrics(m),
			metadata.WithConcurrency(cfg.Vision.Concurrency),
		)))
	}
	ex := cardextractor.New(opts...)

	inputs, err := listInputs(f.in)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no images found in %s", f.in)
	}
	if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
		return err
	}

	processor := processing.NewProcessor()
	taken := map[string]bool{}
	var manifest []types.CroppedAsset
	var failed int

	for _, in := range inputs {
		assets, err := extractOne(ctx, ex, processor, in, cfg.Output.OutputDir, f.debug, taken, logger)
		manifest = append(manifest, assets...)
		if err != nil {
			failed++
			logger.Warn("input not fully extracted", "input", in, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	js, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	manifestPath := filepath.Join(cfg.Output.OutputDir, "assets.json")
	if err := os.WriteFile(manifestPath, js, 0o644); err != nil {
		return err
	}
	logger.Info("extraction finished", "inputs", len(inputs), "assets", len(manifest), "failed_inputs", failed, "manifest", manifestPath)

	if f.stages != "" {
		if err := runJobs(ctx, cfg, f.stages, inputs, detector, m, logger); err != nil {
			return err
		}
	}

	logMetrics(logger, reg)
	if failed == len(inputs) {
		return fmt.Errorf("no input could be extracted")
	}
	return nil
}

func newVisionClient(cfg config.VisionConfig) (client.VisionClient, error) {
	switch cfg.Provider {
	case "llamacpp":
		return llamacpp.NewClient(cfg.URL, llamacpp.WithAPIKey(cfg.APIKey))
	default:
		url := cfg.URL
		if url == "" {
			url = "http://localhost:11434"
		}
		return ollama.NewClient(url)
	}
}

func listInputs(in string) ([]string, error) {
	if strings.HasPrefix(in, "http://") || strings.HasPrefix(in, "https://") {
		return []string{in}, nil
	}
	return utils.ListImageFiles(in)
}

// extractOne crops every region of one input and writes the assets. Names
// that collide with earlier outputs get an index prefix.
func extractOne(ctx context.Context, ex *cardextractor.Extractor, processor *processing.Processor,
	in, outDir string, debug bool, taken map[string]bool, logger *slog.Logger) ([]types.CroppedAsset, error) {

	img, err := processor.LoadImageSmart(ctx, in)
	if err != nil {
		return nil, err
	}
	name := utils.SanitizeFilename(filepath.Base(in))
	session, err := ex.OpenSession(ctx, img, name)
	if err != nil {
		return nil, err
	}
	logger.Info("regions detected", "input", in, "regions", len(session.Regions()))

	if debug {
		base := strings.TrimSuffix(name, filepath.Ext(name))
		path := filepath.Join(outDir, utils.UniqueFilename(base+"_regions.png", taken))
		if err := processor.SaveImage(session.Canvas().Frame(), path, "png", 0, false); err != nil {
			logger.Warn("debug overlay save failed", "path", path, "error", err)
		}
	}

	assets, cropErr := session.CropAll(ctx)
	for i := range assets {
		assets[i].Filename = utils.UniqueFilename(utils.SanitizeFilename(assets[i].Filename), taken)
		path := filepath.Join(outDir, assets[i].Filename)
		if err := os.WriteFile(path, assets[i].Data, 0o644); err != nil {
			return assets[:i], err
		}
		logger.Info("wrote crop", "path", path, "size", utils.FormatFileSize(int64(len(assets[i].Data))),
			"title", assets[i].Title)
	}
	return assets, cropErr
}

// runJobs sends every local input through a processing job and prints its
// events as they arrive
func runJobs(ctx context.Context, cfg *config.Config, stageList string, inputs []string,
	detector detection.RegionDetector, m *metrics.Metrics, logger *slog.Logger) error {

	opts, err := pipeline.ParseOptions(strings.Split(stageList, ","))
	if err != nil {
		return err
	}
	store, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: cfg.Output.StoragePath,
		BaseURL:  cfg.Output.StorageURL,
	}, logger)
	if err != nil {
		return err
	}
	svc := pipeline.NewService(cfg.Pipeline, store,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
		pipeline.WithDetector(detector),
	)

	for _, in := range inputs {
		if strings.HasPrefix(in, "http://") || strings.HasPrefix(in, "https://") {
			logger.Warn("processing jobs need a local file", "input", in)
			continue
		}
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		job, err := svc.Start(ctx, pipeline.File{Name: filepath.Base(in), Data: data}, opts)
		if err != nil {
			logger.Warn("job rejected", "input", in, "error", err)
			continue
		}
		for ev := range job.Events() {
			switch ev.Type {
			case pipeline.EventStageError:
				fmt.Printf("%s  %-20s %-18s %5.1f%%  %v\n", job.ID[:8], ev.Type, ev.Stage, ev.Progress, ev.Err)
			case pipeline.EventJobComplete:
				fmt.Printf("%s  %-20s %-18s %5.1f%%  %s\n", job.ID[:8], ev.Type, "", ev.Progress, ev.Result.ProcessedAssetURL)
			default:
				fmt.Printf("%s  %-20s %-18s %5.1f%%\n", job.ID[:8], ev.Type, ev.Stage, ev.Progress)
			}
		}
	}
	return ctx.Err()
}

// logMetrics prints the counters gathered during the run at debug level
func logMetrics(logger *slog.Logger, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		logger.Debug("gather metrics", "error", err)
		return
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			c := metric.GetCounter()
			if c == nil {
				continue
			}
			attrs := []any{"metric", mf.GetName(), "value", c.GetValue()}
			for _, lp := range metric.GetLabel() {
				attrs = append(attrs, lp.GetName(), lp.GetValue())
			}
			logger.Debug("metric", attrs...)
		}
	}
}
