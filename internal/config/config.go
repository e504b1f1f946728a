package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/menta2k/card-extractor/pkg/cropper"
	"github.com/menta2k/card-extractor/pkg/enhance"
	"github.com/menta2k/card-extractor/pkg/pipeline"
	"github.com/menta2k/card-extractor/pkg/types"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CARDX_"

// Config holds the application configuration
type Config struct {
	LogLevel  string          `json:"log_level"`
	Detection DetectionConfig `json:"detection"`
	Cropper   CropperConfig   `json:"cropper"`
	Pipeline  pipeline.Config `json:"pipeline"`
	Vision    VisionConfig    `json:"vision"`
	Output    OutputConfig    `json:"output"`
}

// DetectionConfig selects the region detector
type DetectionConfig struct {
	// Backend is "heuristic", "saliency" or "vision"
	Backend        string   `json:"backend"`
	RequestedTypes []string `json:"requested_types"`
}

// CropperConfig holds configuration for region extraction
type CropperConfig struct {
	Format      string `json:"format"`
	Enhancement string `json:"enhancement"`
	MaxPixels   int    `json:"max_pixels"`
}

// VisionConfig holds the vision model backend used for detection and metadata
type VisionConfig struct {
	// Provider is "ollama" or "llamacpp"
	Provider    string `json:"provider"`
	URL         string `json:"url"`
	Model       string `json:"model"`
	// APIKey is only sent to llama.cpp servers started with --api-key
	APIKey      string `json:"api_key,omitempty"`
	Enrich      bool   `json:"enrich"`
	Concurrency int    `json:"concurrency"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	OutputDir   string `json:"output_dir"`
	StoragePath string `json:"storage_path"`
	StorageURL  string `json:"storage_url"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Detection: DetectionConfig{
			Backend:        "saliency",
			RequestedTypes: []string{string(types.TypeCard)},
		},
		Cropper: CropperConfig{
			Format:      string(cropper.PNG),
			Enhancement: string(enhance.Card),
			MaxPixels:   cropper.DefaultMaxPixels,
		},
		Pipeline: pipeline.DefaultConfig(),
		Vision: VisionConfig{
			Provider:    "ollama",
			Model:       "llava:latest",
			Concurrency: 4,
		},
		Output: OutputConfig{
			OutputDir:   "./output",
			StoragePath: "./storage",
		},
	}
}

// Load reads the config file at path when it exists, falls back to defaults
// otherwise, and then applies environment overrides
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadFromFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(envFiles...); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep
// their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv loads the given .env files (".env" when none are named; missing
// files are ignored) and overrides fields from CARDX_* variables
func (c *Config) ApplyEnv(envFiles ...string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Detection.Backend = getEnv("DETECTION_BACKEND", c.Detection.Backend)
	c.Detection.RequestedTypes = getEnvList("DETECTION_TYPES", c.Detection.RequestedTypes)

	c.Cropper.Format = getEnv("CROP_FORMAT", c.Cropper.Format)
	c.Cropper.Enhancement = getEnv("CROP_ENHANCEMENT", c.Cropper.Enhancement)
	c.Cropper.MaxPixels = getEnvInt("CROP_MAX_PIXELS", c.Cropper.MaxPixels)

	c.Pipeline.MaxFileSizeMB = getEnvInt("MAX_FILE_SIZE_MB", c.Pipeline.MaxFileSizeMB)
	c.Pipeline.AllowedFileTypes = getEnvList("ALLOWED_FILE_TYPES", c.Pipeline.AllowedFileTypes)
	c.Pipeline.WebMaxDimension = getEnvInt("WEB_MAX_DIMENSION", c.Pipeline.WebMaxDimension)
	c.Pipeline.WebQuality = getEnvInt("WEB_QUALITY", c.Pipeline.WebQuality)
	c.Pipeline.ThumbnailSize = getEnvInt("THUMBNAIL_SIZE", c.Pipeline.ThumbnailSize)

	c.Vision.Provider = getEnv("VISION_PROVIDER", c.Vision.Provider)
	c.Vision.URL = getEnv("VISION_URL", c.Vision.URL)
	c.Vision.Model = getEnv("VISION_MODEL", c.Vision.Model)
	c.Vision.APIKey = getEnv("VISION_API_KEY", c.Vision.APIKey)
	c.Vision.Enrich = getEnvBool("VISION_ENRICH", c.Vision.Enrich)
	c.Vision.Concurrency = getEnvInt("VISION_CONCURRENCY", c.Vision.Concurrency)

	c.Output.OutputDir = getEnv("OUTPUT_DIR", c.Output.OutputDir)
	c.Output.StoragePath = getEnv("STORAGE_PATH", c.Output.StoragePath)
	c.Output.StorageURL = getEnv("STORAGE_URL", c.Output.StorageURL)
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	switch c.Detection.Backend {
	case "heuristic", "saliency", "vision":
	default:
		return fmt.Errorf("detection.backend must be heuristic, saliency or vision, got %q", c.Detection.Backend)
	}
	if _, err := c.RegionTypes(); err != nil {
		return err
	}

	if _, err := cropper.ParseFormat(c.Cropper.Format); err != nil {
		return fmt.Errorf("cropper.format: %w", err)
	}
	if _, err := enhance.ParseType(c.Cropper.Enhancement); err != nil {
		return fmt.Errorf("cropper.enhancement: %w", err)
	}
	if c.Cropper.MaxPixels < 1 {
		return fmt.Errorf("cropper.max_pixels must be positive")
	}

	if c.Pipeline.MaxFileSizeMB < 1 {
		return fmt.Errorf("pipeline.max_file_size_mb must be positive")
	}
	if c.Pipeline.WebQuality < 1 || c.Pipeline.WebQuality > 100 {
		return fmt.Errorf("pipeline.web_quality must be between 1 and 100")
	}
	if c.Pipeline.ThumbnailSize < 1 {
		return fmt.Errorf("pipeline.thumbnail_size must be positive")
	}
	if c.Pipeline.BackgroundTolerance < 0 || c.Pipeline.BackgroundTolerance > 1 {
		return fmt.Errorf("pipeline.background_tolerance must be between 0 and 1")
	}

	switch c.Vision.Provider {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("vision.provider must be ollama or llamacpp, got %q", c.Vision.Provider)
	}
	if (c.Detection.Backend == "vision" || c.Vision.Enrich) && c.Vision.Model == "" {
		return fmt.Errorf("vision.model is required when the vision backend is used")
	}
	if c.Vision.Concurrency < 1 {
		return fmt.Errorf("vision.concurrency must be positive")
	}

	return nil
}

// RegionTypes parses the requested detection types
func (c *Config) RegionTypes() ([]types.RegionType, error) {
	out := make([]types.RegionType, 0, len(c.Detection.RequestedTypes))
	for _, s := range c.Detection.RequestedTypes {
		t, err := types.ParseRegionType(s)
		if err != nil {
			return nil, fmt.Errorf("detection.requested_types: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// SlogLevel maps log_level to a slog level
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "card-extractor", "config.json")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
