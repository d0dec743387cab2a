// Package config loads the runtime configuration: storage, logging, the
// control API address, recognition and the derivation thresholds.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdougie/argus/internal/analyzer"
	"github.com/bdougie/argus/internal/recognition"
	"github.com/bdougie/argus/internal/violations"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
)

// Recognizers.
const (
	RecognizerRecorded = "recorded"
	RecognizerVision   = "vision"
)

// Duration is a time.Duration written as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete runtime configuration.
type Config struct {
	LogLevel string `json:"log_level"`
	Addr     string `json:"addr"`

	Storage     StorageConfig     `json:"storage"`
	Recognition RecognitionConfig `json:"recognition"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Tracking    TrackingConfig    `json:"tracking"`
	Activity    ActivityConfig    `json:"activity"`
	Violations  ViolationsConfig  `json:"violations"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
	// DSN is a file path for sqlite, a directory for file and a connection URL for postgres.
	DSN string `json:"dsn"`
}

type RecognitionConfig struct {
	Engine        string  `json:"engine"`
	OllamaURL     string  `json:"ollama_url"`
	OllamaPort    int     `json:"ollama_port"`
	Model         string  `json:"model"`
	Confidence    float64 `json:"confidence"`
	MinConfidence float64 `json:"min_confidence"`
	FrameDir      string  `json:"frame_dir"`
}

type PipelineConfig struct {
	CameraID          string   `json:"camera_id"`
	FrameStep         int      `json:"frame_step"`
	DefaultFPS        float64  `json:"default_fps"`
	TimestampInterval Duration `json:"timestamp_interval"`
	TrainInterval     Duration `json:"train_interval"`
	TrainGate         bool     `json:"train_gate"`
	DepartureTimeout  Duration `json:"departure_timeout"`
	FlushEveryFrames  int      `json:"flush_every_frames"`
	BatchSize         int      `json:"batch_size"`
	MaxWorkers        int      `json:"max_workers"`
}

type TrackingConfig struct {
	GhostWindow int     `json:"ghost_window"`
	MaxDistance float64 `json:"max_distance"`
}

type ActivityConfig struct {
	HistorySize       int     `json:"history_size"`
	MinSamples        int     `json:"min_samples"`
	WalkDisplacement  float64 `json:"walk_displacement"`
	StillDisplacement float64 `json:"still_displacement"`
	WristStdDev       float64 `json:"wrist_std_dev"`
	SitAspectRatio    float64 `json:"sit_aspect_ratio"`
}

type ViolationsConfig struct {
	MarginX       float64  `json:"margin_x"`
	MarginY       float64  `json:"margin_y"`
	FallAspect    float64  `json:"fall_aspect"`
	WindowSize    int      `json:"window_size"`
	StableHits    int      `json:"stable_hits"`
	Cooldown      Duration `json:"cooldown"`
	HelmetPoints  int      `json:"helmet_points"`
	DefaultPoints int      `json:"default_points"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	p := analyzer.DefaultConfig()
	agent := recognition.DefaultAgentConfig()
	return &Config{
		LogLevel: "info",
		Addr:     ":8080",
		Storage: StorageConfig{
			Driver: DriverSQLite,
			DSN:    "argus.db",
		},
		Recognition: RecognitionConfig{
			Engine:        RecognizerRecorded,
			OllamaURL:     agent.BaseURL,
			OllamaPort:    agent.Port,
			Model:         agent.Model,
			Confidence:    agent.Confidence,
			MinConfidence: p.MinTrainConfidence,
			FrameDir:      agent.FrameDir,
		},
		Pipeline: PipelineConfig{
			CameraID:          p.CameraID,
			FrameStep:         p.FrameStep,
			DefaultFPS:        p.DefaultFPS,
			TimestampInterval: Duration(p.TimestampInterval),
			TrainInterval:     Duration(p.TrainInterval),
			TrainGate:         p.TrainGate,
			DepartureTimeout:  Duration(p.DepartureTimeout),
			FlushEveryFrames:  p.FlushEveryFrames,
			BatchSize:         p.BatchSize,
			MaxWorkers:        analyzer.DefaultMaxWorkers,
		},
		Tracking: TrackingConfig{
			GhostWindow: p.Tracking.GhostWindow,
			MaxDistance: p.Tracking.MaxDistance,
		},
		Activity: ActivityConfig{
			HistorySize:       p.Activity.HistorySize,
			MinSamples:        p.Activity.MinSamples,
			WalkDisplacement:  p.Activity.WalkDisplacement,
			StillDisplacement: p.Activity.StillDisplacement,
			WristStdDev:       p.Activity.WristStdDev,
			SitAspectRatio:    p.Activity.SitAspectRatio,
		},
		Violations: ViolationsConfig{
			MarginX:       p.Violations.MarginX,
			MarginY:       p.Violations.MarginY,
			FallAspect:    p.Violations.FallAspect,
			WindowSize:    p.Violations.WindowSize,
			StableHits:    p.Violations.StableHits,
			Cooldown:      Duration(p.Violations.Cooldown),
			HelmetPoints:  p.Violations.HelmetPoints,
			DefaultPoints: p.Violations.DefaultPoints,
		},
	}
}

// Load reads a JSON config file over the defaults, so a partial file only
// changes the fields it names. An empty path yields the defaults. Environment
// overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// Validate the config file path.
		cleanPath := filepath.Clean(path)
		if ext := filepath.Ext(cleanPath); ext != ".json" {
			return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
		}

		// Check file size for safety (max 1MB)
		fileInfo, err := os.Stat(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if fileInfo.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
		}

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("ARGUS_DB_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := getenv("ARGUS_DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := getenv("ARGUS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("ARGUS_ADDR"); v != "" {
		c.Addr = v
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, levelErr := ParseLevel(c.LogLevel)
	check(levelErr == nil, "log_level: unknown level %q", c.LogLevel)

	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres, DriverFile:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	check(c.Storage.DSN != "", "storage.dsn must be set")

	switch c.Recognition.Engine {
	case RecognizerRecorded, RecognizerVision:
	default:
		errs = append(errs, fmt.Errorf("recognition.engine: unknown engine %q", c.Recognition.Engine))
	}
	check(c.Recognition.MinConfidence >= 0 && c.Recognition.MinConfidence <= 1,
		"recognition.min_confidence must be within [0, 1], got %v", c.Recognition.MinConfidence)

	check(c.Pipeline.FrameStep >= 1, "pipeline.frame_step must be at least 1, got %d", c.Pipeline.FrameStep)
	check(c.Pipeline.DefaultFPS > 0, "pipeline.default_fps must be positive")
	check(c.Pipeline.DepartureTimeout > 0, "pipeline.departure_timeout must be positive")
	check(c.Pipeline.BatchSize >= 1, "pipeline.batch_size must be at least 1, got %d", c.Pipeline.BatchSize)
	check(c.Pipeline.MaxWorkers >= 1, "pipeline.max_workers must be at least 1, got %d", c.Pipeline.MaxWorkers)
	check(c.Pipeline.FlushEveryFrames >= 0, "pipeline.flush_every_frames must not be negative")

	check(c.Tracking.GhostWindow >= 1, "tracking.ghost_window must be at least 1")
	check(c.Tracking.MaxDistance > 0, "tracking.max_distance must be positive")

	check(c.Activity.MinSamples >= 1, "activity.min_samples must be at least 1")
	check(c.Activity.HistorySize >= c.Activity.MinSamples,
		"activity.history_size (%d) must be at least min_samples (%d)", c.Activity.HistorySize, c.Activity.MinSamples)

	check(c.Violations.WindowSize >= 1, "violations.window_size must be at least 1")
	check(c.Violations.StableHits >= 1 && c.Violations.StableHits <= c.Violations.WindowSize,
		"violations.stable_hits must be within [1, window_size], got %d", c.Violations.StableHits)
	check(c.Violations.Cooldown >= 0, "violations.cooldown must not be negative")

	return errors.Join(errs...)
}

// AnalyzerConfig assembles the pipeline configuration.
func (c *Config) AnalyzerConfig() analyzer.Config {
	p := analyzer.DefaultConfig()
	p.CameraID = c.Pipeline.CameraID
	p.FrameStep = c.Pipeline.FrameStep
	p.DefaultFPS = c.Pipeline.DefaultFPS
	p.TimestampInterval = time.Duration(c.Pipeline.TimestampInterval)
	p.TrainInterval = time.Duration(c.Pipeline.TrainInterval)
	p.TrainGate = c.Pipeline.TrainGate
	p.MinTrainConfidence = c.Recognition.MinConfidence
	p.DepartureTimeout = time.Duration(c.Pipeline.DepartureTimeout)
	p.FlushEveryFrames = c.Pipeline.FlushEveryFrames
	p.BatchSize = c.Pipeline.BatchSize

	p.Tracking.GhostWindow = c.Tracking.GhostWindow
	p.Tracking.MaxDistance = c.Tracking.MaxDistance

	p.Activity.HistorySize = c.Activity.HistorySize
	p.Activity.MinSamples = c.Activity.MinSamples
	p.Activity.WalkDisplacement = c.Activity.WalkDisplacement
	p.Activity.StillDisplacement = c.Activity.StillDisplacement
	p.Activity.WristStdDev = c.Activity.WristStdDev
	p.Activity.SitAspectRatio = c.Activity.SitAspectRatio

	p.Violations = violations.Config{
		MarginX:       c.Violations.MarginX,
		MarginY:       c.Violations.MarginY,
		FallAspect:    c.Violations.FallAspect,
		WindowSize:    c.Violations.WindowSize,
		StableHits:    c.Violations.StableHits,
		Cooldown:      time.Duration(c.Violations.Cooldown),
		HelmetPoints:  c.Violations.HelmetPoints,
		DefaultPoints: c.Violations.DefaultPoints,
		Classes:       violations.DefaultClasses,
	}
	return p
}

// AgentConfig assembles the vision recognizer configuration.
func (c *Config) AgentConfig() recognition.AgentConfig {
	return recognition.AgentConfig{
		BaseURL:    c.Recognition.OllamaURL,
		Port:       c.Recognition.OllamaPort,
		Model:      c.Recognition.Model,
		Confidence: c.Recognition.Confidence,
		FrameDir:   c.Recognition.FrameDir,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
