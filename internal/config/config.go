package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/videoscan/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing  `json:"processing"`
	Extraction Extraction  `json:"extraction"`
	Gate       QualityGate `json:"quality_gate"`
	Engine     Engine      `json:"engine"`
	Export     Export      `json:"export"`
	Logging    Logging     `json:"logging"`
	Paths      Paths       `json:"paths"`
	Web        Web         `json:"web"`
}

// Processing captures execution preferences for the run loop.
type Processing struct {
	ParallelJobs         int    `json:"parallel_jobs"`
	TargetImagesPerVideo int    `json:"target_images_per_video"`
	MaxIterations        int    `json:"max_iterations"`
	TempDir              string `json:"temp_dir"`
}

// Extraction configures initial and targeted frame extraction.
type Extraction struct {
	BaseIntervalSec float64  `json:"base_interval_sec"`
	MinIntervalSec  float64  `json:"min_interval_sec"`
	MaxIntervalSec  float64  `json:"max_interval_sec"`
	FramesPerSecond float64  `json:"targeted_frames_per_second"`
	JPEGQuality     int      `json:"jpeg_quality"`
	CubeFaces       bool     `json:"cube_faces"`
	FaceNames       []string `json:"face_names"`
	FaceResolution  int      `json:"face_resolution"`
	FFmpegPath      string   `json:"ffmpeg_path"`
	FFprobePath     string   `json:"ffprobe_path"`
}

// QualityGate configures frame acceptance before admission to the
// working image set.
type QualityGate struct {
	Enabled             bool     `json:"enabled"`
	DetectorCommand     string   `json:"detector_command"`
	DetectorArgs        []string `json:"detector_args"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	AreaRatioThreshold  float64  `json:"area_ratio_threshold"`
	MinBrightness       float64  `json:"min_brightness"`
	MinSharpness        float64  `json:"min_sharpness"`
	UseImageStats       bool     `json:"use_image_stats"`
}

// Engine configures the external alignment engine CLI.
type Engine struct {
	ExecutablePath string `json:"executable_path"`
	Quality        string `json:"quality"` // draft, normal, high
	TempDirectory  string `json:"temp_directory"`
	StopConditions Stops  `json:"stop_conditions"`
}

// Stops holds the iteration stop thresholds.
type Stops struct {
	SingleComponentThreshold   float64 `json:"single_component_threshold"`
	ReprojectionErrorThreshold float64 `json:"reprojection_error_threshold"`
	AlignmentRatioThreshold    float64 `json:"alignment_ratio_threshold"`
	ImprovementThreshold       float64 `json:"improvement_threshold"`
}

// Export controls dataset generation.
type Export struct {
	GenerateCameraCSV  bool   `json:"generate_camera_csv"`
	GeneratePointCloud bool   `json:"generate_pointcloud"`
	ImageFormat        string `json:"image_format"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
	WatchDir      string `json:"watch_dir"`
}

// Web configures the progress dashboard.
type Web struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("VIDEOSCAN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs:         defaultParallel,
			TargetImagesPerVideo: 330,
			MaxIterations:        10,
			TempDir:              filepath.Join(os.TempDir(), "videoscan"),
		},
		Extraction: Extraction{
			BaseIntervalSec: 3.0,
			MinIntervalSec:  1.0,
			MaxIntervalSec:  8.0,
			FramesPerSecond: 3.0,
			JPEGQuality:     95,
			FaceNames:       []string{"front", "back", "left", "right", "up", "down"},
			FaceResolution:  1600,
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
		},
		Gate: QualityGate{
			Enabled:             true,
			ConfidenceThreshold: 0.5,
			AreaRatioThreshold:  0.15,
			MinBrightness:       0.05,
			MinSharpness:        0.02,
			UseImageStats:       true,
		},
		Engine: Engine{
			ExecutablePath: "RealityScan",
			Quality:        "normal",
			TempDirectory:  filepath.Join(os.TempDir(), "videoscan-align"),
			StopConditions: Stops{
				SingleComponentThreshold:   0.95,
				ReprojectionErrorThreshold: 2.0,
				AlignmentRatioThreshold:    0.95,
				ImprovementThreshold:       0.02,
			},
		},
		Export: Export{
			GenerateCameraCSV:  true,
			GeneratePointCloud: true,
			ImageFormat:        "jpeg",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "videoscan.db"),
		},
		Web: Web{
			Enabled: false,
			Port:    8575,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
