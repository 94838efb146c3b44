package config

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Detector modes.
const (
	ModeBalanced     = "balanced"
	ModeUltraFast    = "ultra-fast"
	ModeHighAccuracy = "high-accuracy"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Camera backends.
const (
	CameraFFmpeg = "ffmpeg"
	CameraGocv   = "gocv"
)

type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Detector    DetectorConfig    `yaml:"detector"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Database    DatabaseConfig    `yaml:"database"`
	Evidence    EvidenceConfig    `yaml:"evidence"`
	Kiosk       KioskConfig       `yaml:"kiosk"`
	Worker      WorkerConfig      `yaml:"worker"`
}

type CameraConfig struct {
	Backend     string `yaml:"backend"`      // ffmpeg or gocv
	Device      string `yaml:"device"`       // /dev/video0, a device index, or a video file
	InputFormat string `yaml:"input_format"` // ffmpeg -f value (v4l2, avfoundation, dshow); empty for files
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
}

type DetectorConfig struct {
	Mode                string        `yaml:"mode"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	MinFaceArea         float64       `yaml:"min_face_area"`
	MaxFaceArea         float64       `yaml:"max_face_area"`
	MaxFaces            int           `yaml:"max_faces"`
	CacheWindow         time.Duration `yaml:"cache_window"`
	WarmUp              bool          `yaml:"warm_up"`
	ROI                 []int         `yaml:"roi"` // x1, y1, x2, y2 in frame pixels; empty means the whole frame
}

// Region returns the configured ROI, or an empty rectangle for the whole frame.
func (d DetectorConfig) Region() image.Rectangle {
	if len(d.ROI) != 4 {
		return image.Rectangle{}
	}
	return image.Rect(d.ROI[0], d.ROI[1], d.ROI[2], d.ROI[3])
}

type RecognitionConfig struct {
	MatchThreshold        float64       `yaml:"match_threshold"`
	ConfidenceThreshold   float64       `yaml:"confidence_threshold"`
	HighConfidence        float64       `yaml:"high_confidence"`
	HistorySize           int           `yaml:"history_size"`
	MaxConcurrentFaces    int           `yaml:"max_concurrent_faces"`
	Interval              time.Duration `yaml:"interval"`
	CacheRefresh          time.Duration `yaml:"cache_refresh"`
	Cooldown              time.Duration `yaml:"cooldown"`
	CooldownGatesFastPath bool          `yaml:"cooldown_gates_fast_path"`
	StopTimeout           time.Duration `yaml:"stop_timeout"`
	StoreTimeout          time.Duration `yaml:"store_timeout"`
	CheckKind             string        `yaml:"check_kind"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`
	SQLitePath string `yaml:"sqlite_path"`
}

type EvidenceConfig struct {
	Dir     string `yaml:"dir"`
	Quality int    `yaml:"quality"`
}

type KioskConfig struct {
	Addr        string `yaml:"addr"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

type WorkerConfig struct {
	Python        string        `yaml:"python"`
	Script        string        `yaml:"script"`
	DetectionSize int           `yaml:"detection_size"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Default returns the balanced kiosk configuration.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Backend:     CameraFFmpeg,
			Device:      "/dev/video0",
			InputFormat: "v4l2",
			Width:       640,
			Height:      480,
			FPS:         30,
		},
		Detector: DetectorConfig{
			Mode:                ModeBalanced,
			ConfidenceThreshold: 0.6,
			MinFaceArea:         800,
			MaxFaceArea:         400 * 400,
			MaxFaces:            3,
			CacheWindow:         33 * time.Millisecond,
			WarmUp:              true,
		},
		Recognition: RecognitionConfig{
			MatchThreshold:        0.5,
			ConfidenceThreshold:   0.6,
			HighConfidence:        0.7,
			HistorySize:           3,
			MaxConcurrentFaces:    5,
			Interval:              100 * time.Millisecond,
			CacheRefresh:          30 * time.Second,
			Cooldown:              2 * time.Second,
			CooldownGatesFastPath: true,
			StopTimeout:           3 * time.Second,
			StoreTimeout:          5 * time.Second,
			CheckKind:             "Check In",
		},
		Database: DatabaseConfig{
			Driver:     DriverPostgres,
			SQLitePath: "rollcall.db",
		},
		Evidence: EvidenceConfig{
			Dir:     "attendance_images",
			Quality: 90,
		},
		Kiosk: KioskConfig{
			Addr:        ":8080",
			JPEGQuality: 80,
		},
		Worker: WorkerConfig{
			Python:        "python3",
			Script:        "python/worker.py",
			DetectionSize: 416,
			Timeout:       5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		// The preset fills in the mode's knobs, then explicit YAML values win again.
		if cfg.Detector.Mode != ModeBalanced {
			if err := cfg.ApplyMode(cfg.Detector.Mode); err != nil {
				return nil, fmt.Errorf("invalid config %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// ApplyMode overwrites the detector and cadence knobs with a preset.
func (c *Config) ApplyMode(mode string) error {
	switch mode {
	case ModeBalanced:
		c.Detector.MaxFaces = 3
		c.Detector.CacheWindow = 33 * time.Millisecond
		c.Detector.ConfidenceThreshold = 0.6
		c.Worker.DetectionSize = 416
	case ModeUltraFast:
		c.Detector.MaxFaces = 2
		c.Detector.CacheWindow = 100 * time.Millisecond
		c.Detector.ConfidenceThreshold = 0.7
		c.Worker.DetectionSize = 320
	case ModeHighAccuracy:
		c.Detector.MaxFaces = 5
		c.Detector.CacheWindow = 20 * time.Millisecond
		c.Detector.ConfidenceThreshold = 0.5
		c.Worker.DetectionSize = 640
	default:
		return fmt.Errorf("unknown detector mode %q", mode)
	}
	c.Detector.Mode = mode
	return nil
}

func (c *Config) applyEnv() {
	if mode := os.Getenv("ROLLCALL_MODE"); mode != "" {
		// Invalid modes surface through Validate.
		if err := c.ApplyMode(mode); err != nil {
			c.Detector.Mode = mode
		}
	}
	c.Camera.Backend = envString("ROLLCALL_CAMERA_BACKEND", c.Camera.Backend)
	c.Camera.Device = envString("ROLLCALL_CAMERA_DEVICE", c.Camera.Device)
	c.Camera.InputFormat = envString("ROLLCALL_CAMERA_FORMAT", c.Camera.InputFormat)
	c.Camera.FPS = envInt("ROLLCALL_CAMERA_FPS", c.Camera.FPS)
	c.Detector.ROI = envInts("ROLLCALL_ROI", c.Detector.ROI)

	c.Recognition.MatchThreshold = envFloat("ROLLCALL_MATCH_THRESHOLD", c.Recognition.MatchThreshold)
	c.Recognition.ConfidenceThreshold = envFloat("ROLLCALL_CONFIDENCE_THRESHOLD", c.Recognition.ConfidenceThreshold)
	c.Recognition.HighConfidence = envFloat("ROLLCALL_HIGH_CONFIDENCE", c.Recognition.HighConfidence)
	c.Recognition.Interval = envDuration("ROLLCALL_RECOGNITION_INTERVAL", c.Recognition.Interval)
	c.Recognition.CacheRefresh = envDuration("ROLLCALL_CACHE_REFRESH", c.Recognition.CacheRefresh)
	c.Recognition.Cooldown = envDuration("ROLLCALL_COOLDOWN", c.Recognition.Cooldown)
	c.Recognition.CheckKind = envString("ROLLCALL_CHECK_KIND", c.Recognition.CheckKind)

	c.Database.Driver = envString("ROLLCALL_DB_DRIVER", c.Database.Driver)
	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.SQLitePath = envString("ROLLCALL_SQLITE_PATH", c.Database.SQLitePath)

	c.Evidence.Dir = envString("ROLLCALL_EVIDENCE_DIR", c.Evidence.Dir)
	c.Kiosk.Addr = envString("ROLLCALL_ADDR", c.Kiosk.Addr)
	c.Worker.Script = envString("ROLLCALL_WORKER_SCRIPT", c.Worker.Script)
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Detector.Mode {
	case ModeBalanced, ModeUltraFast, ModeHighAccuracy:
	default:
		return fmt.Errorf("unknown detector mode %q", c.Detector.Mode)
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Camera.Backend {
	case CameraFFmpeg, CameraGocv:
	default:
		return fmt.Errorf("unknown camera backend %q", c.Camera.Backend)
	}
	if c.Recognition.CheckKind != "Check In" && c.Recognition.CheckKind != "Check Out" {
		return fmt.Errorf("check kind must be \"Check In\" or \"Check Out\", got %q", c.Recognition.CheckKind)
	}

	r := c.Recognition
	for name, v := range map[string]float64{
		"match_threshold":      r.MatchThreshold,
		"confidence_threshold": r.ConfidenceThreshold,
		"high_confidence":      r.HighConfidence,
		"detector confidence":  c.Detector.ConfidenceThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0.0 and 1.0, got %v", name, v)
		}
	}
	if r.HighConfidence < r.ConfidenceThreshold {
		return errors.New("high_confidence must not be below confidence_threshold")
	}
	if r.HistorySize < 1 {
		return errors.New("history_size must be at least 1")
	}
	if r.MaxConcurrentFaces < 1 || c.Detector.MaxFaces < 1 {
		return errors.New("face limits must be at least 1")
	}
	if r.Interval <= 0 || r.CacheRefresh <= 0 || r.StopTimeout <= 0 || r.StoreTimeout <= 0 {
		return errors.New("intervals and timeouts must be positive")
	}
	if r.Cooldown < 0 {
		return errors.New("cooldown must not be negative")
	}
	if c.Detector.MinFaceArea < 0 || c.Detector.MaxFaceArea < c.Detector.MinFaceArea {
		return errors.New("face area bounds are inconsistent")
	}
	if roi := c.Detector.ROI; len(roi) > 0 {
		if len(roi) != 4 {
			return fmt.Errorf("detector roi needs 4 values (x1, y1, x2, y2), got %d", len(roi))
		}
		if roi[0] < 0 || roi[1] < 0 || roi[2] <= roi[0] || roi[3] <= roi[1] {
			return fmt.Errorf("detector roi %v is not a valid rectangle", roi)
		}
	}
	if c.Camera.FPS < 1 {
		return errors.New("camera fps must be at least 1")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads a positive integer, falling back to defaultVal when unset or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envInts reads a comma separated list of integers. Malformed lists are kept
// as a single invalid entry so Validate rejects them.
func envInts(key string, defaultVal []int) []int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return []int{-1}
		}
		out = append(out, n)
	}
	return out
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return defaultVal
}
