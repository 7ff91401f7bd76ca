package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Detector DetectorConfig `yaml:"detector"`
	Playback PlaybackConfig `yaml:"playback"`
	Camera   CameraConfig   `yaml:"camera"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // PostgreSQL connection URL; built from POSTGRES_* when empty
}

type DetectorConfig struct {
	Backend       string   `yaml:"backend"`   // "pigo" or "worker"
	ModelDir      string   `yaml:"model_dir"` // pigo cascade directory
	FaceCascade   string   `yaml:"face_cascade"`
	PupilCascade  string   `yaml:"pupil_cascade"`
	LandmarkDir   string   `yaml:"landmark_dir"`
	MinSize       int      `yaml:"min_size"`
	MaxSize       int      `yaml:"max_size"`
	ShiftFactor   float64  `yaml:"shift_factor"`
	ScaleFactor   float64  `yaml:"scale_factor"`
	IoUThreshold  float64  `yaml:"iou_threshold"`
	MinScore      float64  `yaml:"min_score"`
	WorkerCommand []string `yaml:"worker_command"` // argv of the landmark worker process
}

type PlaybackConfig struct {
	RefreshRate float64 `yaml:"refresh_rate"` // display refresh, Hz
	Video       string  `yaml:"video"`        // default background clip
	Track       string  `yaml:"track"`        // default head track location
}

type CameraConfig struct {
	Device string        `yaml:"device"`
	Format string        `yaml:"format"` // ffmpeg input format, e.g. v4l2, avfoundation
	Delay  time.Duration `yaml:"delay"`  // wait before grabbing the still
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Backend:       "pigo",
			ModelDir:      "models",
			FaceCascade:   "facefinder",
			PupilCascade:  "puploc",
			LandmarkDir:   "lps",
			MinSize:       60,
			MaxSize:       1000,
			ShiftFactor:   0.1,
			ScaleFactor:   1.1,
			IoUThreshold:  0.2,
			MinScore:      5.0,
			WorkerCommand: []string{"python3", "-u", "python/landmarks.py"},
		},
		Playback: PlaybackConfig{
			RefreshRate: 60,
			Video:       "assets/video.mp4",
			Track:       "assets/video-head-data.json",
		},
		Camera: CameraConfig{
			Device: "/dev/video0",
			Format: "v4l2",
			Delay:  2 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Database.URL = envString("MEMEFACE_DATABASE_URL", c.Database.URL)
	if c.Database.URL == "" {
		c.Database.URL = postgresURL()
	}

	d := &c.Detector
	d.Backend = envString("MEMEFACE_DETECTOR", d.Backend)
	d.ModelDir = envString("MEMEFACE_MODEL_DIR", d.ModelDir)
	d.MinSize = envInt("MEMEFACE_MIN_FACE_SIZE", d.MinSize)
	d.MaxSize = envInt("MEMEFACE_MAX_FACE_SIZE", d.MaxSize)
	if s := os.Getenv("MEMEFACE_WORKER_COMMAND"); s != "" {
		d.WorkerCommand = strings.Fields(s)
	}

	c.Playback.Video = envString("MEMEFACE_VIDEO", c.Playback.Video)
	c.Playback.Track = envString("MEMEFACE_TRACK", c.Playback.Track)
	c.Camera.Device = envString("MEMEFACE_CAMERA", c.Camera.Device)
}

// postgresURL builds a connection string from the POSTGRES_* variables,
// falling back to a local default.
func postgresURL() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/memeface"
	}
	port := envString("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Detector.Backend {
	case "pigo":
		if c.Detector.MinSize <= 0 || c.Detector.MaxSize < c.Detector.MinSize {
			return fmt.Errorf("invalid face size range %d..%d", c.Detector.MinSize, c.Detector.MaxSize)
		}
	case "worker":
		if len(c.Detector.WorkerCommand) == 0 {
			return fmt.Errorf("detector backend %q needs worker_command", c.Detector.Backend)
		}
	default:
		return fmt.Errorf("unknown detector backend %q (want pigo or worker)", c.Detector.Backend)
	}
	if c.Playback.RefreshRate <= 0 {
		return fmt.Errorf("refresh_rate must be positive, got %v", c.Playback.RefreshRate)
	}
	if c.Camera.Delay < 0 {
		return fmt.Errorf("camera delay must not be negative, got %v", c.Camera.Delay)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
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
