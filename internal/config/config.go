package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration, read from a YAML file with env-var
// overrides for deployment-specific values.
type Config struct {
	ListenAddr string       `yaml:"listen_addr"`
	Camera     CameraConfig `yaml:"camera"`
	Car        CarConfig    `yaml:"car"`
}

// CameraConfig configures the capture pipeline.
type CameraConfig struct {
	// Device is the V4L2 device path. Empty means autodetect the first
	// /dev/video* device; streaming is disabled when none exists.
	Device            string        `yaml:"device"`
	FFmpegPath        string        `yaml:"ffmpeg_path"`
	Width             int           `yaml:"width"`
	Height            int           `yaml:"height"`
	Framerate         int           `yaml:"framerate"`
	FirstFrameTimeout time.Duration `yaml:"first_frame_timeout"`
	// StillsDir is where take-picture saves JPEGs. Empty means the user's
	// home directory.
	StillsDir string `yaml:"stills_dir"`
}

// CarConfig configures the drive train.
type CarConfig struct {
	SerialPort   string        `yaml:"serial_port"`
	DefaultSpeed float64       `yaml:"default_speed"`
	Pulse        time.Duration `yaml:"pulse"`
}

func defaults() *Config {
	return &Config{
		ListenAddr: ":5002",
		Camera: CameraConfig{
			FFmpegPath:        "ffmpeg",
			Width:             640,
			Height:            480,
			Framerate:         24,
			FirstFrameTimeout: 10 * time.Second,
		},
		Car: CarConfig{
			SerialPort:   "/dev/serial0",
			DefaultSpeed: 98,
		},
	}
}

// Load reads the config file at path, applying defaults for anything unset.
// A missing file is not an error: defaults apply. LISTEN_ADDR overrides the
// listen address in either case.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Camera.FirstFrameTimeout <= 0 {
		return fmt.Errorf("camera.first_frame_timeout must be positive")
	}
	if c.Car.DefaultSpeed < 0 || c.Car.DefaultSpeed > 100 {
		return fmt.Errorf("car.default_speed must be in 0-100")
	}
	return nil
}
