// Package config holds the explicit session configuration. A Config is
// constructed once, validated, and passed down; nothing in the module reads
// ambient settings at call time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load and New for fields left zero.
const (
	DefaultModel        = "models/gemini-2.0-flash-live-001"
	DefaultCameraFPS    = 1
	DefaultScreenFPS    = 1
	DefaultImageQuality = 70
	DefaultMaxWidth     = 1024
	DefaultSampleRate   = 16000
	DefaultDialTimeout  = 10 * time.Second
)

// Config is the full session configuration.
type Config struct {
	// Endpoint is the WebSocket URL of the live service. Required.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates the connection. Required.
	APIKey string `yaml:"api_key"`

	// Model is the model resource name placed in the setup message.
	Model string `yaml:"model"`

	// SystemInstruction is the coaching system prompt.
	SystemInstruction string `yaml:"system_instruction"`

	// CameraFPS and ScreenFPS set the capture cadence per pipeline.
	CameraFPS int `yaml:"camera_fps"`
	ScreenFPS int `yaml:"screen_fps"`

	// ImageQuality is the JPEG quality (1-100) for captured frames.
	ImageQuality int `yaml:"image_quality"`

	// MaxImageWidth caps captured frame width in pixels before encoding.
	MaxImageWidth int `yaml:"max_image_width"`

	// SampleRate is the microphone PCM sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// DialTimeout bounds the WebSocket dial.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// TranscriptionEndpoint is the URL for transcription peers. Empty
	// disables transcription.
	TranscriptionEndpoint string `yaml:"transcription_endpoint"`
}

// New builds a validated Config with defaults applied.
func New(endpoint, apiKey string) (*Config, error) {
	cfg := &Config{Endpoint: endpoint, APIKey: apiKey}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a YAML config file, applies environment overrides, fills
// defaults, and validates. Environment variables LIVECOACH_ENDPOINT and
// LIVECOACH_API_KEY override the file so credentials can stay out of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LIVECOACH_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("LIVECOACH_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("LIVECOACH_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("LIVECOACH_CAMERA_FPS"); v != "" {
		if fps, err := strconv.Atoi(v); err == nil {
			c.CameraFPS = fps
		}
	}
	if v := os.Getenv("LIVECOACH_SCREEN_FPS"); v != "" {
		if fps, err := strconv.Atoi(v); err == nil {
			c.ScreenFPS = fps
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.CameraFPS == 0 {
		c.CameraFPS = DefaultCameraFPS
	}
	if c.ScreenFPS == 0 {
		c.ScreenFPS = DefaultScreenFPS
	}
	if c.ImageQuality == 0 {
		c.ImageQuality = DefaultImageQuality
	}
	if c.MaxImageWidth == 0 {
		c.MaxImageWidth = DefaultMaxWidth
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

// Validate fails fast on configuration the session cannot run with.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key must not be empty")
	}
	if c.CameraFPS < 0 || c.ScreenFPS < 0 {
		return fmt.Errorf("fps values must not be negative")
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("image quality must be in 1..100, got %d", c.ImageQuality)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	return nil
}
