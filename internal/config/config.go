// Package config loads animaldetect settings from an optional YAML file and
// ANIMALDETECT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Model     string `yaml:"model"`
	// Backend is local or remote.
	Backend         string        `yaml:"backend"`
	RemoteURL       string        `yaml:"remote_url"`
	RemoteTimeout   time.Duration `yaml:"remote_timeout"`
	RefreshInterval int           `yaml:"refresh_interval"`
	// ConfThreshold and NMSThreshold override the bundle values when set.
	ConfThreshold *float32 `yaml:"conf_threshold,omitempty"`
	NMSThreshold  *float32 `yaml:"nms_threshold,omitempty"`

	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Engine EngineConfig `yaml:"engine"`
	Video  VideoConfig  `yaml:"video"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Mode is passed to gin: debug, release or test.
	Mode string `yaml:"mode"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type EngineConfig struct {
	// OnnxLibrary is the onnxruntime shared library; empty uses the default.
	OnnxLibrary    string `yaml:"onnx_library"`
	PoolSize       int    `yaml:"pool_size"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
}

type VideoConfig struct {
	// Encoder is an ffmpeg H.264 encoder; empty picks the best available.
	Encoder        string `yaml:"encoder"`
	Quality        int    `yaml:"quality"`
	PreviewWidth   int    `yaml:"preview_width"`
	PreviewQuality int    `yaml:"preview_quality"`
}

func Default() *Config {
	return &Config{
		ModelsDir:       "models",
		Backend:         "local",
		RemoteTimeout:   30 * time.Second,
		RefreshInterval: 5,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8791,
			Mode: "release",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Video: VideoConfig{
			PreviewWidth:   640,
			PreviewQuality: 80,
		},
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file.
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
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ModelsDir = getEnv("ANIMALDETECT_MODELS_DIR", c.ModelsDir)
	c.Model = getEnv("ANIMALDETECT_MODEL", c.Model)
	c.Backend = getEnv("ANIMALDETECT_BACKEND", c.Backend)
	c.RemoteURL = getEnv("ANIMALDETECT_REMOTE_URL", c.RemoteURL)
	c.Server.Host = getEnv("ANIMALDETECT_HOST", c.Server.Host)
	c.Server.Mode = getEnv("ANIMALDETECT_GIN_MODE", c.Server.Mode)
	c.Log.Level = getEnv("ANIMALDETECT_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("ANIMALDETECT_LOG_FORMAT", c.Log.Format)
	c.Engine.OnnxLibrary = getEnv("ANIMALDETECT_ONNX_LIBRARY", c.Engine.OnnxLibrary)
	c.Video.Encoder = getEnv("ANIMALDETECT_VIDEO_ENCODER", c.Video.Encoder)

	var err error
	if c.Server.Port, err = getEnvInt("ANIMALDETECT_PORT", c.Server.Port); err != nil {
		return err
	}
	if c.RefreshInterval, err = getEnvInt("ANIMALDETECT_REFRESH_INTERVAL", c.RefreshInterval); err != nil {
		return err
	}
	if c.Engine.PoolSize, err = getEnvInt("ANIMALDETECT_POOL_SIZE", c.Engine.PoolSize); err != nil {
		return err
	}
	if v := os.Getenv("ANIMALDETECT_REMOTE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ANIMALDETECT_REMOTE_TIMEOUT: %w", err)
		}
		c.RemoteTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "local":
	case "remote":
		if c.RemoteURL == "" {
			return fmt.Errorf("backend remote needs remote_url")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.RefreshInterval < 1 {
		return fmt.Errorf("refresh_interval must be at least 1, got %d", c.RefreshInterval)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote_timeout must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	for _, t := range []*float32{c.ConfThreshold, c.NMSThreshold} {
		if t != nil && (*t < 0 || *t > 1) {
			return fmt.Errorf("thresholds must lie in [0, 1]")
		}
	}
	if c.Engine.PoolSize < 0 || c.Engine.IntraOpThreads < 0 {
		return fmt.Errorf("engine pool_size and intra_op_threads must not be negative")
	}
	if c.Video.PreviewQuality < 0 || c.Video.PreviewQuality > 100 {
		return fmt.Errorf("preview_quality must lie in [0, 100]")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnv returns the variable or def when it is unset or empty.
func getEnv(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
