package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

// ServerConfig points at the ingest server and configures the local
// control API.
type ServerConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// CaptureConfig configures device selection and audio encoding.
type CaptureConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`         // "pipewire", "pion", "auto"
	SourceType  string `mapstructure:"source_type" yaml:"source_type"` // "camera", "screen"
	AudioDevice string `mapstructure:"audio_device" yaml:"audio_device"`
	VideoDevice string `mapstructure:"video_device" yaml:"video_device"`
	TimesliceMs int    `mapstructure:"timeslice_ms" yaml:"timeslice_ms"`
	MimeType    string `mapstructure:"mime_type" yaml:"mime_type"`
	SampleRate  int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels    int    `mapstructure:"channels" yaml:"channels"`
}

// StorageConfig configures the durable local spool.
type StorageConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

var defaultConfig = Config{
	Server: ServerConfig{
		BaseURL: "http://localhost:8787",
		Port:    8080,
	},
	Capture: CaptureConfig{
		Backend:     "auto",
		SourceType:  "camera",
		TimesliceMs: 1000,
		MimeType:    "audio/pcm",
		SampleRate:  48000,
		Channels:    1,
	},
	Storage: StorageConfig{
		Directory: "~/.local/share/meetcapture/spool",
	},
}

// Default returns a copy of the built-in defaults.
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// Load reads the configuration file at path, merges it over the
// defaults and validates the result. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEETCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Storage.Directory = ExpandPath(cfg.Storage.Directory)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", defaultConfig.Server.BaseURL)
	v.SetDefault("server.port", defaultConfig.Server.Port)
	v.SetDefault("capture.backend", defaultConfig.Capture.Backend)
	v.SetDefault("capture.source_type", defaultConfig.Capture.SourceType)
	v.SetDefault("capture.audio_device", "")
	v.SetDefault("capture.video_device", "")
	v.SetDefault("capture.timeslice_ms", defaultConfig.Capture.TimesliceMs)
	v.SetDefault("capture.mime_type", defaultConfig.Capture.MimeType)
	v.SetDefault("capture.sample_rate", defaultConfig.Capture.SampleRate)
	v.SetDefault("capture.channels", defaultConfig.Capture.Channels)
	v.SetDefault("storage.directory", defaultConfig.Storage.Directory)
}

// Validate checks the configuration for values the pipeline cannot
// work with.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server.base_url must be an http(s) URL, got: %s", c.Server.BaseURL)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}

	switch c.Capture.Backend {
	case "pipewire", "pion", "auto":
	default:
		return fmt.Errorf("capture.backend must be one of pipewire, pion, auto, got: %s", c.Capture.Backend)
	}

	switch c.Capture.SourceType {
	case "camera", "screen":
	default:
		return fmt.Errorf("capture.source_type must be camera or screen, got: %s", c.Capture.SourceType)
	}

	if c.Capture.TimesliceMs <= 0 {
		return fmt.Errorf("capture.timeslice_ms must be positive, got: %d", c.Capture.TimesliceMs)
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be positive, got: %d", c.Capture.SampleRate)
	}
	if c.Capture.Channels != 1 && c.Capture.Channels != 2 {
		return fmt.Errorf("capture.channels must be 1 or 2, got: %d", c.Capture.Channels)
	}

	if c.Storage.Directory == "" {
		return fmt.Errorf("storage.directory is required")
	}

	return nil
}

// ExpandPath expands a leading ~ and environment variables in a path.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
