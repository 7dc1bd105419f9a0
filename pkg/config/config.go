package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server settings. APIKey protects every endpoint
// except /health when set; TLSCert/TLSKey switch the API server to HTTPS.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
	LogJSON     bool   `mapstructure:"log_json"`
	APIKey      string `mapstructure:"api_key"`
	TLSCert     string `mapstructure:"tls_cert"`
	TLSKey      string `mapstructure:"tls_key"`
}

// WorkerConfig holds background scheduler settings
type WorkerConfig struct {
	MaxParallel  int           `mapstructure:"max_parallel"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// StorageConfig holds artifact store settings
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// VideoConfig holds composite stage settings
type VideoConfig struct {
	EndSilence   time.Duration `mapstructure:"end_silence"`
	WatermarkRef string        `mapstructure:"watermark_ref"`
}

// SpeechConfig holds narration defaults
type SpeechConfig struct {
	DefaultRate float64 `mapstructure:"default_rate"`
}

// EnginesConfig holds the remote engine service endpoints. EnhancerURL is
// optional; the enhancement passes are skipped when it is empty.
type EnginesConfig struct {
	SpeechURL      string        `mapstructure:"speech_url"`
	TranscriberURL string        `mapstructure:"transcriber_url"`
	EnhancerURL    string        `mapstructure:"enhancer_url"`
	CoverURL       string        `mapstructure:"cover_url"`
	ClipsURL       string        `mapstructure:"clips_url"`
	CompositorURL  string        `mapstructure:"compositor_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Config is the full service configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Storage StorageConfig `mapstructure:"storage"`
	Video   VideoConfig   `mapstructure:"video"`
	Speech  SpeechConfig  `mapstructure:"speech"`
	Engines EnginesConfig `mapstructure:"engines"`
}

// setDefaults registers every default so a missing config file still yields a
// runnable service
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.log_level", "INFO")
	v.SetDefault("server.log_json", false)
	v.SetDefault("worker.max_parallel", 3)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("storage.path", "./stories")
	v.SetDefault("video.end_silence", 2*time.Second)
	v.SetDefault("video.watermark_ref", "")
	v.SetDefault("speech.default_rate", 1.0)
	v.SetDefault("engines.speech_url", "http://localhost:8091")
	v.SetDefault("engines.transcriber_url", "http://localhost:8092")
	v.SetDefault("engines.enhancer_url", "")
	v.SetDefault("engines.cover_url", "http://localhost:8093")
	v.SetDefault("engines.clips_url", "http://localhost:8094")
	v.SetDefault("engines.compositor_url", "http://localhost:8095")
	v.SetDefault("engines.timeout", 5*time.Minute)
}

// Load reads configuration from an optional YAML file plus STORYCAST_*
// environment variables layered over the defaults. An empty path skips the
// file entirely.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STORYCAST")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the rest of the system cannot work with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Worker.MaxParallel <= 0 {
		return fmt.Errorf("worker.max_parallel must be positive, got %d", c.Worker.MaxParallel)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive, got %v", c.Worker.PollInterval)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Speech.DefaultRate <= 0 {
		return fmt.Errorf("speech.default_rate must be positive, got %v", c.Speech.DefaultRate)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	required := map[string]string{
		"engines.speech_url":      c.Engines.SpeechURL,
		"engines.transcriber_url": c.Engines.TranscriberURL,
		"engines.cover_url":       c.Engines.CoverURL,
		"engines.clips_url":       c.Engines.ClipsURL,
		"engines.compositor_url":  c.Engines.CompositorURL,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	return nil
}
