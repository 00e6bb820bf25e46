package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Flow       FlowConfig       `yaml:"flow"`
	Generation GenerationConfig `yaml:"generation"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	APIKey   string `yaml:"api_key"`
	LogLevel string `yaml:"log_level"`
	// BaseURL is used to build cached-media links. Empty means
	// http://<host>:<port>.
	BaseURL string `yaml:"base_url"`
}

type FlowConfig struct {
	LabsBaseURL string `yaml:"labs_base_url"`
	APIBaseURL  string `yaml:"api_base_url"`
	Timeout     int    `yaml:"timeout"` // seconds
}

type GenerationConfig struct {
	PollInterval      int  `yaml:"poll_interval"`       // seconds between status polls
	MaxPollAttempts   int  `yaml:"max_poll_attempts"`   // poll attempt budget
	ProgressInterval  int  `yaml:"progress_interval"`   // report progress every N polls
	MarkTimeoutFailed bool `yaml:"mark_timeout_failed"` // persist status=failed on poll timeout
	ErrorBanThreshold int  `yaml:"error_ban_threshold"` // consecutive errors before auto-disable
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Timeout int    `yaml:"timeout"` // seconds, TTL for cached files
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8100,
			Host:     "0.0.0.0",
			LogLevel: "info",
		},
		Flow: FlowConfig{
			LabsBaseURL: "https://labs.google/fx/api",
			APIBaseURL:  "https://aisandbox-pa.googleapis.com/v1",
			Timeout:     120,
		},
		Generation: GenerationConfig{
			PollInterval:      3,
			MaxPollAttempts:   500,
			ProgressInterval:  7,
			MarkTimeoutFailed: false,
			ErrorBanThreshold: 3,
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "tmp",
			Timeout: 7200,
		},
		Storage: StorageConfig{
			DBPath: "./data/flow2api.db",
		},
	}
}

// Load loads configuration from file, creating it with defaults if missing
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, Save(path, cfg)
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to file
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
