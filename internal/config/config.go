package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all marketscope configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Document store
	Store StoreConfig `yaml:"store"`

	// Generative synthesis
	Synth SynthConfig `yaml:"synth"`

	// Pipeline orchestration
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Volume lookup cache
	Volume VolumeConfig `yaml:"volume"`

	// Trusted-signal resolution
	Signals SignalsConfig `yaml:"signals"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite-backed document store.
type StoreConfig struct {
	DatabasePath  string `yaml:"database_path"`
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryBaseMS   int    `yaml:"retry_base_ms"`
}

// SynthConfig configures the generative synthesis client.
type SynthConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// PipelineConfig configures the run orchestrator.
type PipelineConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	DefaultMode       string `yaml:"default_mode"` // DRY_RUN or FULL_RUN
}

// VolumeConfig configures the volume cache.
type VolumeConfig struct {
	CacheTTL        string `yaml:"cache_ttl"`
	DefaultLocation string `yaml:"default_location"`
}

// SignalsConfig configures trusted-signal window relaxation.
type SignalsConfig struct {
	MinCount        int `yaml:"min_count"`
	MaxWindowMonths int `yaml:"max_window_months"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	DebugMode  bool   `yaml:"debug_mode"`
	JSONFormat bool   `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "marketscope",
		Version: "1.0.0",

		Store: StoreConfig{
			DatabasePath:  "data/marketscope.db",
			RetryAttempts: 3,
			RetryBaseMS:   50,
		},

		Synth: SynthConfig{
			Model:   "gemini-2.0-flash",
			Timeout: "120s",
		},

		Pipeline: PipelineConfig{
			HeartbeatInterval: "3s",
			DefaultMode:       "FULL_RUN",
		},

		Volume: VolumeConfig{
			CacheTTL:        "720h",
			DefaultLocation: "2840",
		},

		Signals: SignalsConfig{
			MinCount:        10,
			MaxWindowMonths: 3,
		},

		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Synth.APIKey = key
	}
	if model := os.Getenv("MARKETSCOPE_SYNTH_MODEL"); model != "" {
		c.Synth.Model = model
	}
	if path := os.Getenv("MARKETSCOPE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if mode := os.Getenv("MARKETSCOPE_PIPELINE_MODE"); mode != "" {
		c.Pipeline.DefaultMode = mode
	}
	if level := os.Getenv("MARKETSCOPE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
		if level == "debug" {
			c.Logging.DebugMode = true
		}
	}
}

// GetSynthTimeout returns the synthesis timeout as a duration.
func (c *Config) GetSynthTimeout() time.Duration {
	d, err := time.ParseDuration(c.Synth.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetHeartbeatInterval returns the pipeline heartbeat interval as a duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.HeartbeatInterval)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// GetVolumeCacheTTL returns the volume cache TTL as a duration.
func (c *Config) GetVolumeCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Volume.CacheTTL)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

// ValidModes lists the supported pipeline run modes.
var ValidModes = []string{"DRY_RUN", "FULL_RUN"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store database path not configured (set store.database_path or MARKETSCOPE_DB)")
	}

	validMode := false
	for _, m := range ValidModes {
		if c.Pipeline.DefaultMode == m {
			validMode = true
			break
		}
	}
	if !validMode {
		return fmt.Errorf("invalid pipeline mode: %s (valid: %v)", c.Pipeline.DefaultMode, ValidModes)
	}

	if c.Pipeline.DefaultMode == "FULL_RUN" && c.Synth.APIKey == "" {
		return fmt.Errorf("synth API key not configured (set GEMINI_API_KEY); use DRY_RUN without one")
	}

	return nil
}

// DefaultConfigPath returns the workspace-relative config file path.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".marketscope", "config.yaml")
}
