package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/image-captioner/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. CAPTIONER_MODEL
const EnvPrefix = "CAPTIONER"

// Config holds the application configuration
type Config struct {
	Backend string `yaml:"backend" envconfig:"BACKEND"` // ollama|llamacpp|gemini
	Model   string `yaml:"model" envconfig:"MODEL"`
	URL     string `yaml:"url" envconfig:"URL"`
	APIKey  string `yaml:"api_key" envconfig:"API_KEY"`

	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" envconfig:"SHUTDOWN_GRACE"`

	PromptFile    string `yaml:"prompt_file" envconfig:"PROMPT_FILE"`
	ProcessedDir  string `yaml:"processed_dir" envconfig:"PROCESSED_DIR"`
	Marker        string `yaml:"marker" envconfig:"MARKER"`
	RequireMarker bool   `yaml:"require_marker" envconfig:"REQUIRE_MARKER"`

	Send        SendConfig     `yaml:"send" envconfig:"SEND"`
	Log         logging.Config `yaml:"log" envconfig:"LOG"`
	MetricsAddr string         `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
}

// SendConfig controls the image payload sent to the model
type SendConfig struct {
	Format  string `yaml:"format" envconfig:"FORMAT"`
	MaxSize int    `yaml:"max_size" envconfig:"MAX_SIZE"`
	Quality int    `yaml:"quality" envconfig:"QUALITY"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Backend:       "ollama",
		Model:         "qwen2.5vl:7b",
		Timeout:       5 * time.Minute,
		ShutdownGrace: time.Second,
		ProcessedDir:  "processed",
		Marker:        "\nassistant\n",
		Send: SendConfig{
			Format:  "jpg",
			MaxSize: 1536,
			Quality: 85,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads filename over the defaults, then applies environment overrides.
// A missing file is not an error when it is the default config path.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		loaded, err := LoadFromFile(filename)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist) && filename == GetConfigPath():
		default:
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overlays CAPTIONER_* environment variables
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend {
	case "ollama", "llamacpp":
	case "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for the gemini backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (use ollama, llamacpp or gemini)", c.Backend)
	}

	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace must not be negative")
	}

	switch strings.ToLower(c.Send.Format) {
	case "jpg", "jpeg", "png":
	default:
		return fmt.Errorf("send.format must be jpg or png")
	}

	if c.Send.Quality < 1 || c.Send.Quality > 100 {
		return fmt.Errorf("send.quality must be between 1 and 100")
	}

	if c.Send.MaxSize < 0 {
		return fmt.Errorf("send.max_size must not be negative")
	}

	if c.ProcessedDir == "" || strings.ContainsAny(c.ProcessedDir, `/\`) {
		return fmt.Errorf("processed_dir must be a plain folder name")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "image-captioner", "config.yaml")
}
