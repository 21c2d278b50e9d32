package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source      Source  `yaml:"source" toml:"source"`
	Harvest     Harvest `yaml:"harvest" toml:"harvest"`
	HTTP        HTTP    `yaml:"http" toml:"http"`
	Image       Image   `yaml:"image" toml:"image"`
	LogLevel    string  `yaml:"log_level" toml:"log_level"`
	LogFile     string  `yaml:"log_file" toml:"log_file"`
	MetricsAddr string  `yaml:"metrics_addr" toml:"metrics_addr"`
}

// Source describes where item IDs and archives come from
type Source struct {
	IDFile   string   `yaml:"id_file" toml:"id_file"`
	IDColumn string   `yaml:"id_column" toml:"id_column"`
	BaseURL  string   `yaml:"base_url" toml:"base_url"`
	S3       S3Config `yaml:"s3" toml:"s3"`
}

// S3Config represents S3-compatible storage used for s3:// base URLs
type S3Config struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Secure    bool   `yaml:"secure" toml:"secure"`
	Region    string `yaml:"region" toml:"region"`
}

// Harvest represents batch-specific configuration
type Harvest struct {
	OutputRoot    string `yaml:"output_root" toml:"output_root"`
	Workers       int    `yaml:"workers" toml:"workers"`
	DeleteArchive bool   `yaml:"delete_archive" toml:"delete_archive"`
	ShowProgress  bool   `yaml:"show_progress" toml:"show_progress"`
	// Journal is the path of the SQLite attempt journal; empty disables it
	Journal string `yaml:"journal" toml:"journal"`
}

// HTTP configures the retrying transport
type HTTP struct {
	Retries      int    `yaml:"retries" toml:"retries"`
	BackoffMs    int    `yaml:"backoff_ms" toml:"backoff_ms"`
	MaxBackoffMs int    `yaml:"max_backoff_ms" toml:"max_backoff_ms"`
	TimeoutSec   int    `yaml:"timeout_sec" toml:"timeout_sec"`
	UserAgent    string `yaml:"user_agent" toml:"user_agent"`
	// PoolSize defaults to the worker count
	PoolSize int `yaml:"pool_size" toml:"pool_size"`
}

// Image configures normalization of extracted images
type Image struct {
	Size    int `yaml:"size" toml:"size"`
	Quality int `yaml:"quality" toml:"quality"`
}

// Backoff returns the backoff factor
func (h HTTP) Backoff() time.Duration {
	return time.Duration(h.BackoffMs) * time.Millisecond
}

// MaxBackoff returns the cap on a single backoff wait
func (h HTTP) MaxBackoff() time.Duration {
	return time.Duration(h.MaxBackoffMs) * time.Millisecond
}

// Timeout returns the per-request stall timeout
func (h HTTP) Timeout() time.Duration {
	return time.Duration(h.TimeoutSec) * time.Second
}

// Default returns the configuration used when nothing else is given
func Default() *Config {
	return &Config{
		LogLevel: "info",
		LogFile:  "harvest.log",
		Source: Source{
			IDFile:   "data.csv",
			IDColumn: "wnid",
			BaseURL:  "https://image-net.org/data/winter21_whole",
			S3:       S3Config{Secure: true},
		},
		Harvest: Harvest{
			OutputRoot:    ".",
			Workers:       10,
			DeleteArchive: true,
			ShowProgress:  true,
		},
		HTTP: HTTP{
			Retries:      10,
			BackoffMs:    1000,
			MaxBackoffMs: 120000,
			TimeoutSec:   520,
			UserAgent:    "tarharvest/1.0 (+batch archive fetcher)",
		},
		Image: Image{
			Size:    256,
			Quality: 95,
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if cfg.HTTP.PoolSize <= 0 {
		cfg.HTTP.PoolSize = cfg.Harvest.Workers
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("fname") {
		cfg.Source.IDFile, _ = flags.GetString("fname")
	}
	if flags.Changed("id-column") {
		cfg.Source.IDColumn, _ = flags.GetString("id-column")
	}
	if flags.Changed("url") {
		cfg.Source.BaseURL, _ = flags.GetString("url")
	}

	if flags.Changed("target") {
		cfg.Harvest.OutputRoot, _ = flags.GetString("target")
	}
	if flags.Changed("workers") {
		cfg.Harvest.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("delete-tar") {
		cfg.Harvest.DeleteArchive, _ = flags.GetBool("delete-tar")
	}
	if flags.Changed("show-progress") {
		cfg.Harvest.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if flags.Changed("journal") {
		cfg.Harvest.Journal, _ = flags.GetString("journal")
	}

	if flags.Changed("retries") {
		cfg.HTTP.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("timeout") {
		cfg.HTTP.TimeoutSec, _ = flags.GetInt("timeout")
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-file") {
		cfg.LogFile, _ = flags.GetString("log-file")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Source.IDFile == "" {
		return fmt.Errorf("id file is required")
	}
	if strings.TrimSpace(c.Source.IDColumn) == "" {
		return fmt.Errorf("id column is required")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}

	u, err := url.Parse(c.Source.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "s3":
		if c.Source.S3.Endpoint == "" {
			return fmt.Errorf("s3 endpoint is required for %s", c.Source.BaseURL)
		}
	default:
		return fmt.Errorf("base url must be http(s):// or s3://, got %q", c.Source.BaseURL)
	}

	if c.Harvest.OutputRoot == "" {
		return fmt.Errorf("output root is required")
	}
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}

	if c.HTTP.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.HTTP.BackoffMs < 0 || c.HTTP.MaxBackoffMs < 0 {
		return fmt.Errorf("backoff must not be negative")
	}
	if c.HTTP.TimeoutSec <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.Image.Size <= 0 {
		return fmt.Errorf("image size must be positive")
	}
	if c.Image.Quality < 1 || c.Image.Quality > 100 {
		return fmt.Errorf("image quality must be between 1 and 100")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	return nil
}
