package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL           string        `yaml:"base_url"`
	SearchURL         string        `yaml:"search_url"`
	MinPrice          int64         `yaml:"min_price"`
	MaxPages          int           `yaml:"max_pages"`
	MaxWorkers        int           `yaml:"max_workers"`
	Timeout           time.Duration `yaml:"timeout"`
	PageTimeout       time.Duration `yaml:"page_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax   time.Duration `yaml:"retry_backoff_max"`
	DelayMin          time.Duration `yaml:"delay_min"`
	DelayMax          time.Duration `yaml:"delay_max"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	OutputFile        string        `yaml:"output_file"`
	OutputFormat      string        `yaml:"output_format"` // csv, json, or dual
	DedupeCacheSize   int           `yaml:"dedupe_cache_size"`
	Resume            bool          `yaml:"resume"`
	UserAgent         string        `yaml:"user_agent"`
	Browser           bool          `yaml:"browser"`
	ChromePath        string        `yaml:"chrome_path"`
	Verbose           bool          `yaml:"verbose"`
	LogFile           string        `yaml:"log_file"`
	MetricsAddr       string        `yaml:"metrics_addr"`
}

// DefaultConfig returns conservative defaults for the catalog.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://www.arabam.com",
		SearchURL:         "https://www.arabam.com/ikinci-el/otomobil?sort=price.asc&take=50",
		MinPrice:          10000,
		MaxPages:          50,
		MaxWorkers:        10,
		Timeout:           15 * time.Second,
		PageTimeout:       3 * time.Minute,
		MaxRetries:        3,
		RetryBackoff:      time.Second,
		RetryBackoffMax:   8 * time.Second,
		DelayMin:          time.Second,
		DelayMax:          3 * time.Second,
		RequestsPerSecond: 0,
		OutputFile:        "data/cars_scraped_intermediate.csv",
		OutputFormat:      "csv",
		DedupeCacheSize:   100000,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

// EnvInt reads an integer environment variable. ok is false when unset.
func EnvInt(key string) (value int, ok bool, err error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err = strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvString reads a non-empty environment variable.
func EnvString(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", false
	}
	return value, true
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if err := requireHost("base URL", c.BaseURL); err != nil {
		return err
	}
	if c.SearchURL == "" {
		return fmt.Errorf("search URL cannot be empty")
	}
	if err := requireHost("search URL", c.SearchURL); err != nil {
		return err
	}

	if c.MinPrice < 0 {
		return fmt.Errorf("min price cannot be negative")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.PageTimeout < 0 {
		return fmt.Errorf("page timeout cannot be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.DelayMin < 0 || c.DelayMax < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.DelayMax < c.DelayMin {
		return fmt.Errorf("delay max (%s) cannot be below delay min (%s)", c.DelayMax, c.DelayMin)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.Resume && c.OutputFormat == "json" {
		return fmt.Errorf("resume requires a csv checkpoint (format csv or dual)")
	}
	if c.DedupeCacheSize <= 0 {
		return fmt.Errorf("dedupe cache size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

func requireHost(name, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
