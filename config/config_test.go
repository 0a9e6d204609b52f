package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative workers",
			mutate: func(cfg *Config) {
				cfg.MaxWorkers = -1
			},
			wantErr: "max workers",
		},
		{
			name: "zero max pages",
			mutate: func(cfg *Config) {
				cfg.MaxPages = 0
			},
			wantErr: "max pages",
		},
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "invalid search url format",
			mutate: func(cfg *Config) {
				cfg.SearchURL = "http://"
			},
			wantErr: "search URL",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "negative min price",
			mutate: func(cfg *Config) {
				cfg.MinPrice = -5
			},
			wantErr: "min price",
		},
		{
			name: "inverted delay range",
			mutate: func(cfg *Config) {
				cfg.DelayMin = 3 * time.Second
				cfg.DelayMax = time.Second
			},
			wantErr: "delay max",
		},
		{
			name: "resume without csv",
			mutate: func(cfg *Config) {
				cfg.Resume = true
				cfg.OutputFormat = "json"
			},
			wantErr: "resume",
		},
		{
			name: "unknown format",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "xlsx"
			},
			wantErr: "output format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scraper.yaml")
	content := "max_pages: 7\nmax_workers: 4\nmin_price: 250000\ndelay_max: 5s\noutput_file: out/cars.csv\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFile(cfg, path); err != nil {
		t.Fatalf("load file: %v", err)
	}

	if cfg.MaxPages != 7 || cfg.MaxWorkers != 4 {
		t.Fatalf("pages/workers = %d/%d, want 7/4", cfg.MaxPages, cfg.MaxWorkers)
	}
	if cfg.MinPrice != 250000 {
		t.Fatalf("min price = %d, want 250000", cfg.MinPrice)
	}
	if cfg.DelayMax != 5*time.Second {
		t.Fatalf("delay max = %s, want 5s", cfg.DelayMax)
	}
	if cfg.OutputFile != "out/cars.csv" {
		t.Fatalf("output file = %q", cfg.OutputFile)
	}
	if cfg.Timeout != 15*time.Second {
		t.Fatalf("unset keys should keep defaults, timeout = %s", cfg.Timeout)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("SCRAPER_TEST_INT", "12")
	value, ok, err := EnvInt("SCRAPER_TEST_INT")
	if err != nil || !ok || value != 12 {
		t.Fatalf("EnvInt = %d, %v, %v", value, ok, err)
	}

	t.Setenv("SCRAPER_TEST_INT", "twelve")
	if _, ok, err := EnvInt("SCRAPER_TEST_INT"); !ok || err == nil {
		t.Fatalf("expected parse error for non-numeric value")
	}

	if _, ok, err := EnvInt("SCRAPER_TEST_UNSET"); ok || err != nil {
		t.Fatalf("unset variable should report ok=false, err=nil")
	}
}
