// ============================================================================
// OCR Gateway Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Resolve runtime configuration in priority order
//          defaults -> YAML file -> environment.
//
// Credentials:
//   API keys may be listed in YAML and/or supplied as comma-separated
//   environment variables (after .env / .env.local are loaded):
//     GOOGLE_AI_API_KEYS, GOOGLE_AI_API_KEY  -> gemini.keys
//     OCRSPACE_API_KEYS, OCRSPACE_API_KEY    -> ocrspace.keys
//   Environment keys are appended after YAML keys; duplicates are dropped.
//
// A missing config file is not an error: the defaults are complete.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	AppEnv string `yaml:"app_env"`

	Dispatcher struct {
		Concurrency int           `yaml:"concurrency"`
		JobTimeout  time.Duration `yaml:"job_timeout"`
	} `yaml:"dispatcher"`

	// RateLimits maps a resource (model name or provider) to requests per minute.
	RateLimits map[string]int `yaml:"rate_limits"`

	Gemini struct {
		BaseURL          string        `yaml:"base_url"`
		GroupingModel    string        `yaml:"grouping_model"`
		SpeechModel      string        `yaml:"speech_model"`
		Voice            string        `yaml:"voice"`
		Keys             []string      `yaml:"keys"`
		MaxRetriesPerKey int           `yaml:"max_retries_per_key"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		Timeout          time.Duration `yaml:"timeout"`
	} `yaml:"gemini"`

	OCRSpace struct {
		BaseURL          string        `yaml:"base_url"`
		Language         string        `yaml:"language"`
		Engine           int           `yaml:"engine"`
		Keys             []string      `yaml:"keys"`
		MaxRetriesPerKey int           `yaml:"max_retries_per_key"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		Timeout          time.Duration `yaml:"timeout"`
	} `yaml:"ocrspace"`

	Tesseract struct {
		Languages []string `yaml:"languages"`
	} `yaml:"tesseract"`

	Fetch struct {
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		Timeout           time.Duration `yaml:"timeout"`
		MaxBytes          int64         `yaml:"max_bytes"`
	} `yaml:"fetch"`

	Audio struct {
		Dir string `yaml:"dir"`
	} `yaml:"audio"`

	Cache struct {
		Enabled  bool          `yaml:"enabled"`
		RedisURL string        `yaml:"redis_url"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Port int `yaml:"port"`
	} `yaml:"grpc"`
}

// Defaults returns a fully populated configuration.
func Defaults() Config {
	var cfg Config
	cfg.AppEnv = "production"

	cfg.Dispatcher.Concurrency = 4
	cfg.Dispatcher.JobTimeout = 5 * time.Minute

	cfg.RateLimits = map[string]int{
		"gemini-2.0-flash":             1000,
		"gemini-2.5-flash-preview-tts": 10,
		"ocrspace":                     60,
	}

	cfg.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	cfg.Gemini.GroupingModel = "gemini-2.0-flash"
	cfg.Gemini.SpeechModel = "gemini-2.5-flash-preview-tts"
	cfg.Gemini.Voice = "Kore"
	cfg.Gemini.MaxRetriesPerKey = 3
	cfg.Gemini.RetryDelay = time.Second
	cfg.Gemini.Timeout = 120 * time.Second

	cfg.OCRSpace.BaseURL = "https://api.ocr.space/parse/image"
	cfg.OCRSpace.Language = "vnm"
	cfg.OCRSpace.Engine = 2
	cfg.OCRSpace.MaxRetriesPerKey = 2
	cfg.OCRSpace.RetryDelay = time.Second
	cfg.OCRSpace.Timeout = 60 * time.Second

	cfg.Tesseract.Languages = []string{"vie"}

	cfg.Fetch.RequestsPerSecond = 10
	cfg.Fetch.Burst = 5
	cfg.Fetch.Timeout = 30 * time.Second
	cfg.Fetch.MaxBytes = 20 << 20

	cfg.Audio.Dir = "public/tts"

	cfg.Cache.Enabled = true
	cfg.Cache.TTL = 24 * time.Hour

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.GRPC.Port = 50051
	return cfg
}

// Load resolves configuration from defaults, the YAML file at path (if it
// exists) and the environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("APP_ENV")); v != "" {
		c.AppEnv = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		c.Cache.RedisURL = v
	}
	c.Gemini.Keys = mergeKeys(c.Gemini.Keys, os.Getenv("GOOGLE_AI_API_KEYS"), os.Getenv("GOOGLE_AI_API_KEY"))
	c.OCRSpace.Keys = mergeKeys(c.OCRSpace.Keys, os.Getenv("OCRSPACE_API_KEYS"), os.Getenv("OCRSPACE_API_KEY"))
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.Dispatcher.Concurrency < 0 {
		return fmt.Errorf("dispatcher.concurrency must be >= 0, got %d", c.Dispatcher.Concurrency)
	}
	if c.Dispatcher.JobTimeout < 0 {
		return fmt.Errorf("dispatcher.job_timeout must be >= 0, got %s", c.Dispatcher.JobTimeout)
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("fetch.requests_per_second must be >= 0, got %v", c.Fetch.RequestsPerSecond)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	if c.GRPC.Port < 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("grpc.port out of range: %d", c.GRPC.Port)
	}
	return nil
}

// IsDevelopment reports whether app_env selects development logging.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development") || strings.EqualFold(c.AppEnv, "dev")
}

// mergeKeys appends comma-separated env values to the configured keys,
// trimming blanks and dropping duplicates while keeping first-seen order.
func mergeKeys(configured []string, envValues ...string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, k)
	}
	for _, k := range configured {
		add(k)
	}
	for _, v := range envValues {
		for _, k := range strings.Split(v, ",") {
			add(k)
		}
	}
	return out
}
