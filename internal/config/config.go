package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config path is given. A missing default file is not an error.
const DefaultPath = "summeval.yaml"

// Config represents runtime configuration for the client.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Upload   UploadConfig   `yaml:"upload"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	// RetryCount applies to idempotent GET requests only.
	RetryCount int `yaml:"retry_count"`
}

type UploadConfig struct {
	RowsPerChunk      int           `yaml:"rows_per_chunk"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Concurrency       int           `yaml:"concurrency"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type TrackerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TerminalStates []string      `yaml:"terminal_states"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:    "http://localhost:8000",
			Timeout:    30 * time.Second,
			RetryCount: 2,
		},
		Upload: UploadConfig{
			RowsPerChunk: 10,
			MaxAttempts:  3,
			Concurrency:  4,
			BackoffBase:  500 * time.Millisecond,
			BackoffMax:   5 * time.Second,
		},
		Tracker: TrackerConfig{
			PollInterval:   6500 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
			TerminalStates: []string{"SUCCESS", "FAILURE", "PENDING"},
		},
		Database: DatabaseConfig{
			URL: "sqlite://./summeval.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path (DefaultPath when empty), a .env file in the
// working directory if present, and environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside a service.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url must be configured")
	}
	if c.Upload.RowsPerChunk <= 0 {
		return fmt.Errorf("upload.rows_per_chunk must be positive, got %d", c.Upload.RowsPerChunk)
	}
	if c.Upload.MaxAttempts <= 0 {
		return fmt.Errorf("upload.max_attempts must be positive, got %d", c.Upload.MaxAttempts)
	}
	if c.Upload.Concurrency <= 0 {
		return fmt.Errorf("upload.concurrency must be positive, got %d", c.Upload.Concurrency)
	}
	if c.Tracker.PollInterval <= 0 {
		return fmt.Errorf("tracker.poll_interval must be positive")
	}
	if len(c.Tracker.TerminalStates) == 0 {
		return fmt.Errorf("tracker.terminal_states must not be empty")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.API.BaseURL = getEnv("SUMMEVAL_API_URL", cfg.API.BaseURL)
	cfg.API.Token = getEnv("SUMMEVAL_TOKEN", cfg.API.Token)
	cfg.API.Timeout = getEnvDuration("SUMMEVAL_HTTP_TIMEOUT", cfg.API.Timeout)
	cfg.API.RetryCount = getEnvInt("SUMMEVAL_HTTP_RETRIES", cfg.API.RetryCount)

	cfg.Upload.RowsPerChunk = getEnvInt("SUMMEVAL_ROWS_PER_CHUNK", cfg.Upload.RowsPerChunk)
	cfg.Upload.MaxAttempts = getEnvInt("SUMMEVAL_UPLOAD_ATTEMPTS", cfg.Upload.MaxAttempts)
	cfg.Upload.Concurrency = getEnvInt("SUMMEVAL_UPLOAD_CONCURRENCY", cfg.Upload.Concurrency)

	cfg.Tracker.PollInterval = getEnvDuration("SUMMEVAL_POLL_INTERVAL", cfg.Tracker.PollInterval)
	if states := os.Getenv("SUMMEVAL_TERMINAL_STATES"); states != "" {
		cfg.Tracker.TerminalStates = splitList(states)
	}

	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
