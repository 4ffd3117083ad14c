package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Database configuration
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	// GoogleBooks holds the bibliographic provider configuration
	GoogleBooks struct {
		BaseURL    string        `yaml:"base_url"`
		APIKey     string        `yaml:"api_key"`
		Timeout    time.Duration `yaml:"timeout"`
		RateLimit  int           `yaml:"rate_limit"`
		RateWindow time.Duration `yaml:"rate_window"`
		MaxRetries int           `yaml:"max_retries"`
		CacheSize  int           `yaml:"cache_size"`
		CacheTTL   time.Duration `yaml:"cache_ttl"`
	} `yaml:"google_books"`

	// Catalog holds catalog policy settings
	Catalog struct {
		MaxShelf          int  `yaml:"max_shelf"`
		BatchWorkers      int  `yaml:"batch_workers"`
		AutoEnhanceOnScan bool `yaml:"auto_enhance_on_scan"`
	} `yaml:"catalog"`
}

// Load loads configuration from a file (if specified) and environment
// variables. Priority: environment variables > config file > defaults.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	// Defaults
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Database.Path = "./data/libcat.db"
	cfg.GoogleBooks.BaseURL = "https://www.googleapis.com/books/v1"
	cfg.GoogleBooks.Timeout = 15 * time.Second
	cfg.GoogleBooks.RateLimit = 60
	cfg.GoogleBooks.RateWindow = time.Minute
	cfg.GoogleBooks.MaxRetries = 3
	cfg.GoogleBooks.CacheSize = 512
	cfg.GoogleBooks.CacheTTL = 24 * time.Hour
	cfg.Catalog.MaxShelf = 120
	cfg.Catalog.BatchWorkers = 5
	cfg.Catalog.AutoEnhanceOnScan = true

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv applies environment variable overrides.
func loadFromEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if timeout := getDurationFromEnv("SHUTDOWN_TIMEOUT"); timeout > 0 {
		cfg.Server.ShutdownTimeout = timeout
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if url := os.Getenv("GOOGLE_BOOKS_URL"); url != "" {
		cfg.GoogleBooks.BaseURL = url
	}
	if key := os.Getenv("GOOGLE_BOOKS_API_KEY"); key != "" {
		cfg.GoogleBooks.APIKey = key
	}
	if timeout := getDurationFromEnv("GOOGLE_BOOKS_TIMEOUT"); timeout > 0 {
		cfg.GoogleBooks.Timeout = timeout
	}
	if limit := getIntFromEnv("GOOGLE_BOOKS_RATE_LIMIT"); limit > 0 {
		cfg.GoogleBooks.RateLimit = limit
	}
	if window := getDurationFromEnv("GOOGLE_BOOKS_RATE_WINDOW"); window > 0 {
		cfg.GoogleBooks.RateWindow = window
	}
	if retries := getIntFromEnv("GOOGLE_BOOKS_MAX_RETRIES"); retries > 0 {
		cfg.GoogleBooks.MaxRetries = retries
	}
	if shelf := getIntFromEnv("MAX_SHELF"); shelf > 0 {
		cfg.Catalog.MaxShelf = shelf
	}
	if workers := getIntFromEnv("BATCH_WORKERS"); workers > 0 {
		cfg.Catalog.BatchWorkers = workers
	}
	if v, set := os.LookupEnv("AUTO_ENHANCE_ON_SCAN"); set {
		cfg.Catalog.AutoEnhanceOnScan = v == "true" || v == "1"
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Catalog.MaxShelf <= 0 {
		return fmt.Errorf("catalog.max_shelf must be positive, got %d", c.Catalog.MaxShelf)
	}
	if c.GoogleBooks.RateLimit <= 0 {
		return fmt.Errorf("google_books.rate_limit must be positive, got %d", c.GoogleBooks.RateLimit)
	}
	if c.GoogleBooks.RateWindow <= 0 {
		return fmt.Errorf("google_books.rate_window must be positive, got %v", c.GoogleBooks.RateWindow)
	}
	if c.Catalog.BatchWorkers <= 0 {
		return fmt.Errorf("catalog.batch_workers must be positive, got %d", c.Catalog.BatchWorkers)
	}
	// The provider limiter must be the binding constraint, not pool size.
	if c.Catalog.BatchWorkers >= c.GoogleBooks.RateLimit {
		return fmt.Errorf("catalog.batch_workers (%d) must be smaller than google_books.rate_limit (%d)",
			c.Catalog.BatchWorkers, c.GoogleBooks.RateLimit)
	}
	return nil
}

func getIntFromEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func getDurationFromEnv(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
