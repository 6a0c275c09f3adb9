package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default threshold values for the re-read detection state machine.
const (
	DefaultHighProgressThreshold    = 85.0
	DefaultRereadThreshold          = 30.0
	DefaultRegressionWarnThreshold  = 10.0
	DefaultMinimumProgress          = 1.0
	DefaultWorkers                  = 3
	DefaultMaxConcurrency           = 3
	DefaultMaxRequestsPerMinute     = 55
	DefaultCachePath                = "./data/shelfbridge.db"
	DefaultHardcoverEndpoint        = "https://api.hardcover.app/v1/graphql"
)

// AudiobookshelfConfig holds the connection settings for the library service
type AudiobookshelfConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// HardcoverConfig holds the connection settings for the catalog service
type HardcoverConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// RateLimitConfig bounds outbound calls to one collaborator
type RateLimitConfig struct {
	MaxConcurrency       int `yaml:"max_concurrency"`
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
}

// ThresholdConfig holds the re-read detection thresholds (percentage points)
type ThresholdConfig struct {
	HighProgress   float64 `yaml:"high_progress"`
	Reread         float64 `yaml:"reread"`
	RegressionWarn float64 `yaml:"regression_warn"`
}

// SyncConfig holds the orchestrator settings
type SyncConfig struct {
	Workers           int             `yaml:"workers"`
	Force             bool            `yaml:"force"`
	AutoAdd           bool            `yaml:"auto_add"`
	DryRun            bool            `yaml:"dry_run"`
	MinimumProgress   float64         `yaml:"minimum_progress"`
	TitleAuthorSearch bool            `yaml:"title_author_search"`
	TitleFilter       string          `yaml:"title_filter"`
	MaxItems          int             `yaml:"max_items"`
	Thresholds        ThresholdConfig `yaml:"thresholds"`
}

// CacheConfig holds the progress cache settings
type CacheConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds the logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds all configuration for the application
type Config struct {
	UserID         string               `yaml:"user_id"`
	Audiobookshelf AudiobookshelfConfig `yaml:"audiobookshelf"`
	Hardcover      HardcoverConfig      `yaml:"hardcover"`
	Sync           SyncConfig           `yaml:"sync"`
	Cache          CacheConfig          `yaml:"cache"`
	Logging        LoggingConfig        `yaml:"logging"`
	RateLimits     struct {
		Audiobookshelf RateLimitConfig `yaml:"audiobookshelf"`
		Hardcover      RateLimitConfig `yaml:"hardcover"`
	} `yaml:"rate_limits"`
}

// Default returns a Config populated with defaults only
func Default() *Config {
	cfg := &Config{}
	cfg.UserID = "default"
	cfg.Hardcover.Endpoint = DefaultHardcoverEndpoint
	cfg.Sync.Workers = DefaultWorkers
	cfg.Sync.AutoAdd = true
	cfg.Sync.TitleAuthorSearch = true
	cfg.Sync.MinimumProgress = DefaultMinimumProgress
	cfg.Sync.Thresholds = ThresholdConfig{
		HighProgress:   DefaultHighProgressThreshold,
		Reread:         DefaultRereadThreshold,
		RegressionWarn: DefaultRegressionWarnThreshold,
	}
	cfg.Cache.Path = DefaultCachePath
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.RateLimits.Audiobookshelf = RateLimitConfig{
		MaxConcurrency:       DefaultMaxConcurrency,
		MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
	}
	cfg.RateLimits.Hardcover = RateLimitConfig{
		MaxConcurrency:       DefaultMaxConcurrency,
		MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
	}
	return cfg
}

// Load loads configuration from a YAML file (if specified) and environment
// variables. Priority: environment variables > config file > defaults.
func Load(configFile string) (*Config, error) {
	cfg := Default()

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

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("SHELFBRIDGE_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("AUDIOBOOKSHELF_URL"); v != "" {
		cfg.Audiobookshelf.URL = v
	}
	if v := os.Getenv("AUDIOBOOKSHELF_TOKEN"); v != "" {
		cfg.Audiobookshelf.Token = v
	}
	if v := os.Getenv("HARDCOVER_TOKEN"); v != "" {
		cfg.Hardcover.Token = v
	}
	if v := os.Getenv("HARDCOVER_ENDPOINT"); v != "" {
		cfg.Hardcover.Endpoint = v
	}
	if v := os.Getenv("CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv("DRY_RUN"); ok {
		cfg.Sync.DryRun = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("FORCE_SYNC"); ok {
		cfg.Sync.Force = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("AUTO_ADD_BOOKS"); ok {
		cfg.Sync.AutoAdd = strings.EqualFold(v, "true")
	}
	if v := getIntFromEnv("SYNC_WORKERS"); v > 0 {
		cfg.Sync.Workers = v
	}
	if v := getFloatFromEnv("MINIMUM_PROGRESS_THRESHOLD"); v > 0 {
		cfg.Sync.MinimumProgress = v
	}
	if v := getIntFromEnv("SYNC_MAX_ITEMS"); v > 0 {
		cfg.Sync.MaxItems = v
	}
	if v := os.Getenv("SYNC_TITLE_FILTER"); v != "" {
		cfg.Sync.TitleFilter = v
	}
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

func getFloatFromEnv(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	var missing []string

	if c.Audiobookshelf.URL == "" {
		missing = append(missing, "AUDIOBOOKSHELF_URL")
	}
	if c.Audiobookshelf.Token == "" {
		missing = append(missing, "AUDIOBOOKSHELF_TOKEN")
	}
	if c.Hardcover.Token == "" {
		missing = append(missing, "HARDCOVER_TOKEN")
	}
	if len(missing) > 0 {
		return &ConfigError{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}

	if c.Sync.Workers < 1 {
		c.Sync.Workers = 1
	}
	if c.Sync.Thresholds.HighProgress <= 0 {
		c.Sync.Thresholds.HighProgress = DefaultHighProgressThreshold
	}
	if c.Sync.Thresholds.Reread <= 0 {
		c.Sync.Thresholds.Reread = DefaultRereadThreshold
	}
	if c.Sync.Thresholds.RegressionWarn <= 0 {
		c.Sync.Thresholds.RegressionWarn = DefaultRegressionWarnThreshold
	}
	if c.Sync.Thresholds.Reread >= c.Sync.Thresholds.HighProgress {
		return &ConfigError{
			Field: "sync.thresholds",
			Msg:   "reread threshold must be below high_progress threshold",
		}
	}
	for _, rl := range []*RateLimitConfig{&c.RateLimits.Audiobookshelf, &c.RateLimits.Hardcover} {
		if rl.MaxConcurrency < 1 {
			rl.MaxConcurrency = 1
		}
		if rl.MaxRequestsPerMinute < 1 {
			rl.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
		}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}
