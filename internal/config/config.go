package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Services ServicesConfig `mapstructure:"services"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Play     PlayConfig     `mapstructure:"play"`
	API      APIConfig      `mapstructure:"api"`
}

// ServerConfig defines listen ports and addresses
type ServerConfig struct {
	HTTPPort     int    `mapstructure:"http_port"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	BindAddress  string `mapstructure:"bind_address"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// ServicesConfig points at the external collaborators
type ServicesConfig struct {
	TrialURL    string `mapstructure:"trial_url"`    // Trial code resolver base URL
	PurchaseURL string `mapstructure:"purchase_url"` // Purchase code resolver base URL
	ContentURL  string `mapstructure:"content_url"`  // Level/question content service
	LedgerURL   string `mapstructure:"ledger_url"`   // Progress and seat ledger
	APIKey      string `mapstructure:"api_key"`      // Sent as a bearer token when set
	Timeout     string `mapstructure:"timeout"`      // Per-request timeout
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyTTL       string `mapstructure:"key_ttl"` // Lifetime of session-scoped keys
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PolicyConfig defines where level unlock policies come from
type PolicyConfig struct {
	OPAPolicyDir string `mapstructure:"opa_policy_dir"` // Empty uses the embedded default policy
}

// PlayConfig defines gameplay timing and caching
type PlayConfig struct {
	AnswerWindow     string `mapstructure:"answer_window"`
	IdleTimeout      string `mapstructure:"idle_timeout"`
	ContentCacheSize int    `mapstructure:"content_cache_size"`
	ContentCacheTTL  string `mapstructure:"content_cache_ttl"`
	ReportRetries    int    `mapstructure:"report_retries"`
	ReportMaxWait    string `mapstructure:"report_max_wait"`
}

// APIConfig defines the public play API
type APIConfig struct {
	TokenSecret     string   `mapstructure:"token_secret"`
	TokenTTL        string   `mapstructure:"token_ttl"`
	RateLimit       int      `mapstructure:"rate_limit"`
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PLAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration holding only default values
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	// External service defaults
	v.SetDefault("services.trial_url", "http://localhost:8081/trial")
	v.SetDefault("services.purchase_url", "http://localhost:8081/purchase")
	v.SetDefault("services.content_url", "http://localhost:8081/content")
	v.SetDefault("services.ledger_url", "http://localhost:8081/ledger")
	v.SetDefault("services.api_key", "")
	v.SetDefault("services.timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_ttl", "12h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Policy defaults
	v.SetDefault("policy.opa_policy_dir", "")

	// Play defaults
	v.SetDefault("play.answer_window", "180s")
	v.SetDefault("play.idle_timeout", "30m")
	v.SetDefault("play.content_cache_size", 256)
	v.SetDefault("play.content_cache_ttl", "10m")
	v.SetDefault("play.report_retries", 3)
	v.SetDefault("play.report_max_wait", "10s")

	// API defaults
	v.SetDefault("api.token_secret", "")
	v.SetDefault("api.token_ttl", "12h")
	v.SetDefault("api.rate_limit", 120)
	v.SetDefault("api.rate_limit_window", "1m")
	v.SetDefault("api.allowed_origins", []string{})
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	// External services are required
	services := map[string]string{
		"services.trial_url":    cfg.Services.TrialURL,
		"services.purchase_url": cfg.Services.PurchaseURL,
		"services.content_url":  cfg.Services.ContentURL,
		"services.ledger_url":   cfg.Services.LedgerURL,
	}
	for key, value := range services {
		if value == "" {
			return fmt.Errorf("%s is required", key)
		}
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}

	// Durations must parse
	durations := map[string]string{
		"server.read_timeout":    cfg.Server.ReadTimeout,
		"server.write_timeout":   cfg.Server.WriteTimeout,
		"services.timeout":       cfg.Services.Timeout,
		"storage.redis.key_ttl":  cfg.Storage.Redis.KeyTTL,
		"play.answer_window":     cfg.Play.AnswerWindow,
		"play.idle_timeout":      cfg.Play.IdleTimeout,
		"play.content_cache_ttl": cfg.Play.ContentCacheTTL,
		"play.report_max_wait":   cfg.Play.ReportMaxWait,
		"api.token_ttl":          cfg.API.TokenTTL,
		"api.rate_limit_window":  cfg.API.RateLimitWindow,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if cfg.Play.ContentCacheSize <= 0 {
		return fmt.Errorf("play.content_cache_size must be positive")
	}
	if cfg.Play.ReportRetries < 0 {
		return fmt.Errorf("play.report_retries must not be negative")
	}

	return nil
}
