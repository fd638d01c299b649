// Package config provides configuration loading and validation for the feed
// API server. It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the feed API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. An empty DatabaseURL selects the in-memory store outside production.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Ranking
	RankingCalibrationPath string `koanf:"ranking_calibration_path"`

	// Feed pagination
	FeedDefaultPageSize       int     `koanf:"feed_default_page_size"`
	FeedMaxPageSize           int     `koanf:"feed_max_page_size"`
	TotalEstimateRatio        float64 `koanf:"total_estimate_ratio"`
	TotalCacheTTLSeconds      int     `koanf:"total_cache_ttl_seconds"`
	SessionIdleTimeoutMinutes int     `koanf:"session_idle_timeout_minutes"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`

	// Rate limiting
	RateLimitRequestsPerMinute int `koanf:"rate_limit_requests_per_minute"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL  = errors.New("DATABASE_URL is required in production")
	ErrInvalidPort         = errors.New("PORT must be a valid integer between 1 and 65535")
	ErrInvalidPageSize     = errors.New("feed page sizes must satisfy 1 <= default <= max <= 50")
	ErrInvalidRatio        = errors.New("TOTAL_ESTIMATE_RATIO must be in (0, 1]")
	ErrInvalidCacheTTL     = errors.New("TOTAL_CACHE_TTL_SECONDS must be positive")
	ErrInvalidIdleTimeout  = errors.New("SESSION_IDLE_TIMEOUT_MINUTES must be positive")
	ErrInvalidSampleRate   = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidExporter     = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidRateLimit    = errors.New("RATE_LIMIT_REQUESTS_PER_MINUTE must be positive")
	ErrInvalidNumericValue = errors.New("value must be numeric")
)

// Default values for non-secret configuration.
const (
	DefaultPort                       = 8080
	DefaultEnv                        = "development"
	DefaultRankingCalibrationPath     = "configs/ranking.calibration.json"
	DefaultFeedPageSize               = 20
	DefaultFeedMaxPageSize            = 50
	DefaultTotalEstimateRatio         = 0.8
	DefaultTotalCacheTTLSeconds       = 60
	DefaultSessionIdleTimeoutMinutes  = 30
	DefaultTracingExporter            = "otlp-http"
	DefaultTracingSampleRate          = 0.1
	DefaultRateLimitRequestsPerMinute = 120

	// HardMaxPageSize is the largest page size any configuration may allow.
	HardMaxPageSize = 50
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intVal := func(envKeys []string, koanfKey string, def int) int {
		v, err := getEnvIntOrDefaultMulti(envKeys, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	floatVal := func(envKey, koanfKey string, def float64) float64 {
		v, err := getEnvFloatOrDefault(envKey, k, koanfKey, def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	cfg := &Config{
		Port:                       intVal([]string{"AUTOFEED_PORT", "PORT"}, "port", DefaultPort),
		Env:                        getEnvOrDefaultMulti([]string{"AUTOFEED_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:                getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                   getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		RankingCalibrationPath:     getEnvOrDefault("RANKING_CALIBRATION_PATH", k.String("ranking_calibration_path"), DefaultRankingCalibrationPath),
		FeedDefaultPageSize:        intVal([]string{"FEED_DEFAULT_PAGE_SIZE"}, "feed_default_page_size", DefaultFeedPageSize),
		FeedMaxPageSize:            intVal([]string{"FEED_MAX_PAGE_SIZE"}, "feed_max_page_size", DefaultFeedMaxPageSize),
		TotalEstimateRatio:         floatVal("TOTAL_ESTIMATE_RATIO", "total_estimate_ratio", DefaultTotalEstimateRatio),
		TotalCacheTTLSeconds:       intVal([]string{"TOTAL_CACHE_TTL_SECONDS"}, "total_cache_ttl_seconds", DefaultTotalCacheTTLSeconds),
		SessionIdleTimeoutMinutes:  intVal([]string{"SESSION_IDLE_TIMEOUT_MINUTES"}, "session_idle_timeout_minutes", DefaultSessionIdleTimeoutMinutes),
		TracingEnabled:             getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:            getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:               getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate:          floatVal("TRACING_SAMPLE_RATE", "tracing_sample_rate", DefaultTracingSampleRate),
		RateLimitRequestsPerMinute: intVal([]string{"RATE_LIMIT_REQUESTS_PER_MINUTE"}, "rate_limit_requests_per_minute", DefaultRateLimitRequestsPerMinute),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// TotalCacheTTL returns the Redis TTL for cached total estimates.
func (c *Config) TotalCacheTTL() time.Duration {
	return time.Duration(c.TotalCacheTTLSeconds) * time.Second
}

// SessionIdleTimeout returns how long an untouched feed session lives.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMinutes) * time.Minute
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns an error if a set variable cannot be parsed as an integer.
// A zero koanf value falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return defaultVal, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidNumericValue)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value when present, or default.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumericValue)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvBoolOrKoanf parses common boolean spellings; unknown values keep the
// file or default value.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	v := defaultVal
	if k.Exists(koanfKey) {
		v = k.Bool(koanfKey)
	}
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		v = true
	case "false", "0", "no", "off":
		v = false
	}
	return v
}

// Validate checks that configuration values are present and in range.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.FeedDefaultPageSize < 1 || c.FeedMaxPageSize > HardMaxPageSize || c.FeedDefaultPageSize > c.FeedMaxPageSize {
		errs = append(errs, ErrInvalidPageSize)
	}
	if c.TotalEstimateRatio <= 0 || c.TotalEstimateRatio > 1 {
		errs = append(errs, ErrInvalidRatio)
	}
	if c.TotalCacheTTLSeconds <= 0 {
		errs = append(errs, ErrInvalidCacheTTL)
	}
	if c.SessionIdleTimeoutMinutes <= 0 {
		errs = append(errs, ErrInvalidIdleTimeout)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
		errs = append(errs, ErrInvalidExporter)
	}
	if c.RateLimitRequestsPerMinute <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                           strconv.Itoa(c.Port),
		"env":                            c.Env,
		"database_url":                   maskDatabaseURL(c.DatabaseURL),
		"redis_url":                      maskDatabaseURL(c.RedisURL),
		"ranking_calibration_path":       c.RankingCalibrationPath,
		"feed_default_page_size":         strconv.Itoa(c.FeedDefaultPageSize),
		"feed_max_page_size":             strconv.Itoa(c.FeedMaxPageSize),
		"total_estimate_ratio":           strconv.FormatFloat(c.TotalEstimateRatio, 'f', -1, 64),
		"total_cache_ttl_seconds":        strconv.Itoa(c.TotalCacheTTLSeconds),
		"session_idle_timeout_minutes":   strconv.Itoa(c.SessionIdleTimeoutMinutes),
		"tracing_enabled":                strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":               c.TracingExporter,
		"otlp_endpoint":                  c.OTLPEndpoint,
		"tracing_sample_rate":            strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
		"rate_limit_requests_per_minute": strconv.Itoa(c.RateLimitRequestsPerMinute),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL (postgres://, redis://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
