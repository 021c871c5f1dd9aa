/**
 * Configuration for the lab-report pipeline
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

// Config holds pipeline configuration
type Config struct {
	// Redis configuration (asynq hand-off and status events)
	RedisURL string

	// PostgreSQL configuration; empty disables persistence
	DatabaseURL string

	// Remote analysis service
	AnalysisServiceURL string
	AnalysisAPIKey     string
	StatusPollInterval time.Duration

	// Local extraction engine
	TesseractLanguages []string

	// Persistent preference store
	PreferencesFile string

	// Router defaults (overridden by the preference file)
	PreferRemote     bool
	AllowFallback    bool
	OCRTimeout       time.Duration
	QualityThreshold float64

	// Background uploads
	BackgroundUploads       bool
	BackgroundSizeThreshold int64
	UploadConcurrency       int
	StrictPriority          bool

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	MetricsAddr       string

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:                getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:             getEnvOrDefault("DATABASE_URL", ""),
		AnalysisServiceURL:      getEnvOrDefault("ANALYSIS_SERVICE_URL", "http://localhost:8080"),
		AnalysisAPIKey:          getEnvOrDefault("ANALYSIS_API_KEY", ""),
		StatusPollInterval:      time.Duration(getEnvAsIntOrDefault("STATUS_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		TesseractLanguages:      splitList(getEnvOrDefault("TESSERACT_LANGUAGES", "eng")),
		PreferencesFile:         getEnvOrDefault("PREFERENCES_FILE", "labreport-preferences.yaml"),
		PreferRemote:            getEnvAsBoolOrDefault("PREFER_REMOTE", true),
		AllowFallback:           getEnvAsBoolOrDefault("ALLOW_FALLBACK", true),
		OCRTimeout:              time.Duration(getEnvAsIntOrDefault("OCR_TIMEOUT_SECONDS", 30)) * time.Second,
		QualityThreshold:        getEnvAsFloatOrDefault("QUALITY_THRESHOLD", 0.7),
		BackgroundUploads:       getEnvAsBoolOrDefault("BACKGROUND_UPLOADS", false),
		BackgroundSizeThreshold: getEnvAsInt64OrDefault("BACKGROUND_SIZE_THRESHOLD", 1<<20), // 1MB
		UploadConcurrency:       getEnvAsIntOrDefault("UPLOAD_CONCURRENCY", 2),
		StrictPriority:          getEnvAsBoolOrDefault("STRICT_PRIORITY", false),
		WorkerConcurrency:       getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:             getEnvAsInt64OrDefault("MAX_FILE_SIZE", 50<<20), // 50MB
		MetricsAddr:             getEnvOrDefault("METRICS_ADDR", ":9102"),
		LogLevel:                getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AnalysisServiceURL == "" {
		return fmt.Errorf("ANALYSIS_SERVICE_URL is required")
	}

	if c.OCRTimeout <= 0 || c.OCRTimeout > 10*time.Minute {
		return fmt.Errorf("OCR_TIMEOUT_SECONDS must be between 1 and 600, got %v", c.OCRTimeout)
	}

	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("QUALITY_THRESHOLD must be between 0 and 1, got %v", c.QualityThreshold)
	}

	if c.UploadConcurrency < 1 || c.UploadConcurrency > 32 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be between 1 and 32, got %d", c.UploadConcurrency)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1<<30 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	if c.StatusPollInterval < 50*time.Millisecond {
		return fmt.Errorf("STATUS_POLL_INTERVAL_MS must be at least 50, got %v", c.StatusPollInterval)
	}

	return nil
}

// DefaultPreferences builds the preference defaults used when no preference file exists
func (c *Config) DefaultPreferences() models.Preferences {
	return models.Preferences{
		Router: models.RouterConfig{
			PreferRemote:     c.PreferRemote,
			AllowFallback:    c.AllowFallback,
			Timeout:          c.OCRTimeout,
			QualityThreshold: c.QualityThreshold,
		},
		BackgroundUploads:       c.BackgroundUploads,
		BackgroundSizeThreshold: c.BackgroundSizeThreshold,
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
