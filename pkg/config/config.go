// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration
type Config struct {
	Storage       StorageConfig
	Render        RenderConfig
	Vision        VisionConfig
	RateLimit     RateLimitConfig
	Retry         RetryConfig
	Executor      ExecutorConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
	Scheduler     SchedulerConfig
}

// StorageConfig locates the hierarchical per-job data directory.
type StorageConfig struct {
	DataDir string
}

// RenderConfig controls PDF page rasterization.
type RenderConfig struct {
	DPI                int // clamped to [150, 200] by the renderer
	FallbackPreviewDPI int
	MaxPixels          int // per-page pixel cap before downscaling
	MaxPages           int // 0 = unlimited
	PdftoppmBin        string
	PdftotextBin       string
	PdfinfoBin         string
	DigitalTextChars   int // avg chars/page above which a PDF counts as digital
}

// VisionConfig configures the external vision extraction service.
type VisionConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	TimeoutSeconds    int
	MaxTokens         int
	UseStructuredRows bool
}

// RateLimitConfig bounds outbound extraction calls across all workers.
type RateLimitConfig struct {
	PerWindow          int
	WindowSeconds      int
	WaitTimeoutSeconds int
	Key                string
}

// RetryConfig is the transient-failure retry policy for task units.
type RetryConfig struct {
	MaxAttempts    int
	BackoffSeconds int
	BackoffMax     int
	JitterSeconds  int
}

// ExecutorConfig tunes the local task executor.
type ExecutorConfig struct {
	Workers           int
	DispatchPerSecond int
	DispatchBurst     int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Enabled  bool
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsPort    int
}

// SchedulerConfig controls the periodic reconcile sweep.
type SchedulerConfig struct {
	ReconcileCron string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			DataDir: getEnv("DATA_DIR", "./data"),
		},
		Render: RenderConfig{
			DPI:                getEnvAsInt("SCANNED_RENDER_DPI", 180),
			FallbackPreviewDPI: getEnvAsInt("FALLBACK_PREVIEW_DPI", 130),
			MaxPixels:          getEnvAsInt("PREVIEW_MAX_PIXELS", 6_000_000),
			MaxPages:           getEnvAsInt("RENDER_MAX_PAGES", 0),
			PdftoppmBin:        getEnv("PDFTOPPM_BIN", "pdftoppm"),
			PdftotextBin:       getEnv("PDFTOTEXT_BIN", "pdftotext"),
			PdfinfoBin:         getEnv("PDFINFO_BIN", "pdfinfo"),
			DigitalTextChars:   getEnvAsInt("DIGITAL_TEXT_THRESHOLD", 300),
		},
		Vision: VisionConfig{
			APIKey:            getEnv("VISION_API_KEY", ""),
			Model:             getEnv("VISION_MODEL", "gpt-4o-mini"),
			BaseURL:           getEnv("VISION_BASE_URL", "https://api.openai.com/v1"),
			TimeoutSeconds:    getEnvAsInt("VISION_TIMEOUT_SECONDS", 60),
			MaxTokens:         getEnvAsInt("VISION_MAX_TOKENS", 4096),
			UseStructuredRows: getEnvAsBool("VISION_USE_STRUCTURED_ROWS", true),
		},
		RateLimit: RateLimitConfig{
			PerWindow:          getEnvAsInt("VISION_RPM_LIMIT", 60),
			WindowSeconds:      getEnvAsInt("VISION_RATE_WINDOW_SECONDS", 60),
			WaitTimeoutSeconds: getEnvAsInt("VISION_RATE_WAIT_TIMEOUT_SECONDS", 120),
			Key:                getEnv("VISION_RATE_KEY", "vision:ocr:rpm"),
		},
		Retry: RetryConfig{
			MaxAttempts:    getEnvAsInt("TASK_MAX_RETRIES", 3),
			BackoffSeconds: getEnvAsInt("TASK_RETRY_BACKOFF_SECONDS", 15),
			BackoffMax:     getEnvAsInt("TASK_RETRY_BACKOFF_MAX_SECONDS", 300),
			JitterSeconds:  getEnvAsInt("TASK_RETRY_JITTER_SECONDS", 3),
		},
		Executor: ExecutorConfig{
			Workers:           getEnvAsInt("EXECUTOR_WORKERS", 4),
			DispatchPerSecond: getEnvAsInt("EXECUTOR_DISPATCH_PER_SECOND", 20),
			DispatchBurst:     getEnvAsInt("EXECUTOR_DISPATCH_BURST", 40),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "statements-dev"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
			Enabled:  getEnvAsBool("JOB_CATALOG_ENABLED", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
		},
		Scheduler: SchedulerConfig{
			ReconcileCron: getEnv("RECONCILE_CRON", "*/5 * * * *"),
		},
	}

	if cfg.Vision.APIKey == "" {
		return nil, errors.New("VISION_API_KEY is required")
	}

	return cfg, nil
}

// getEnv returns the env value or a default
func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvAsInt returns the env value as int or a default
func getEnvAsInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvAsBool returns the env value as bool or a default
func getEnvAsBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
