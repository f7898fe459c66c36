/**
 * Configuration for the check extraction worker
 *
 * Loads configuration from environment variables matching .env.checkextract
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string // "redis" (LIST consumer) or "asynq"
	QueueName    string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration (duplicate-check index, optional)
	QdrantURL        string
	QdrantCollection string

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds

	// Output and crop sinks
	OutputDir         string
	ImageSink         string // "fs", "gcs" or "artifact"
	GCSBucket         string
	FileProcessAPIURL string

	// Detection
	FormatSamplePages    int
	DetectSnap           bool
	DetectFilterBacks    bool
	DetectExpandMetadata bool

	// Engines
	EngineTimeout      time.Duration
	TesseractLanguages []string
	VLMURL             string
	VLMAPIName         string
	VLMToken           string
	VLMTemperature     float64
	GeminiAPIKeys      []string
	GeminiModel        string
	GeminiBackend      string // "apikey" or "vertex"
	GoogleCloudProject string
	GoogleCloudRegion  string
	GeminiRPS          float64

	// Observability
	MetricsAddr string

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueBackend:         getEnvOrDefault("QUEUE_BACKEND", "redis"),
		QueueName:            getEnvOrDefault("QUEUE_NAME", "checkextract:jobs"),
		DatabaseURL:          getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:            getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:     getEnvOrDefault("QDRANT_COLLECTION", "check_fingerprints"),
		WorkerConcurrency:    getEnvAsIntOrDefault("WORKER_CONCURRENCY", 2),
		MaxFileSize:          getEnvAsInt64OrDefault("MAX_FILE_SIZE", 524288000), // 500MB
		ProcessingTimeout:    getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 3600000), // 1 hour
		OutputDir:            getEnvOrDefault("OUTPUT_DIR", "/tmp/checkextract"),
		ImageSink:            getEnvOrDefault("IMAGE_SINK", "fs"),
		GCSBucket:            getEnvOrDefault("GCS_BUCKET", ""),
		FileProcessAPIURL:    getEnvOrDefault("FILEPROCESS_API_URL", ""),
		FormatSamplePages:    getEnvAsIntOrDefault("FORMAT_SAMPLE_PAGES", 3),
		DetectSnap:           getEnvAsBoolOrDefault("DETECT_SNAP", true),
		DetectFilterBacks:    getEnvAsBoolOrDefault("DETECT_FILTER_BACKS", true),
		DetectExpandMetadata: getEnvAsBoolOrDefault("DETECT_EXPAND_METADATA", true),
		EngineTimeout:        getEnvAsDurationMsOrDefault("ENGINE_TIMEOUT_MS", 90*time.Second),
		TesseractLanguages:   splitList(getEnvOrDefault("TESSERACT_LANGUAGES", "eng")),
		VLMURL:               getEnvOrDefault("VLM_URL", ""),
		VLMAPIName:           getEnvOrDefault("VLM_API_NAME", "query_vllm_api"),
		VLMToken:             getEnvOrDefault("VLM_TOKEN", ""),
		VLMTemperature:       getEnvAsFloatOrDefault("VLM_TEMPERATURE", 0.4),
		GeminiAPIKeys:        ParseKeyList(os.Getenv("GEMINI_API_KEYS"), os.Getenv("GEMINI_API_KEY")),
		GeminiModel:          getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiBackend:        getEnvOrDefault("GEMINI_BACKEND", "apikey"),
		GoogleCloudProject:   getEnvOrDefault("GOOGLE_CLOUD_PROJECT", ""),
		GoogleCloudRegion:    getEnvOrDefault("GOOGLE_CLOUD_REGION", "us-central1"),
		GeminiRPS:            getEnvAsFloatOrDefault("GEMINI_RPS", 4),
		MetricsAddr:          getEnvOrDefault("METRICS_ADDR", ":9464"),
		NodeEnv:              getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
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

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 32 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 32, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 { // 1KB to 10GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}

	if c.FormatSamplePages < 1 || c.FormatSamplePages > 50 {
		return fmt.Errorf("FORMAT_SAMPLE_PAGES must be between 1 and 50, got %d", c.FormatSamplePages)
	}

	if c.EngineTimeout < time.Second {
		return fmt.Errorf("ENGINE_TIMEOUT_MS must be at least 1000, got %d", c.EngineTimeout.Milliseconds())
	}

	switch c.ImageSink {
	case "fs":
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when IMAGE_SINK=gcs")
		}
	case "artifact":
		if c.FileProcessAPIURL == "" {
			return fmt.Errorf("FILEPROCESS_API_URL is required when IMAGE_SINK=artifact")
		}
	default:
		return fmt.Errorf("IMAGE_SINK must be fs, gcs or artifact, got %q", c.ImageSink)
	}

	switch c.GeminiBackend {
	case "apikey":
	case "vertex":
		if c.GoogleCloudProject == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required when GEMINI_BACKEND=vertex")
		}
	default:
		return fmt.Errorf("GEMINI_BACKEND must be apikey or vertex, got %q", c.GeminiBackend)
	}

	if c.VLMTemperature < 0 || c.VLMTemperature > 2 {
		return fmt.Errorf("VLM_TEMPERATURE must be between 0 and 2, got %v", c.VLMTemperature)
	}

	if c.GeminiRPS <= 0 {
		return fmt.Errorf("GEMINI_RPS must be positive, got %v", c.GeminiRPS)
	}

	return nil
}

// ParseKeyList merges a comma separated key list with a single fallback key.
// Keys are trimmed and de-duplicated; first occurrence order is kept.
func ParseKeyList(list, single string) []string {
	raw := list
	if strings.TrimSpace(raw) == "" {
		raw = single
	}

	seen := make(map[string]bool)
	keys := make([]string, 0)
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, "+") {
		for _, p := range strings.Split(part, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
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

// getEnvAsDurationMsOrDefault reads a millisecond count as a time.Duration
func getEnvAsDurationMsOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	ms, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil || ms < 0 {
		return defaultValue
	}

	return time.Duration(ms) * time.Millisecond
}
