package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration. It is threaded explicitly into
// constructors; nothing reads the environment after startup.
type Config struct {
	Database DatabaseConfig
	Storage  StorageConfig
	OCR      OCRConfig
	LLM      LLMConfig
	Extract  ExtractConfig
	Engine   EngineConfig
}

// DatabaseConfig selects and configures the run store backend.
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string // postgres DSN
	Path   string // sqlite file path, ":memory:" for tests
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Backend         string // "s3" or "local"
	Bucket          string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	LocalDir        string
}

// OCRConfig holds the remote OCR service settings.
type OCRConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxInFlight int64
}

// LLMConfig holds the inference service settings. Temperature/TopP are fixed
// low to keep repeated runs on identical input as reproducible as the
// external model allows.
type LLMConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float32
	TopP         float32
	MaxTokens    int
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// ExtractConfig holds document-extraction limits and tools.
type ExtractConfig struct {
	Pdftotext     string // binary name or absolute path
	MinTextChars  int    // direct-extraction floor below which OCR is tried
	MaxTotalChars int    // concatenated text budget; excess truncated with marker
	MaxFileBytes  int64
	MaxFiles      int
}

// EngineConfig holds orchestration settings.
type EngineConfig struct {
	Workers      int
	QueueSize    int
	StageTimeout time.Duration
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			DSN:    getEnv("DB_URL", ""),
			Path:   getEnv("DB_PATH", "extraction-engine.db"),
		},
		Storage: StorageConfig{
			Backend:         getEnv("STORAGE_BACKEND", "local"),
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			EndpointURL:     getEnv("S3_ENDPOINT_URL", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			ForcePathStyle:  getEnvAsBool("S3_FORCE_PATH_STYLE", false),
			LocalDir:        getEnv("STORAGE_DIR", "./data"),
		},
		OCR: OCRConfig{
			BaseURL:     getEnv("OCR_BASE_URL", ""),
			APIKey:      getEnv("OCR_API_KEY", ""),
			Model:       getEnv("OCR_MODEL", "ocr-latest"),
			Timeout:     getEnvAsDuration("OCR_TIMEOUT", 120*time.Second),
			MaxInFlight: int64(getEnvAsInt("OCR_MAX_IN_FLIGHT", 4)),
		},
		LLM: LLMConfig{
			BaseURL:      getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:       getEnv("LLM_API_KEY", ""),
			Model:        getEnv("LLM_MODEL", "gpt-4o-mini"),
			Temperature:  getEnvAsFloat32("LLM_TEMPERATURE", 0.0),
			TopP:         getEnvAsFloat32("LLM_TOP_P", 0.95),
			MaxTokens:    getEnvAsInt("LLM_MAX_TOKENS", 8000),
			Timeout:      getEnvAsDuration("LLM_TIMEOUT", 120*time.Second),
			MaxAttempts:  getEnvAsInt("LLM_MAX_ATTEMPTS", 3),
			RetryBackoff: getEnvAsDuration("LLM_RETRY_BACKOFF", 2*time.Second),
		},
		Extract: ExtractConfig{
			Pdftotext:     getEnv("PDFTOTEXT_BIN", "pdftotext"),
			MinTextChars:  getEnvAsInt("EXTRACT_MIN_CHARS", 64),
			MaxTotalChars: getEnvAsInt("EXTRACT_MAX_CHARS", 10000),
			MaxFileBytes:  int64(getEnvAsInt("MAX_FILE_BYTES", 25<<20)),
			MaxFiles:      getEnvAsInt("MAX_FILES", 3),
		},
		Engine: EngineConfig{
			Workers:      getEnvAsInt("ENGINE_WORKERS", 4),
			QueueSize:    getEnvAsInt("ENGINE_QUEUE_SIZE", 256),
			StageTimeout: getEnvAsDuration("ENGINE_STAGE_TIMEOUT", 5*time.Minute),
		},
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return ValidationErrorf("DB_URL is required with DB_DRIVER=postgres")
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		return ValidationErrorf("S3_BUCKET is required with STORAGE_BACKEND=s3")
	}
	if c.LLM.APIKey == "" {
		return ValidationErrorf("LLM_API_KEY is required")
	}
	if c.Extract.MaxFiles < 1 || c.Extract.MaxFiles > 3 {
		return ValidationErrorf("MAX_FILES must be between 1 and 3")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
