package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Redis    RedisConfig
	Blob     BlobConfig
	OCR      OCRConfig
	Queue    QueueConfig
	Enrich   EnrichConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr          string
	MaxUploadSize int64
	UploadTmpDir  string
}

// RedisConfig holds queue/cache backend configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BlobConfig holds object storage configuration
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	SignedTTL time.Duration
}

// OCRConfig holds recognition configuration
type OCRConfig struct {
	Languages     []string
	PoolSize      int
	ConfThreshold float64
	// GeminiAsPrimary runs the external provider first; GeminiFallback runs
	// it after a low-confidence local pass. Setting both is allowed but is
	// almost certainly a misconfiguration.
	GeminiAsPrimary bool
	GeminiFallback  bool
	GeminiAPIKey    string
	GeminiModel     string
	CacheTTL        time.Duration
}

// QueueConfig holds per-stage queue policies
type QueueConfig struct {
	IngestTimeout  time.Duration
	OCRTimeout     time.Duration
	EnrichTimeout  time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	RecordTTL      time.Duration
	IngestWorkers  int
	OCRWorkers     int
	EnrichWorkers  int
}

// EnrichConfig holds enrichment cache and lookup configuration
type EnrichConfig struct {
	CacheSize     int
	CacheTTL      time.Duration
	CatalogDBPath string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			Addr:          getEnv("HTTP_ADDR", ":8080"),
			MaxUploadSize: int64(getEnvAsInt("MAX_UPLOAD_MB", 32)) << 20,
			UploadTmpDir:  getEnv("UPLOAD_TMP_DIR", os.TempDir()),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Blob: BlobConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "minio"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "minio123"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			Region:    getEnv("MINIO_REGION", ""),
			Bucket:    getEnv("MINIO_BUCKET", "receipts"),
			SignedTTL: getEnvAsDuration("SIGNED_URL_TTL", 15*time.Minute),
		},
		OCR: OCRConfig{
			Languages:       getEnvAsList("OCR_LANGUAGES", []string{"jpn", "eng"}),
			PoolSize:        getEnvAsInt("OCR_POOL_SIZE", 2),
			ConfThreshold:   getEnvAsFloat64("OCR_CONF_THRESHOLD", 0.6),
			GeminiAsPrimary: getEnvAsBool("GEMINI_AS_PRIMARY", false),
			GeminiFallback:  getEnvAsBool("GEMINI_FALLBACK", false),
			GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
			GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			CacheTTL:        getEnvAsDuration("OCR_CACHE_TTL", 24*time.Hour),
		},
		Queue: QueueConfig{
			IngestTimeout: getEnvAsDuration("INGEST_TIMEOUT", 60*time.Second),
			OCRTimeout:    getEnvAsDuration("OCR_TIMEOUT", 3*time.Minute),
			EnrichTimeout: getEnvAsDuration("ENRICH_TIMEOUT", 60*time.Second),
			MaxAttempts:   getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:   getEnvAsDuration("QUEUE_BACKOFF_BASE", 5*time.Second),
			RecordTTL:     getEnvAsDuration("QUEUE_RECORD_TTL", 24*time.Hour),
			IngestWorkers: getEnvAsInt("INGEST_WORKERS", 4),
			OCRWorkers:    getEnvAsInt("OCR_WORKERS", 4),
			EnrichWorkers: getEnvAsInt("ENRICH_WORKERS", 4),
		},
		Enrich: EnrichConfig{
			CacheSize:     getEnvAsInt("ENRICH_CACHE_SIZE", 1024),
			CacheTTL:      getEnvAsDuration("ENRICH_CACHE_TTL", time.Hour),
			CatalogDBPath: getEnv("CATALOG_DB_PATH", ""),
		},
	}
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

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Redis.Addr == "" {
		return NewAppError("CONFIG_ERROR", "REDIS_ADDR is required", ErrInvalidInput)
	}
	if c.OCR.PoolSize <= 0 {
		return NewAppError("CONFIG_ERROR", "OCR_POOL_SIZE must be positive", ErrInvalidInput)
	}
	if (c.OCR.GeminiAsPrimary || c.OCR.GeminiFallback) && c.OCR.GeminiAPIKey == "" {
		return NewAppError("CONFIG_ERROR", "GEMINI_API_KEY is required when gemini is enabled", ErrMissingConfig)
	}
	return nil
}
