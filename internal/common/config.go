package common

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc/codes"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Redis     RedisConfig
	Blob      BlobConfig
	Queue     QueueConfig
	Pipeline  PipelineConfig
	Admission AdmissionConfig
	Notify    NotifyConfig
	LLM       LLMConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr       string
	GRPCAddr       string
	AllowedOrigins []string
	ShutdownGrace  time.Duration
}

// RedisConfig holds the connection used by the queue and the rate limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BlobConfig selects and configures the document store.
type BlobConfig struct {
	Backend   string // minio | memory
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// QueueConfig holds transport and consumer settings.
type QueueConfig struct {
	Backend        string // redis | memory
	Key            string
	Workers        int
	Size           int
	ProcessTimeout time.Duration
	PollTimeout    time.Duration
	MaxDeliveries  int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// PipelineConfig tunes the job processor.
type PipelineConfig struct {
	MaxTotalAttempts int
	WaitWindow       time.Duration
	StageOutput      bool
	DedupCacheTTL    time.Duration
}

// AdmissionConfig holds claim and retry limits.
type AdmissionConfig struct {
	MaxUploadBytes    int64
	ClaimsPerWindow   int
	ClaimWindow       time.Duration
	RecentClaimWindow time.Duration
	MaxManualRetries  int
	RateLimiter       string // redis | store
}

// NotifyConfig controls how status updates reach the channel hub.
type NotifyConfig struct {
	BaseURL     string // empty means in-process delivery
	Token       string
	Timeout     time.Duration
	Concurrency int
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Provider    string // openai | stub
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	Timeout     time.Duration
}

// LoadDotEnv loads variables from the given files (default .env) without
// overriding what is already set. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return WrapError(err, "load "+p)
		}
	}
	return nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:       getEnv("GRPC_ADDR", ":8081"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownGrace:  getEnvAsDuration("SHUTDOWN_GRACE", 15*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Blob: BlobConfig{
			Backend:   getEnv("BLOB_BACKEND", "minio"),
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "resumes"),
			Region:    getEnv("MINIO_REGION", ""),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		Queue: QueueConfig{
			Backend:        getEnv("QUEUE_BACKEND", "redis"),
			Key:            getEnv("QUEUE_KEY", "resume:parse"),
			Workers:        getEnvAsInt("QUEUE_WORKERS", 4),
			Size:           getEnvAsInt("QUEUE_SIZE", 256),
			ProcessTimeout: getEnvAsDuration("QUEUE_PROCESS_TIMEOUT", 2*time.Minute),
			PollTimeout:    getEnvAsDuration("QUEUE_POLL_TIMEOUT", 5*time.Second),
			MaxDeliveries:  getEnvAsInt("QUEUE_MAX_DELIVERIES", 5),
			BackoffBase:    getEnvAsDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			BackoffMax:     getEnvAsDuration("QUEUE_BACKOFF_MAX", time.Minute),
		},
		Pipeline: PipelineConfig{
			MaxTotalAttempts: getEnvAsInt("PIPELINE_MAX_TOTAL_ATTEMPTS", 5),
			WaitWindow:       getEnvAsDuration("PIPELINE_WAIT_WINDOW", 10*time.Minute),
			StageOutput:      getEnvAsBool("PIPELINE_STAGE_OUTPUT", true),
			DedupCacheTTL:    getEnvAsDuration("PIPELINE_DEDUP_CACHE_TTL", 10*time.Minute),
		},
		Admission: AdmissionConfig{
			MaxUploadBytes:    getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
			ClaimsPerWindow:   getEnvAsInt("CLAIMS_PER_WINDOW", 5),
			ClaimWindow:       getEnvAsDuration("CLAIM_WINDOW", 24*time.Hour),
			RecentClaimWindow: getEnvAsDuration("RECENT_CLAIM_WINDOW", 60*time.Second),
			MaxManualRetries:  getEnvAsInt("MAX_MANUAL_RETRIES", 2),
			RateLimiter:       getEnv("RATE_LIMITER", "redis"),
		},
		Notify: NotifyConfig{
			BaseURL:     getEnv("NOTIFY_BASE_URL", ""),
			Token:       getEnv("NOTIFY_TOKEN", ""),
			Timeout:     getEnvAsDuration("NOTIFY_TIMEOUT", 2*time.Second),
			Concurrency: getEnvAsInt("NOTIFY_CONCURRENCY", 8),
		},
		LLM: LLMConfig{
			Provider:    getEnv("LLM_PROVIDER", "openai"),
			Model:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			BaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Temperature: getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
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

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
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
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the settings every daemon needs.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return configError("DB_URL is required")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return configError("DB_DRIVER must be postgres or sqlite")
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		return configError("OPENAI_API_KEY is required")
	}
	if c.Server.HTTPAddr == "" {
		return configError("HTTP_ADDR is required")
	}
	if c.Queue.Workers <= 0 {
		return configError("QUEUE_WORKERS must be positive")
	}
	if c.Pipeline.MaxTotalAttempts <= 0 {
		return configError("PIPELINE_MAX_TOTAL_ATTEMPTS must be positive")
	}
	if c.Admission.MaxManualRetries < 0 {
		return configError("MAX_MANUAL_RETRIES must not be negative")
	}
	if c.Notify.BaseURL != "" && c.Notify.Token == "" {
		return configError("NOTIFY_TOKEN is required with NOTIFY_BASE_URL")
	}
	if c.Blob.Backend == "minio" && c.Blob.Bucket == "" {
		return configError("MINIO_BUCKET is required")
	}
	return nil
}

func configError(msg string) *AppError {
	return NewAppError(codes.InvalidArgument, msg, ErrInvalidInput)
}
