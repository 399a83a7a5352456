package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Scheduler SchedulerConfig
	Extractor ExtractorConfig
	Quota     QuotaConfig
	Storage   StorageConfig
	Events    EventsConfig
	Artifacts ArtifactsConfig
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

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string
}

// SchedulerConfig holds worker-pool and retry configuration
type SchedulerConfig struct {
	Workers        int
	PerJobMax      int
	QueueSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	ExtractTimeout time.Duration
}

// ExtractorConfig holds the text-extraction collaborator's endpoint
type ExtractorConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// QuotaConfig holds usage-accounting configuration
type QuotaConfig struct {
	EnvelopeTTL time.Duration
	RedisAddr   string // empty disables the redis envelope cache
	// FreePageLimit is the default envelope served when no billing
	// collaborator is wired.
	FreePageLimit int
}

// StorageConfig holds object-storage configuration
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// EventsConfig holds audit-event configuration
type EventsConfig struct {
	KafkaBrokers []string
	Topic        string
}

// ArtifactsConfig holds output-artifact configuration
type ArtifactsConfig struct {
	TTL time.Duration
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
			GRPCAddr: getEnv("GRPC_ADDR", ":8080"),
		},
		Scheduler: SchedulerConfig{
			Workers:        getEnvAsInt("SCHED_WORKERS", 8),
			PerJobMax:      getEnvAsInt("SCHED_PER_JOB_MAX", 2),
			QueueSize:      getEnvAsInt("SCHED_QUEUE_SIZE", 1024),
			MaxAttempts:    getEnvAsInt("SCHED_MAX_ATTEMPTS", 3),
			BackoffBase:    getEnvAsDuration("SCHED_BACKOFF_BASE", 2*time.Second),
			BackoffCap:     getEnvAsDuration("SCHED_BACKOFF_CAP", 2*time.Minute),
			ExtractTimeout: getEnvAsDuration("SCHED_EXTRACT_TIMEOUT", 3*time.Minute),
		},
		Extractor: ExtractorConfig{
			Endpoint: getEnv("EXTRACT_ENDPOINT", "http://localhost:9100/extract"),
			Timeout:  getEnvAsDuration("EXTRACT_HTTP_TIMEOUT", 90*time.Second),
		},
		Quota: QuotaConfig{
			EnvelopeTTL:   getEnvAsDuration("QUOTA_ENVELOPE_TTL", 5*time.Minute),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			FreePageLimit: getEnvAsInt("QUOTA_FREE_PAGE_LIMIT", 500),
		},
		Storage: StorageConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			Bucket:    getEnv("MINIO_BUCKET", "docbatch"),
		},
		Events: EventsConfig{
			KafkaBrokers: splitEnv("KAFKA_BROKERS"),
			Topic:        getEnv("KAFKA_TOPIC", "docbatch.events"),
		},
		Artifacts: ArtifactsConfig{
			TTL: getEnvAsDuration("ARTIFACT_TTL", 72*time.Hour),
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

func splitEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "GRPC_ADDR is required", ErrInvalidInput)
	}
	if c.Scheduler.Workers < 1 {
		return NewAppError("CONFIG_ERROR", "SCHED_WORKERS must be positive", ErrInvalidInput)
	}
	if c.Scheduler.PerJobMax < 1 {
		return NewAppError("CONFIG_ERROR", "SCHED_PER_JOB_MAX must be positive", ErrInvalidInput)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "SCHED_MAX_ATTEMPTS must be positive", ErrInvalidInput)
	}
	if c.Extractor.Endpoint == "" {
		return NewAppError("CONFIG_ERROR", "EXTRACT_ENDPOINT is required", ErrInvalidInput)
	}
	if c.Artifacts.TTL <= 0 {
		return NewAppError("CONFIG_ERROR", "ARTIFACT_TTL must be positive", ErrInvalidInput)
	}
	return nil
}
