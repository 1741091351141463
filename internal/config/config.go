package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	CORS          CORSConfig
	Logging       LoggingConfig
	Email         EmailConfig
	Notifications NotificationsConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Jobs          JobsConfig
	Workflow      WorkflowConfig
	Tracing       TracingConfig
	Environment   string
}

type ServerConfig struct {
	Host            string
	Port            int
	BaseURL         string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Store          string
	URL            string
	MaxConnections int
	MaxIdle        int
}

type AuthConfig struct {
	JWTSecret string
	JWTExpiry time.Duration
	Issuer    string
}

type CORSConfig struct {
	AllowAllOrigins bool
	AllowedOrigins  []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type EmailConfig struct {
	Enabled      bool
	Provider     string
	From         string
	ResendAPIKey string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
}

type NotificationsConfig struct {
	RatePerSecond float64
	Burst         int
	DedupTTL      time.Duration
	ReminderTTL   time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type JobsConfig struct {
	Enabled              bool
	MaxWorkers           int
	RetryPropagation     int
	RetryNotification    int
	ReconcileConcurrency int
	ReconcileInterval    time.Duration
}

type WorkflowConfig struct {
	FanoutLimit int
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			BaseURL:         getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Store:          strings.ToLower(getEnv("STORE", StorePostgres)),
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", 25),
			MaxIdle:        getEnvInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTExpiry: time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 24)) * time.Hour,
			Issuer:    getEnv("JWT_ISSUER", "signoff"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Email: EmailConfig{
			Enabled:      getEnvBool("EMAIL_ENABLED", false),
			Provider:     getEnv("EMAIL_PROVIDER", "resend"),
			From:         getEnv("EMAIL_FROM", ""),
			ResendAPIKey: getEnv("RESEND_API_KEY", ""),
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnvInt("SMTP_PORT", 587),
			SMTPUser:     getEnv("SMTP_USER", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		},
		Notifications: NotificationsConfig{
			RatePerSecond: getEnvFloat("NOTIFY_RATE_PER_SECOND", 5),
			Burst:         getEnvInt("NOTIFY_BURST", 10),
			DedupTTL:      getEnvDuration("NOTIFY_DEDUP_TTL", 72*time.Hour),
			ReminderTTL:   getEnvDuration("NOTIFY_REMINDER_TTL", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_LIFECYCLE_TOPIC", "signoff.event-lifecycle"),
		},
		Jobs: JobsConfig{
			Enabled:              getEnvBool("JOBS_ENABLED", true),
			MaxWorkers:           getEnvInt("JOBS_MAX_WORKERS", 10),
			RetryPropagation:     getEnvInt("JOB_RETRY_PROPAGATION", 10),
			RetryNotification:    getEnvInt("JOB_RETRY_NOTIFICATION", 8),
			ReconcileConcurrency: getEnvInt("RECONCILE_CONCURRENCY", 4),
			ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 6*time.Hour),
		},
		Workflow: WorkflowConfig{
			FanoutLimit: getEnvInt("WORKFLOW_FANOUT_LIMIT", 8),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			Exporter:     getEnv("TRACING_EXPORTER", "none"),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", "signoff"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	cfg.CORS.AllowAllOrigins = getEnvBool("CORS_ALLOW_ALL_ORIGINS", cfg.Environment != "production")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.Database.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
		if c.Environment == "production" {
			return fmt.Errorf("STORE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unsupported STORE %q (must be %q or %q)", c.Database.Store, StorePostgres, StoreMemory)
	}

	if c.Auth.JWTSecret == "" {
		if c.Database.Store != StoreMemory {
			return fmt.Errorf("JWT_SECRET is required")
		}
	} else if len(c.Auth.JWTSecret) < 32 && c.Environment == "production" {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	if c.CORS.AllowAllOrigins && c.Environment == "production" {
		return fmt.Errorf("CORS_ALLOW_ALL_ORIGINS is not allowed in production; list origins in CORS_ALLOWED_ORIGINS")
	}

	if c.Email.Enabled && c.Email.From == "" {
		return fmt.Errorf("EMAIL_FROM is required when EMAIL_ENABLED=true")
	}
	if c.Workflow.FanoutLimit < 1 {
		return fmt.Errorf("WORKFLOW_FANOUT_LIMIT must be at least 1")
	}
	return nil
}

// UsesPostgres reports whether the configured store is Postgres. River jobs
// need it.
func (c Config) UsesPostgres() bool {
	return c.Database.Store == StorePostgres
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
