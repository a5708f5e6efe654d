package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Role names accepted in Config.Roles
const (
	RoleAPI         = "api"
	RoleFetcher     = "fetcher"
	RoleAttachments = "attachments"
	RolePersister   = "persister"
	RoleDeadLetter  = "dead_letter"
	RoleReconciler  = "reconciler"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Queues     QueueConfig      `mapstructure:"queues"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Roles      []string         `mapstructure:"roles"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// GmailConfig holds Gmail API configuration. Per-mailbox client IDs and
// tokens live in the mailbox directory; the secret is shared.
type GmailConfig struct {
	ClientSecret    string        `mapstructure:"client_secret"`
	TokenURL        string        `mapstructure:"token_url"`
	APIEndpoint     string        `mapstructure:"api_endpoint"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor  time.Duration `mapstructure:"breaker_open_for"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// AWSConfig holds AWS SDK configuration
type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// QueueConfig holds the queue URLs for every pipeline stage
type QueueConfig struct {
	FetchURL          string `mapstructure:"fetch_url"`
	AttachmentsURL    string `mapstructure:"attachments_url"`
	PersistURL        string `mapstructure:"persist_url"`
	DeadLetterURL     string `mapstructure:"dead_letter_url"`
	WaitSeconds       int32  `mapstructure:"wait_seconds"`
	VisibilityTimeout int32  `mapstructure:"visibility_timeout"`
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// EncryptionConfig holds the credential vault secret
type EncryptionConfig struct {
	Key string `mapstructure:"key"`
}

// StageConfig holds the polling shape of a single stage worker
type StageConfig struct {
	BatchSize   int `mapstructure:"batch_size"`
	Concurrency int `mapstructure:"concurrency"`
}

// BackoffConfig holds the poll-loop retry policy
type BackoffConfig struct {
	InitialInterval      time.Duration `mapstructure:"initial_interval"`
	MaxInterval          time.Duration `mapstructure:"max_interval"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
}

// WorkersConfig holds configuration for every stage worker
type WorkersConfig struct {
	Fetcher             StageConfig   `mapstructure:"fetcher"`
	Attachments         StageConfig   `mapstructure:"attachments"`
	Persister           StageConfig   `mapstructure:"persister"`
	DeadLetter          StageConfig   `mapstructure:"dead_letter"`
	DownloadConcurrency int           `mapstructure:"download_concurrency"`
	WriteBatchSize      int           `mapstructure:"write_batch_size"`
	Backoff             BackoffConfig `mapstructure:"backoff"`
}

// ReconcilerConfig holds configuration for the orphaned-notification sweep
type ReconcilerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"`
	Threshold time.Duration `mapstructure:"threshold"`
	Limit     int           `mapstructure:"limit"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("gmail.breaker_failures", 5)
	v.SetDefault("gmail.breaker_open_for", "30s")
	v.SetDefault("gmail.request_timeout", "60s")

	v.SetDefault("queues.wait_seconds", 20)
	v.SetDefault("queues.visibility_timeout", 0)

	v.SetDefault("storage.key_prefix", "attachments")

	v.SetDefault("workers.fetcher.batch_size", 10)
	v.SetDefault("workers.fetcher.concurrency", 5)
	v.SetDefault("workers.attachments.batch_size", 10)
	v.SetDefault("workers.attachments.concurrency", 5)
	v.SetDefault("workers.persister.batch_size", 10)
	v.SetDefault("workers.persister.concurrency", 3)
	v.SetDefault("workers.dead_letter.batch_size", 10)
	v.SetDefault("workers.dead_letter.concurrency", 10)
	v.SetDefault("workers.download_concurrency", 3)
	v.SetDefault("workers.write_batch_size", 10)
	v.SetDefault("workers.backoff.initial_interval", "1s")
	v.SetDefault("workers.backoff.max_interval", "1m")
	v.SetDefault("workers.backoff.max_consecutive_errors", 20)

	v.SetDefault("reconciler.enabled", false)
	v.SetDefault("reconciler.schedule", "@every 10m")
	v.SetDefault("reconciler.threshold", "15m")
	v.SetDefault("reconciler.limit", 100)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 0.1)

	v.SetDefault("roles", []string{RoleAPI, RoleFetcher, RoleAttachments, RolePersister, RoleDeadLetter})
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("log.level", "LOG_LEVEL")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USERNAME")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_DATABASE")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.auto_migrate", "DB_AUTO_MIGRATE")

	// Gmail
	v.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("gmail.token_url", "GMAIL_TOKEN_URL")
	v.BindEnv("gmail.api_endpoint", "GMAIL_API_ENDPOINT")

	// AWS
	v.BindEnv("aws.region", "AWS_REGION")
	v.BindEnv("aws.endpoint", "AWS_ENDPOINT_URL")

	// Queues
	v.BindEnv("queues.fetch_url", "SQS_INGESTION_QUEUE_URL")
	v.BindEnv("queues.attachments_url", "SQS_PROCESSING_QUEUE_URL")
	v.BindEnv("queues.persist_url", "SQS_DB_WRITE_QUEUE_URL")
	v.BindEnv("queues.dead_letter_url", "SQS_DLQ_URL")

	// Storage
	v.BindEnv("storage.bucket", "S3_BUCKET_NAME")

	// Encryption
	v.BindEnv("encryption.key", "ENCRYPTION_KEY")

	// Workers
	v.BindEnv("workers.fetcher.batch_size", "EMAIL_FETCHER_BATCH_SIZE")
	v.BindEnv("workers.fetcher.concurrency", "EMAIL_FETCHER_CONCURRENCY")
	v.BindEnv("workers.attachments.batch_size", "ATTACHMENT_PROCESSOR_BATCH_SIZE")
	v.BindEnv("workers.attachments.concurrency", "ATTACHMENT_PROCESSOR_CONCURRENCY")
	v.BindEnv("workers.persister.batch_size", "DB_WRITER_BATCH_SIZE")
	v.BindEnv("workers.persister.concurrency", "DB_WRITER_CONCURRENCY")
	v.BindEnv("workers.dead_letter.batch_size", "DLQ_PROCESSOR_BATCH_SIZE")
	v.BindEnv("workers.download_concurrency", "ATTACHMENT_DOWNLOAD_CONCURRENCY")
	v.BindEnv("workers.write_batch_size", "DB_WRITE_BATCH_SIZE")

	// Reconciler
	v.BindEnv("reconciler.enabled", "RECONCILER_ENABLED")
	v.BindEnv("reconciler.schedule", "RECONCILER_SCHEDULE")
	v.BindEnv("reconciler.threshold", "RECONCILER_THRESHOLD")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")

	v.BindEnv("roles", "ROLES")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "sqlite":
		return c.DBName
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	default:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
}

// HasRole reports whether the process is configured to run the given role
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "postgres", "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.DBName == "" {
			return fmt.Errorf("database dbname is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if len(c.Roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}

	if c.Encryption.Key == "" {
		return fmt.Errorf("encryption key is required")
	}

	if c.AWS.Region == "" {
		return fmt.Errorf("aws region is required")
	}

	needs := map[string]string{}
	if c.HasRole(RoleAPI) || c.HasRole(RoleReconciler) {
		needs["queues.fetch_url"] = c.Queues.FetchURL
	}
	if c.HasRole(RoleFetcher) {
		needs["queues.fetch_url"] = c.Queues.FetchURL
		needs["queues.attachments_url"] = c.Queues.AttachmentsURL
		needs["gmail.client_secret"] = c.Gmail.ClientSecret
	}
	if c.HasRole(RoleAttachments) {
		needs["queues.attachments_url"] = c.Queues.AttachmentsURL
		needs["queues.persist_url"] = c.Queues.PersistURL
		needs["storage.bucket"] = c.Storage.Bucket
		needs["gmail.client_secret"] = c.Gmail.ClientSecret
	}
	if c.HasRole(RolePersister) {
		needs["queues.persist_url"] = c.Queues.PersistURL
	}
	if c.HasRole(RoleDeadLetter) {
		needs["queues.dead_letter_url"] = c.Queues.DeadLetterURL
	}
	for key, value := range needs {
		if value == "" {
			return fmt.Errorf("%s is required for the configured roles", key)
		}
	}

	if c.Workers.DownloadConcurrency <= 0 || c.Workers.WriteBatchSize <= 0 {
		return fmt.Errorf("worker download concurrency and write batch size must be greater than 0")
	}

	for name, stage := range map[string]StageConfig{
		"fetcher":     c.Workers.Fetcher,
		"attachments": c.Workers.Attachments,
		"persister":   c.Workers.Persister,
		"dead_letter": c.Workers.DeadLetter,
	} {
		if stage.BatchSize <= 0 || stage.Concurrency <= 0 {
			return fmt.Errorf("workers.%s batch size and concurrency must be greater than 0", name)
		}
	}

	if (c.Reconciler.Enabled || c.HasRole(RoleReconciler)) && c.Reconciler.Threshold <= 0 {
		return fmt.Errorf("reconciler threshold must be greater than 0")
	}

	return nil
}
