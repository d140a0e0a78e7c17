// Package config loads the worker configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete worker configuration
type Config struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Exports   ExportsConfig   `mapstructure:"exports"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// WorkerConfig contains process-level settings
type WorkerConfig struct {
	ID              string        `mapstructure:"id"`
	Concurrency     int           `mapstructure:"concurrency" validate:"min=1"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains Postgres connection settings
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port" validate:"min=1,max=65535"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxConns     int    `mapstructure:"max_conns" validate:"min=1"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"min=0"`
}

// ConnString returns the DSN, built from parts when not given directly
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.Username, d.Password, d.SSLMode)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Address     string        `mapstructure:"address" validate:"required"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	MaxRetries  int           `mapstructure:"max_retries"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// QueueConfig selects and tunes the job-queue backend
type QueueConfig struct {
	Backend           string        `mapstructure:"backend" validate:"oneof=redis sqs"`
	Stream            string        `mapstructure:"stream"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	SQSQueueURL       string        `mapstructure:"sqs_queue_url"`
	AWSRegion         string        `mapstructure:"aws_region"`
	// SQSEndpoint points the client at a local SQS (LocalStack) instead of
	// AWS. Static test credentials are used when it is set.
	SQSEndpoint string `mapstructure:"sqs_endpoint"`
}

// LimiterConfig tunes the per-tenant concurrency limiter. The *_SECONDS
// environment variables carry bare integers, so the TTL-ish knobs are
// plain second counts with duration accessors.
type LimiterConfig struct {
	MaxConcurrent       int `mapstructure:"max_concurrent" validate:"min=1"`
	SemaphoreTTLSeconds int `mapstructure:"semaphore_ttl_seconds" validate:"min=1"`
	LocalLimit          int `mapstructure:"local_limit" validate:"min=1"`
	FailureThreshold    int `mapstructure:"failure_threshold" validate:"min=1"`
	CircuitBreakSeconds int `mapstructure:"circuit_break_seconds" validate:"min=1"`
}

// SemaphoreTTL returns the Redis counter TTL
func (l LimiterConfig) SemaphoreTTL() time.Duration {
	return time.Duration(l.SemaphoreTTLSeconds) * time.Second
}

// CircuitBreak returns the open-state cooldown
func (l LimiterConfig) CircuitBreak() time.Duration {
	return time.Duration(l.CircuitBreakSeconds) * time.Second
}

// CrawlConfig tunes the task runner, feeder, and persister
type CrawlConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts" validate:"min=1"`
	MaxAgeSeconds         int           `mapstructure:"max_age_seconds" validate:"min=1"`
	BackoffBaseSeconds    int           `mapstructure:"backoff_base_seconds" validate:"min=1"`
	BackoffMaxSeconds     int           `mapstructure:"backoff_max_seconds" validate:"min=1"`
	ChunkSize             int           `mapstructure:"chunk_size" validate:"min=1"`
	ChunkOverlap          int           `mapstructure:"chunk_overlap" validate:"min=0"`
	MaxBatchBytes         int64         `mapstructure:"max_batch_bytes" validate:"min=1"`
	MaxTransactionSeconds int           `mapstructure:"max_transaction_seconds" validate:"min=1"`
	FeederInterval        time.Duration `mapstructure:"feeder_interval"`
	PendingSweepAge       time.Duration `mapstructure:"pending_sweep_age"`
}

// MaxAge returns the job abandonment age
func (c CrawlConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// BackoffBase returns the first-attempt backoff cap
func (c CrawlConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the backoff cap ceiling
func (c CrawlConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// MaxTransactionTime returns the Phase 2 wall-clock bound
func (c CrawlConfig) MaxTransactionTime() time.Duration {
	return time.Duration(c.MaxTransactionSeconds) * time.Second
}

// CrawlerConfig points at the external crawler service
type CrawlerConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	PageBatchSize   int           `mapstructure:"page_batch_size" validate:"min=1"`
}

// EmbeddingConfig tunes embedding API usage
type EmbeddingConfig struct {
	Concurrency      int           `mapstructure:"concurrency" validate:"min=1"`
	TimeoutSeconds   int           `mapstructure:"timeout_seconds" validate:"min=1"`
	Provider         string        `mapstructure:"provider"`
	AWSRegion        string        `mapstructure:"aws_region"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	ModelCacheSize   int           `mapstructure:"model_cache_size" validate:"min=1"`
}

// Timeout returns the per-call embedding deadline
func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// GraphConfig tunes the document-provider subscription client. An empty
// AccessToken disables the renewal loop; deployments that use change
// notifications inject an app token through GRAPH_ACCESS_TOKEN.
type GraphConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	WebhookBaseURL   string        `mapstructure:"webhook_base_url"`
	ClientState      string        `mapstructure:"client_state"`
	AccessToken      string        `mapstructure:"access_token"`
	Expiration       time.Duration `mapstructure:"expiration"`
	RenewalThreshold time.Duration `mapstructure:"renewal_threshold"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// ExportsConfig tunes export-file storage and cleanup
type ExportsConfig struct {
	Bucket    string        `mapstructure:"bucket"`
	AWSRegion string        `mapstructure:"aws_region"`
	Prefix    string        `mapstructure:"prefix"`
	OrphanTTL time.Duration `mapstructure:"orphan_ttl"`
}

// SchedulerConfig carries the cron expressions for the maintenance loops.
// An empty expression disables that loop.
type SchedulerConfig struct {
	QueueDueWebsites    string `mapstructure:"queue_due_websites"`
	SubscriptionRenewal string `mapstructure:"subscription_renewal"`
	PurgeAuditLogs      string `mapstructure:"purge_audit_logs"`
	PurgeConversations  string `mapstructure:"purge_conversations"`
	CleanupExportFiles  string `mapstructure:"cleanup_export_files"`
	SweepPendingQueues  string `mapstructure:"sweep_pending_queues"`
	SweepSubscriptions  string `mapstructure:"sweep_subscriptions"`
}

// Load reads configuration from defaults, config.yaml if present, and
// environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/ingest-worker")

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.Worker.ID = host
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.metrics_addr", ":9094")
	v.SetDefault("worker.log_level", "info")
	v.SetDefault("worker.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "ingest")
	v.SetDefault("database.username", "ingest")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.stream", "crawl:jobs")
	v.SetDefault("queue.consumer_group", "crawl-workers")
	v.SetDefault("queue.visibility_timeout", "1h")
	v.SetDefault("queue.aws_region", "us-east-1")

	v.SetDefault("limiter.max_concurrent", 5)
	v.SetDefault("limiter.semaphore_ttl_seconds", 1800)
	v.SetDefault("limiter.local_limit", 2)
	v.SetDefault("limiter.failure_threshold", 5)
	v.SetDefault("limiter.circuit_break_seconds", 30)

	v.SetDefault("crawl.max_attempts", 3)
	v.SetDefault("crawl.max_age_seconds", 86400)
	v.SetDefault("crawl.backoff_base_seconds", 10)
	v.SetDefault("crawl.backoff_max_seconds", 600)
	v.SetDefault("crawl.chunk_size", 200)
	v.SetDefault("crawl.chunk_overlap", 40)
	v.SetDefault("crawl.max_batch_bytes", 67108864)
	v.SetDefault("crawl.max_transaction_seconds", 30)
	v.SetDefault("crawl.feeder_interval", "10s")
	v.SetDefault("crawl.pending_sweep_age", "24h")

	v.SetDefault("crawler.base_url", "http://localhost:8090")
	v.SetDefault("crawler.response_timeout", "30s")
	v.SetDefault("crawler.page_batch_size", 20)

	v.SetDefault("embedding.concurrency", 3)
	v.SetDefault("embedding.timeout_seconds", 120)
	v.SetDefault("embedding.provider", "bedrock")
	v.SetDefault("embedding.aws_region", "us-east-1")
	v.SetDefault("embedding.failure_threshold", 5)
	v.SetDefault("embedding.breaker_timeout", "60s")
	v.SetDefault("embedding.model_cache_size", 128)

	v.SetDefault("graph.base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("graph.expiration", "672h")
	v.SetDefault("graph.renewal_threshold", "24h")
	v.SetDefault("graph.requests_per_sec", 5.0)
	v.SetDefault("graph.request_timeout", "30s")

	v.SetDefault("exports.prefix", "exports/")
	v.SetDefault("exports.aws_region", "us-east-1")
	v.SetDefault("exports.orphan_ttl", "24h")

	v.SetDefault("scheduler.queue_due_websites", "0 * * * *")
	v.SetDefault("scheduler.subscription_renewal", "*/30 * * * *")
	v.SetDefault("scheduler.purge_audit_logs", "0 3 * * *")
	v.SetDefault("scheduler.purge_conversations", "30 3 * * *")
	v.SetDefault("scheduler.cleanup_export_files", "0 4 * * *")
	v.SetDefault("scheduler.sweep_pending_queues", "30 4 * * *")
	v.SetDefault("scheduler.sweep_subscriptions", "45 4 * * *")
}

func bindEnvVars(v *viper.Viper) {
	v.AutomaticEnv()

	_ = v.BindEnv("worker.id", "WORKER_ID")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.metrics_addr", "METRICS_ADDR")
	_ = v.BindEnv("worker.log_level", "LOG_LEVEL")

	_ = v.BindEnv("database.dsn", "DATABASE_DSN")
	_ = v.BindEnv("database.host", "DATABASE_HOST")
	_ = v.BindEnv("database.port", "DATABASE_PORT")
	_ = v.BindEnv("database.database", "DATABASE_NAME")
	_ = v.BindEnv("database.username", "DATABASE_USER")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")

	_ = v.BindEnv("queue.backend", "QUEUE_BACKEND")
	_ = v.BindEnv("queue.sqs_queue_url", "SQS_QUEUE_URL")
	_ = v.BindEnv("queue.aws_region", "AWS_REGION")
	_ = v.BindEnv("queue.sqs_endpoint", "SQS_ENDPOINT")

	_ = v.BindEnv("limiter.max_concurrent", "TENANT_WORKER_CONCURRENCY_LIMIT")
	_ = v.BindEnv("limiter.semaphore_ttl_seconds", "TENANT_WORKER_SEMAPHORE_TTL_SECONDS")
	_ = v.BindEnv("limiter.local_limit", "TENANT_WORKER_LOCAL_LIMIT")
	_ = v.BindEnv("limiter.circuit_break_seconds", "TENANT_WORKER_CIRCUIT_BREAK_SECONDS")

	_ = v.BindEnv("crawl.max_attempts", "CRAWL_MAX_ATTEMPTS")
	_ = v.BindEnv("crawl.max_age_seconds", "CRAWL_MAX_AGE_SECONDS")
	_ = v.BindEnv("crawl.backoff_base_seconds", "CRAWL_BACKOFF_BASE_SECONDS")
	_ = v.BindEnv("crawl.backoff_max_seconds", "CRAWL_BACKOFF_MAX_SECONDS")
	_ = v.BindEnv("crawl.max_batch_bytes", "CRAWL_MAX_BATCH_EMBEDDING_BYTES")
	_ = v.BindEnv("crawl.max_transaction_seconds", "CRAWL_MAX_TRANSACTION_WALL_TIME_SECONDS")

	_ = v.BindEnv("crawler.base_url", "CRAWLER_URL")

	_ = v.BindEnv("embedding.concurrency", "CRAWL_EMBEDDING_CONCURRENCY")
	_ = v.BindEnv("embedding.timeout_seconds", "CRAWL_EMBEDDING_TIMEOUT_SECONDS")
	_ = v.BindEnv("embedding.aws_region", "AWS_REGION")

	_ = v.BindEnv("graph.webhook_base_url", "GRAPH_WEBHOOK_BASE_URL")
	_ = v.BindEnv("graph.client_state", "GRAPH_CLIENT_STATE")
	_ = v.BindEnv("graph.access_token", "GRAPH_ACCESS_TOKEN")

	_ = v.BindEnv("exports.bucket", "EXPORTS_S3_BUCKET")
	_ = v.BindEnv("exports.aws_region", "AWS_REGION")
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Queue.Backend == "sqs" && cfg.Queue.SQSQueueURL == "" {
		return fmt.Errorf("queue.sqs_queue_url is required for the sqs backend")
	}
	if cfg.Limiter.LocalLimit > cfg.Limiter.MaxConcurrent {
		return fmt.Errorf("limiter.local_limit (%d) must not exceed limiter.max_concurrent (%d)",
			cfg.Limiter.LocalLimit, cfg.Limiter.MaxConcurrent)
	}
	if cfg.Crawl.ChunkOverlap >= cfg.Crawl.ChunkSize {
		return fmt.Errorf("crawl.chunk_overlap (%d) must be smaller than crawl.chunk_size (%d)",
			cfg.Crawl.ChunkOverlap, cfg.Crawl.ChunkSize)
	}
	return nil
}
