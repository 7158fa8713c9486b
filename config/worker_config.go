package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"mailsync/core/domain"

	"gopkg.in/yaml.v3"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Environment string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`

	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Quota     QuotaConfig     `yaml:"quota"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Provider  ProviderConfig  `yaml:"provider"`
	Google    GoogleConfig    `yaml:"google"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// EncryptionKey seals OAuth tokens at rest
	EncryptionKey string `yaml:"encryption_key"`
}

type DatabaseConfig struct {
	// postgres://... or a sqlite path / file: DSN
	URL         string        `yaml:"url"`
	RedisURL    string        `yaml:"redis_url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type QueueConfig struct {
	// redis://, nats://, postgres:// or memory://
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	Group  string `yaml:"group"`
}

type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Loops             int           `yaml:"loops"`
	Concurrency       int           `yaml:"concurrency"`
	BatchSize         int           `yaml:"batch_size"`
	BlockMS           int           `yaml:"block_ms"`
	MessageTimeout    time.Duration `yaml:"message_timeout"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
	MaxDeliveries     int           `yaml:"max_deliveries"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

type QuotaConfig struct {
	UnitsPerWindow int           `yaml:"units_per_window"`
	Window         time.Duration `yaml:"window"`
}

type BackfillConfig struct {
	PageSize     int           `yaml:"page_size"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type ProviderConfig struct {
	QPS         float64       `yaml:"qps"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

type SchedulerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	HistorySyncInterval time.Duration `yaml:"history_sync_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			URL:         "file:mailsync.db",
			CallTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			URL:    "memory://",
			Stream: "mailsync:jobs",
			Group:  "mailsync-workers",
		},
		Worker: WorkerConfig{
			ID:                generateWorkerID(),
			Loops:             1,
			Concurrency:       10,
			BatchSize:         20,
			BlockMS:           5000,
			MessageTimeout:    5 * time.Minute,
			RestartDelay:      5 * time.Second,
			MaxDeliveries:     10,
			VisibilityTimeout: 6 * time.Minute,
		},
		Quota: QuotaConfig{
			UnitsPerWindow: 250,
			Window:         time.Second,
		},
		Backfill: BackfillConfig{
			PageSize:     5,
			ReapInterval: time.Minute,
			StaleAfter:   10 * time.Minute,
		},
		Provider: ProviderConfig{
			QPS:         20,
			CallTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			HistorySyncInterval: 2 * time.Minute,
		},
	}
}

// Load applies defaults, then the optional YAML file at path, then env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENV", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.EncryptionKey = getEnv("ENCRYPTION_KEY", c.EncryptionKey)

	// Database
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.RedisURL = getEnv("REDIS_URL", c.Database.RedisURL)
	c.Database.CallTimeout = getEnvSeconds("DB_CALL_TIMEOUT_SEC", c.Database.CallTimeout)

	// Queue
	c.Queue.URL = getEnv("QUEUE_URL", c.Queue.URL)
	c.Queue.Stream = getEnv("QUEUE_STREAM", c.Queue.Stream)
	c.Queue.Group = getEnv("QUEUE_GROUP", c.Queue.Group)

	// Worker
	c.Worker.ID = getEnv("WORKER_ID", c.Worker.ID)
	c.Worker.Loops = getEnvInt("WORKER_LOOPS", c.Worker.Loops)
	c.Worker.Concurrency = getEnvInt("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.BatchSize = getEnvInt("WORKER_BATCH_SIZE", c.Worker.BatchSize)
	c.Worker.BlockMS = getEnvInt("WORKER_BLOCK_MS", c.Worker.BlockMS)
	c.Worker.MessageTimeout = getEnvSeconds("WORKER_MESSAGE_TIMEOUT", c.Worker.MessageTimeout)
	c.Worker.RestartDelay = getEnvSeconds("WORKER_RESTART_DELAY", c.Worker.RestartDelay)
	c.Worker.MaxDeliveries = getEnvInt("WORKER_MAX_DELIVERIES", c.Worker.MaxDeliveries)
	c.Worker.VisibilityTimeout = getEnvSeconds("WORKER_VISIBILITY_TIMEOUT", c.Worker.VisibilityTimeout)

	// Quota
	c.Quota.UnitsPerWindow = getEnvInt("QUOTA_UNITS_PER_WINDOW", c.Quota.UnitsPerWindow)
	if ms := getEnvInt("QUOTA_WINDOW_MS", 0); ms > 0 {
		c.Quota.Window = time.Duration(ms) * time.Millisecond
	}

	// Backfill
	c.Backfill.PageSize = getEnvInt("BACKFILL_PAGE_SIZE", c.Backfill.PageSize)
	c.Backfill.ReapInterval = getEnvSeconds("BACKFILL_REAP_INTERVAL_SEC", c.Backfill.ReapInterval)
	c.Backfill.StaleAfter = getEnvSeconds("BACKFILL_STALE_AFTER_SEC", c.Backfill.StaleAfter)

	// Provider
	c.Provider.QPS = getEnvFloat("PROVIDER_QPS", c.Provider.QPS)
	c.Provider.CallTimeout = getEnvSeconds("PROVIDER_CALL_TIMEOUT_SEC", c.Provider.CallTimeout)

	// OAuth - Google
	c.Google.ClientID = getEnv("GOOGLE_CLIENT_ID", c.Google.ClientID)
	c.Google.ClientSecret = getEnv("GOOGLE_CLIENT_SECRET", c.Google.ClientSecret)
	c.Google.RedirectURL = getEnv("GOOGLE_REDIRECT_URL", c.Google.RedirectURL)

	// Scheduler
	c.Scheduler.Enabled = getEnvBool("SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.HistorySyncInterval = getEnvSeconds("HISTORY_SYNC_INTERVAL_SEC", c.Scheduler.HistorySyncInterval)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Database.URL == "":
		return fmt.Errorf("config: DATABASE_URL is required")
	case c.Queue.URL == "":
		return fmt.Errorf("config: QUEUE_URL is required")
	case c.Worker.Loops < 1:
		return fmt.Errorf("config: worker loops must be >= 1, got %d", c.Worker.Loops)
	case c.Worker.Concurrency < 1:
		return fmt.Errorf("config: worker concurrency must be >= 1, got %d", c.Worker.Concurrency)
	case c.Worker.BatchSize < 1:
		return fmt.Errorf("config: worker batch size must be >= 1, got %d", c.Worker.BatchSize)
	case c.Worker.MessageTimeout <= 0:
		return fmt.Errorf("config: message timeout must be positive")
	case c.Worker.MaxDeliveries < 1:
		return fmt.Errorf("config: max deliveries must be >= 1, got %d", c.Worker.MaxDeliveries)
	case c.Quota.Window <= 0:
		return fmt.Errorf("config: quota window must be positive")
	case c.Quota.UnitsPerWindow < domain.MaxOperationCost():
		return fmt.Errorf("config: quota budget %d is below the most expensive operation (%d units)",
			c.Quota.UnitsPerWindow, domain.MaxOperationCost())
	case c.Backfill.PageSize < 1:
		return fmt.Errorf("config: backfill page size must be >= 1, got %d", c.Backfill.PageSize)
	case c.Provider.QPS <= 0:
		return fmt.Errorf("config: provider qps must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvSeconds reads an integer number of seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if sec, err := strconv.Atoi(value); err == nil {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
