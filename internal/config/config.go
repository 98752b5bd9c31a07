package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Queue          QueueConfig
	PSP            PSPConfig
	BankFeed       BankFeedConfig
	Reconciliation ReconciliationConfig
	Alerts         AlertsConfig
	LogLevel       string
}

type ServerConfig struct {
	Port           string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// QueueConfig drives the batch queue and its workers. MaxRetries is the total
// number of PSP submission attempts before a batch is marked failed.
type QueueConfig struct {
	Endpoint        string
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	LockTTL         time.Duration
	PollInterval    time.Duration
	ClaimBatchSize  int
	WorkerCount     int
	QueueSize       int
	// WorkersEnabled runs the dispatcher and pool in this process. API-only
	// replicas set it to false.
	WorkersEnabled bool
}

type PSPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type BankFeedConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type ReconciliationConfig struct {
	FuzzyWindowDays int
}

type AlertsConfig struct {
	PubSubProjectID string
	PubSubTopic     string
	CredentialsJSON string
}

func Load() (*Config, error) {
	dbPort, err := getIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	redisDB, err := getIntEnv("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	maxRetries, err := getIntEnv("QUEUE_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	retryBackoff, err := getDurationEnv("QUEUE_RETRY_BACKOFF", 30*time.Second)
	if err != nil {
		return nil, err
	}
	maxRetryBackoff, err := getDurationEnv("QUEUE_MAX_RETRY_BACKOFF", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	lockTTL, err := getDurationEnv("QUEUE_LOCK_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	pollInterval, err := getDurationEnv("QUEUE_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}
	claimBatchSize, err := getIntEnv("QUEUE_CLAIM_BATCH_SIZE", 20)
	if err != nil {
		return nil, err
	}
	workerCount, err := getIntEnv("QUEUE_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	queueSize, err := getIntEnv("QUEUE_BUFFER_SIZE", 50)
	if err != nil {
		return nil, err
	}
	workersEnabled, err := getBoolEnv("QUEUE_WORKERS_ENABLED", true)
	if err != nil {
		return nil, err
	}

	pspTimeout, err := getDurationEnv("PSP_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	feedTimeout, err := getDurationEnv("BANK_FEED_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	fuzzyWindow, err := getIntEnv("RECONCILIATION_FUZZY_WINDOW_DAYS", 5)
	if err != nil {
		return nil, err
	}

	var origins []string
	for _, o := range strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			AllowedOrigins: origins,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "sepa_collections"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Queue: QueueConfig{
			Endpoint:        getEnv("QUEUE_ENDPOINT", "postgres"),
			MaxRetries:      maxRetries,
			RetryBackoff:    retryBackoff,
			MaxRetryBackoff: maxRetryBackoff,
			LockTTL:         lockTTL,
			PollInterval:    pollInterval,
			ClaimBatchSize:  claimBatchSize,
			WorkerCount:     workerCount,
			QueueSize:       queueSize,
			WorkersEnabled:  workersEnabled,
		},
		PSP: PSPConfig{
			BaseURL: getEnv("PSP_BASE_URL", ""),
			APIKey:  getEnv("PSP_API_KEY", ""),
			Timeout: pspTimeout,
		},
		BankFeed: BankFeedConfig{
			BaseURL: getEnv("BANK_FEED_BASE_URL", ""),
			APIKey:  getEnv("BANK_FEED_API_KEY", ""),
			Timeout: feedTimeout,
		},
		Reconciliation: ReconciliationConfig{
			FuzzyWindowDays: fuzzyWindow,
		},
		Alerts: AlertsConfig{
			PubSubProjectID: getEnv("PUBSUB_PROJECT_ID", getEnv("GOOGLE_CLOUD_PROJECT", "")),
			PubSubTopic:     getEnv("PUBSUB_ACTION_ITEMS_TOPIC", ""),
			CredentialsJSON: getEnv("PUBSUB_CREDENTIALS_JSON", ""),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.Queue.Endpoint != "postgres" {
		return nil, fmt.Errorf("unsupported QUEUE_ENDPOINT %q", cfg.Queue.Endpoint)
	}
	if cfg.Queue.MaxRetries < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_RETRIES must be at least 1")
	}
	if cfg.Queue.WorkerCount < 1 {
		return nil, fmt.Errorf("QUEUE_WORKERS must be at least 1")
	}
	if cfg.Queue.WorkersEnabled && cfg.PSP.BaseURL == "" {
		return nil, fmt.Errorf("PSP_BASE_URL is required when QUEUE_WORKERS_ENABLED is set")
	}
	if cfg.Queue.WorkersEnabled && cfg.Queue.LockTTL <= cfg.PSP.Timeout {
		return nil, fmt.Errorf("QUEUE_LOCK_TTL (%s) must exceed PSP_TIMEOUT (%s)", cfg.Queue.LockTTL, cfg.PSP.Timeout)
	}
	if cfg.Reconciliation.FuzzyWindowDays < 0 {
		return nil, fmt.Errorf("RECONCILIATION_FUZZY_WINDOW_DAYS must not be negative")
	}
	if cfg.Alerts.PubSubTopic != "" && cfg.Alerts.PubSubProjectID == "" {
		return nil, fmt.Errorf("PUBSUB_PROJECT_ID is required when PUBSUB_ACTION_ITEMS_TOPIC is set")
	}

	return cfg, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getBoolEnv(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
