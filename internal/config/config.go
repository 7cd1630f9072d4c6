package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"discourse"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"discourse"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// Server
	EnableAPI  bool `envconfig:"ENABLE_API" default:"true"`
	ServerPort int  `envconfig:"SERVER_PORT" default:"8080"`

	// Workers
	EnableWorkers   bool          `envconfig:"ENABLE_WORKERS" default:"true"`
	WorkerCount     int           `envconfig:"WORKER_COUNT" default:"4"`
	PollInterval    time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"5s"`
	JobTimeout      time.Duration `envconfig:"JOB_TIMEOUT" default:"30s"`
	JobMaxRetries   int           `envconfig:"JOB_MAX_RETRIES" default:"3"`
	ClaimMode       string        `envconfig:"JOB_CLAIM_MODE" default:"skip_locked"`
	RetryEnabled    bool          `envconfig:"JOB_RETRY_ENABLED" default:"false"`
	RetryBaseDelay  time.Duration `envconfig:"JOB_RETRY_BASE_DELAY" default:"10s"`
	RetryMaxDelay   time.Duration `envconfig:"JOB_RETRY_MAX_DELAY" default:"10m"`
	ReapInterval    time.Duration `envconfig:"JOB_REAP_INTERVAL" default:"1m"`
	ReclaimGrace    time.Duration `envconfig:"JOB_RECLAIM_GRACE" default:"5s"`
	CandidateBatch  int           `envconfig:"JOB_CLAIM_CANDIDATES" default:"5"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// Outcome events; empty NSQD_HOST disables publishing.
	NSQDHost    string `envconfig:"NSQD_HOST"`
	EventsTopic string `envconfig:"JOB_EVENTS_TOPIC" default:"jobs.completed"`

	// Worker statistics; empty REDIS_URL disables them.
	RedisURL       string `envconfig:"REDIS_URL"`
	RedisNamespace string `envconfig:"REDIS_NAMESPACE" default:"discourse:jobs:"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.EnableWorkers {
		if c.WorkerCount < 1 {
			return fmt.Errorf("%w: WORKER_COUNT must be at least 1", ErrInvalidValue)
		}
		if c.PollInterval <= 0 {
			return fmt.Errorf("%w: JOB_POLL_INTERVAL must be positive", ErrInvalidValue)
		}
	}
	if c.JobMaxRetries < 0 {
		return fmt.Errorf("%w: JOB_MAX_RETRIES must not be negative", ErrInvalidValue)
	}
	if c.ReclaimGrace < 0 {
		return fmt.Errorf("%w: JOB_RECLAIM_GRACE must not be negative", ErrInvalidValue)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("%w: JOB_TIMEOUT must not be negative", ErrInvalidValue)
	}
	switch c.ClaimMode {
	case "skip_locked", "conditional":
	default:
		return fmt.Errorf("%w: JOB_CLAIM_MODE %q", ErrInvalidValue, c.ClaimMode)
	}
	return nil
}

// DSN returns the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

// BootstrapRetryDelay returns the delay between bootstrap connection attempts.
func (c *Config) BootstrapRetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}
