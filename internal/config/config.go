package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration for the simcore worker service.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// QueueConfig governs the Redis task queue. Concurrency is per process
// instance; the simulation category is pinned to 1 so the sequential
// read-modify-write of "most recent ledger entry -> cashBefore" cannot
// race within an instance.
type QueueConfig struct {
	KeyPrefix         string
	Attempts          int
	BackoffBase       time.Duration
	VisibilityTimeout time.Duration
	StalledInterval   time.Duration
	PollInterval      time.Duration

	SimulationConcurrency int
	PDFConcurrency        int
	SMSConcurrency        int
	PushConcurrency       int
	EmailConcurrency      int

	BatchMaxPolls int
}

type SchedulerConfig struct {
	TickInterval       time.Duration
	LeaseTTL           time.Duration
	Owner              string
	StreamLeaseEnabled bool
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SIMCORE_PORT", 8080),
			Env:  envString("SIMCORE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "openai"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
			},
		},
		Queue: QueueConfig{
			KeyPrefix:         envString("QUEUE_KEY_PREFIX", "simcore:queue"),
			Attempts:          envInt("QUEUE_ATTEMPTS", 3),
			BackoffBase:       envDuration("QUEUE_BACKOFF_BASE", 5*time.Second),
			VisibilityTimeout: envDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			StalledInterval:   envDuration("QUEUE_STALLED_INTERVAL", 30*time.Second),
			PollInterval:      envDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),

			SimulationConcurrency: envInt("QUEUE_SIMULATION_CONCURRENCY", 1),
			PDFConcurrency:        envInt("QUEUE_PDF_CONCURRENCY", 5),
			SMSConcurrency:        envInt("QUEUE_SMS_CONCURRENCY", 5),
			PushConcurrency:       envInt("QUEUE_PUSH_CONCURRENCY", 2),
			EmailConcurrency:      envInt("QUEUE_EMAIL_CONCURRENCY", 1),

			BatchMaxPolls: envInt("QUEUE_BATCH_MAX_POLLS", 120),
		},
		Scheduler: SchedulerConfig{
			TickInterval:       envDuration("SCHEDULER_TICK_INTERVAL", 15*time.Second),
			LeaseTTL:           envDuration("SCHEDULER_LEASE_TTL", 2*time.Minute),
			Owner:              envString("SCHEDULER_OWNER", defaultOwner()),
			StreamLeaseEnabled: envBool("SIMCORE_STREAM_LEASE_ENABLED", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}

	if c.Queue.SimulationConcurrency != 1 {
		return fmt.Errorf("QUEUE_SIMULATION_CONCURRENCY must be 1; got %d", c.Queue.SimulationConcurrency)
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("QUEUE_ATTEMPTS must be at least 1; got %d", c.Queue.Attempts)
	}

	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("SCHEDULER_LEASE_TTL must be positive")
	}
	if c.Scheduler.Owner == "" {
		return fmt.Errorf("SCHEDULER_OWNER must not be empty")
	}

	return nil
}

// defaultOwner derives a stable-enough lease owner identity for this
// process instance.
func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
