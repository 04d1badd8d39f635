package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the function host, the uploader and the sweeper.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	HandlerPort string `env:"FUNCTIONS_CUSTOMHANDLER_PORT"`

	SubscriptionID string `env:"AZURE_SUBSCRIPTION_ID"`
	ResourceGroup  string `env:"AZURE_RESOURCE_GROUP"`
	IdentityID     string `env:"AZURE_MANAGED_IDENTITY_ID"`
	RegistryServer string `env:"ACR_SERVER"`
	Image          string `env:"CONTAINER_IMAGE"`
	Location       string `env:"AZURE_LOCATION" envDefault:"eastus"`

	JobCPU      float64           `env:"JOB_CPU" envDefault:"0.25"`
	JobMemoryGB float64           `env:"JOB_MEMORY_GB" envDefault:"0.5"`
	JobEnv      map[string]string `env:"JOB_ENV" envKeyValSeparator:"="`

	SubmitTimeout   time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"10m"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollMaxAttempts int           `env:"POLL_MAX_ATTEMPTS" envDefault:"120"`
	StatusTimeout   time.Duration `env:"STATUS_TIMEOUT" envDefault:"15s"`
	LogFetchTimeout time.Duration `env:"LOG_FETCH_TIMEOUT" envDefault:"30s"`
	CleanupTimeout  time.Duration `env:"CLEANUP_TIMEOUT" envDefault:"30s"`
	LogTail         int           `env:"LOG_TAIL" envDefault:"1000"`

	StorageAccessKeyID     string `env:"STORAGE_ACCESS_KEY_ID"`
	StorageSecretAccessKey string `env:"STORAGE_SECRET_ACCESS_KEY"`
	StorageContainer       string `env:"STORAGE_CONTAINER" envDefault:"job-artifacts"`
	StorageRegion          string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	StorageEndpoint        string `env:"STORAGE_ENDPOINT"`
	StoragePathStyle       bool   `env:"STORAGE_PATH_STYLE" envDefault:"false"`

	RedisAddr         string  `env:"REDIS_ADDR"`
	RedisPassword     string  `env:"REDIS_PASSWORD"`
	RedisDB           int     `env:"REDIS_DB" envDefault:"0"`
	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"10"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"0.2"`

	PostgresDSN string `env:"POSTGRES_DSN"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepGrace    time.Duration `env:"SWEEP_GRACE" envDefault:"2m"`
}

// MissingError reports required settings that were not provided.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Names, ", ")
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps tuning values that would break the run loop.
func (c *Config) Sanitize() {
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 120
	}
	if c.PollInterval < 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 30 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Minute
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 15 * time.Second
	}
	if c.LogFetchTimeout <= 0 {
		c.LogFetchTimeout = 30 * time.Second
	}
	if c.LogTail < 0 {
		c.LogTail = 0
	}
	if c.JobCPU <= 0 {
		c.JobCPU = 0.25
	}
	if c.JobMemoryGB <= 0 {
		c.JobMemoryGB = 0.5
	}
}

// ListenPort prefers the port assigned by the Functions host.
func (c Config) ListenPort() string {
	if c.HandlerPort != "" {
		return c.HandlerPort
	}
	return c.HTTPPort
}

// ValidateRun checks the settings a container run cannot start without.
func (c Config) ValidateRun() error {
	return missing(
		setting{"AZURE_SUBSCRIPTION_ID", c.SubscriptionID},
		setting{"AZURE_RESOURCE_GROUP", c.ResourceGroup},
		setting{"ACR_SERVER", c.RegistryServer},
		setting{"CONTAINER_IMAGE", c.Image},
		setting{"AZURE_MANAGED_IDENTITY_ID", c.IdentityID},
	)
}

// ValidateBlob checks the storage credential and container name.
func (c Config) ValidateBlob() error {
	return missing(
		setting{"STORAGE_ACCESS_KEY_ID", c.StorageAccessKeyID},
		setting{"STORAGE_SECRET_ACCESS_KEY", c.StorageSecretAccessKey},
		setting{"STORAGE_CONTAINER", c.StorageContainer},
	)
}

// PollBudget is the longest a run can spend polling before it times out.
func (c Config) PollBudget() time.Duration {
	return time.Duration(c.PollMaxAttempts) * c.PollInterval
}

// ActiveBudget bounds the time from a completed submission to the end of
// cleanup: every poll sleep and status query, the log fetch and the delete.
func (c Config) ActiveBudget() time.Duration {
	return c.PollBudget() + time.Duration(c.PollMaxAttempts)*c.StatusTimeout + c.LogFetchTimeout + c.CleanupTimeout
}

// LogValue keeps credentials out of startup logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("env", c.Env),
		slog.String("resource_group", c.ResourceGroup),
		slog.String("image", c.Image),
		slog.String("location", c.Location),
		slog.Duration("submit_timeout", c.SubmitTimeout),
		slog.Duration("poll_interval", c.PollInterval),
		slog.Int("poll_max_attempts", c.PollMaxAttempts),
		slog.Duration("cleanup_timeout", c.CleanupTimeout),
		slog.Bool("redis", c.RedisAddr != ""),
		slog.Bool("postgres", c.PostgresDSN != ""),
	)
}

type setting struct {
	name  string
	value string
}

func missing(settings ...setting) error {
	var names []string
	for _, s := range settings {
		if strings.TrimSpace(s.value) == "" {
			names = append(names, s.name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingError{Names: names}
}
