// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/project-queue/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Queue core
	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS" envDefault:"3"`
	MaxQueueSize      int           `env:"MAX_QUEUE_SIZE" envDefault:"1000"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"1h"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	ReaperInterval    time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`
	// ReaperMargin is subtracted from JobTimeout to form the worker's
	// soft generation deadline, so a worker gives up before its lease
	// can expire under it.
	ReaperMargin      time.Duration `env:"REAPER_MARGIN" envDefault:"2m"`
	AvgJobSecondsSeed float64       `env:"AVG_JOB_SECONDS_SEED" envDefault:"600"`
	JobRetention      time.Duration `env:"JOB_RETENTION" envDefault:"168h"`
	RingCap           int64         `env:"RING_CAP" envDefault:"10000"`
	// GhostAge is how old an unindexed queued hash must be before the
	// housekeeping pass deletes it.
	GhostAge time.Duration `env:"GHOST_AGE" envDefault:"1h"`

	// Worker
	WorkerCount     int           `env:"WORKER_COUNT" envDefault:"3"`
	WorkerIdleSleep time.Duration `env:"WORKER_IDLE_SLEEP" envDefault:"5s"`

	// TiersFile optionally overrides the built-in tier policy table.
	TiersFile string `env:"TIERS_FILE"`

	// HTTP
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"project-queue"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// SoftDeadline is the generation deadline handed to workers.
func (c Config) SoftDeadline() time.Duration {
	d := c.JobTimeout - c.ReaperMargin
	if d <= 0 {
		d = c.JobTimeout
	}
	return d
}

// LoadTiers returns the tier policy table, applying overrides from
// TiersFile when set. Unknown tiers in the file are rejected so a typo
// cannot silently create an unreachable band.
func (c Config) LoadTiers() (domain.TierTable, error) {
	table := domain.DefaultTiers()
	if c.TiersFile == "" {
		return table, nil
	}
	b, err := os.ReadFile(c.TiersFile)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTiers: %w", err)
	}
	var overrides map[string]domain.TierLimits
	if err := yaml.Unmarshal(b, &overrides); err != nil {
		return nil, fmt.Errorf("op=config.LoadTiers: %w", err)
	}
	for name, limits := range overrides {
		tier, err := table.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("op=config.LoadTiers: unknown tier %q", name)
		}
		table[tier] = limits
	}
	return table, nil
}
