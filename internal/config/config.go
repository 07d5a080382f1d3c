// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Queue store kinds.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

var ErrInvalid = errors.New("invalid configuration")

// Logging is shared by every command.
type Logging struct {
	Level  string `env:"FIRETRACK_LOG_LEVEL"  envDefault:"info"`
	Format string `env:"FIRETRACK_LOG_FORMAT" envDefault:"text"`
}

// Telemetry enables OTLP trace export when Endpoint is set.
type Telemetry struct {
	Endpoint    string `env:"FIRETRACK_OTEL_ENDPOINT"`
	ServiceName string `env:"FIRETRACK_OTEL_SERVICE"`
}

// Syncd configures the device-side sync daemon.
type Syncd struct {
	Logging
	Telemetry

	Addr            string        `env:"FIRETRACK_ADDR"             envDefault:":8090"`
	BackendURLs     []string      `env:"FIRETRACK_BACKEND_URLS"     envDefault:"http://localhost:8081" envSeparator:","`
	BackendToken    string        `env:"FIRETRACK_BACKEND_TOKEN"`
	RequestTimeout  time.Duration `env:"FIRETRACK_REQUEST_TIMEOUT"  envDefault:"15s"`
	ReadRetries     uint          `env:"FIRETRACK_READ_RETRIES"     envDefault:"3"`
	DispatchTimeout time.Duration `env:"FIRETRACK_DISPATCH_TIMEOUT" envDefault:"10s"`
	DrainInterval   time.Duration `env:"FIRETRACK_DRAIN_INTERVAL"   envDefault:"15s"`
	RefreshInterval time.Duration `env:"FIRETRACK_REFRESH_INTERVAL" envDefault:"5m"`
	RateLimit       float64       `env:"FIRETRACK_RATE_LIMIT"       envDefault:"5"`
	RateBurst       int           `env:"FIRETRACK_RATE_BURST"       envDefault:"10"`
	BreakerTimeout  time.Duration `env:"FIRETRACK_BREAKER_TIMEOUT"  envDefault:"30s"`

	QueueStore  string `env:"FIRETRACK_QUEUE_STORE" envDefault:"file"`
	QueuePath   string `env:"FIRETRACK_QUEUE_PATH"  envDefault:"firetrack-queue.json"`
	SQLitePath  string `env:"FIRETRACK_SQLITE_PATH" envDefault:"firetrack.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"FIRETRACK_REDIS_ADDR"  envDefault:"localhost:6379"`
	QueueKey    string `env:"FIRETRACK_QUEUE_KEY"   envDefault:"firetrack:pending_operations"`
}

// Backend configures the reference backend.
type Backend struct {
	Logging
	Telemetry

	Addr        string `env:"FIRETRACK_BACKEND_ADDR" envDefault:":8081"`
	DatabaseURL string `env:"DATABASE_URL"`
}

// API configures the single-origin proxy in front of syncd and the backend.
type API struct {
	Logging

	Addr       string `env:"FIRETRACK_API_ADDR"    envDefault:":8080"`
	SyncdURL   string `env:"FIRETRACK_SYNCD_URL"   envDefault:"http://localhost:8090"`
	BackendURL string `env:"FIRETRACK_BACKEND_URL" envDefault:"http://localhost:8081"`
}

// Chaos configures the game day runner.
type Chaos struct {
	Logging
	Telemetry

	ObserveFor     time.Duration `env:"FIRETRACK_CHAOS_OBSERVE_FOR"      envDefault:"3s"`
	SampleInterval time.Duration `env:"FIRETRACK_CHAOS_SAMPLE_INTERVAL"  envDefault:"250ms"`
	Pause          time.Duration `env:"FIRETRACK_CHAOS_PAUSE"            envDefault:"1s"`
	Workload       int           `env:"FIRETRACK_CHAOS_WORKLOAD"         envDefault:"20"`
	Seed           uint64        `env:"FIRETRACK_CHAOS_SEED"             envDefault:"1"`
}

// LoadSyncd reads an optional .env file and then the environment.
func LoadSyncd() (Syncd, error) {
	var cfg Syncd
	if err := load(&cfg); err != nil {
		return Syncd{}, err
	}
	return cfg, cfg.Validate()
}

func LoadBackend() (Backend, error) {
	var cfg Backend
	return cfg, load(&cfg)
}

func LoadAPI() (API, error) {
	var cfg API
	return cfg, load(&cfg)
}

func LoadChaos() (Chaos, error) {
	var cfg Chaos
	return cfg, load(&cfg)
}

func load(target any) error {
	// a missing .env file is the normal case
	_ = godotenv.Load()
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Syncd) Validate() error {
	switch c.QueueStore {
	case StoreMemory, StoreFile, StoreSQLite, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres queue store", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown queue store %q", ErrInvalid, c.QueueStore)
	}
	if len(c.BackendURLs) == 0 {
		return fmt.Errorf("%w: at least one backend url is required", ErrInvalid)
	}
	if c.DrainInterval <= 0 || c.RefreshInterval <= 0 {
		return fmt.Errorf("%w: drain and refresh intervals must be positive", ErrInvalid)
	}
	return nil
}

// NewLogger builds the structured logger described by l.
func (l Logging) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
