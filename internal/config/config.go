package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
	BrokerMemory = "memory"

	ModeSync  = "sync"
	ModeAsync = "async"

	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
)

const (
	envConfigFile     = "GOXTEX_CONFIG"
	envListenAddr     = "GOXTEX_LISTEN_ADDR"
	envBroker         = "GOXTEX_BROKER"
	envRedisAddr      = "REDIS_ADDR"
	envNATSURL        = "NATS_URL"
	envWorkers        = "GOXTEX_WORKERS"
	envJobTimeout     = "GOXTEX_JOB_TIMEOUT"
	envMaxUploadBytes = "GOXTEX_MAX_UPLOAD_BYTES"
	envTempRoot       = "GOXTEX_TEMP_ROOT"
	envMaxAttempts    = "GOXTEX_MAX_ATTEMPTS"
	envMaxSyncWait    = "GOXTEX_MAX_SYNC_WAIT"
	envMode           = "GOXTEX_MODE"
	envLease          = "GOXTEX_LEASE"
	envResultTTL      = "GOXTEX_RESULT_TTL"
	envEngine         = "GOXTEX_ENGINE"
	envEnginePasses   = "GOXTEX_ENGINE_PASSES"
	envEngineRuntime  = "GOXTEX_ENGINE_RUNTIME"
	envDockerImage    = "GOXTEX_DOCKER_IMAGE"
	envSweepInterval  = "GOXTEX_SWEEP_INTERVAL"
	envOrphanAge      = "GOXTEX_ORPHAN_AGE"
	envDBPath         = "GOXTEX_DB_PATH"
	envEmbedWorkers   = "GOXTEX_EMBED_WORKERS"
	envLogLevel       = "GOXTEX_LOG_LEVEL"
	envRate           = "GOXTEX_RATE"
	envBurst          = "GOXTEX_BURST"
	envMetricsAddr    = "GOXTEX_METRICS_ADDR"
)

// Config holds application configuration. Values come from defaults, then an optional
// YAML file named by GOXTEX_CONFIG, then environment variables.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Broker         string        `yaml:"broker"`
	RedisAddr      string        `yaml:"redis_addr"`
	NATSURL        string        `yaml:"nats_url"`
	Workers        int           `yaml:"workers"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	TempRoot       string        `yaml:"temp_root"`
	MaxAttempts    int           `yaml:"max_attempts"`
	MaxSyncWait    time.Duration `yaml:"max_sync_wait"`
	Mode           string        `yaml:"mode"`
	Lease          time.Duration `yaml:"lease"`
	ResultTTL      time.Duration `yaml:"result_ttl"`
	Engine         string        `yaml:"engine"`
	EnginePasses   int           `yaml:"engine_passes"`
	EngineRuntime  string        `yaml:"engine_runtime"`
	DockerImage    string        `yaml:"docker_image"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	OrphanAge      time.Duration `yaml:"orphan_age"`
	DBPath         string        `yaml:"db_path"`
	EmbedWorkers   bool          `yaml:"embed_workers"`
	LogLevel       string        `yaml:"log_level"`
	Rate           float64       `yaml:"rate"`
	Burst          float64       `yaml:"burst"`
	// MetricsAddr is the worker binary's metrics listener; empty disables it.
	MetricsAddr    string        `yaml:"metrics_addr"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		Broker:         BrokerRedis,
		RedisAddr:      "localhost:6379",
		NATSURL:        "nats://localhost:4222",
		Workers:        4,
		JobTimeout:     10 * time.Second,
		MaxUploadBytes: 10 << 20,
		TempRoot:       filepath.Join(os.TempDir(), "goxtex"),
		MaxAttempts:    3,
		MaxSyncWait:    30 * time.Second,
		Mode:           ModeSync,
		Lease:          30 * time.Second,
		ResultTTL:      time.Hour,
		Engine:         "pdflatex",
		EnginePasses:   1,
		EngineRuntime:  RuntimeLocal,
		DockerImage:    "texlive/texlive:latest",
		SweepInterval:  5 * time.Minute,
		OrphanAge:      15 * time.Minute,
		DBPath:         "goxtex.db",
		LogLevel:       "info",
		Rate:           2,
		Burst:          10,
	}
}

// Load reads configuration from the optional file and the environment, then validates it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str(envListenAddr, &c.ListenAddr)
	str(envBroker, &c.Broker)
	str(envRedisAddr, &c.RedisAddr)
	str(envNATSURL, &c.NATSURL)
	integer(envWorkers, &c.Workers)
	duration(envJobTimeout, &c.JobTimeout)
	if v := os.Getenv(envMaxUploadBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envMaxUploadBytes, err))
		} else {
			c.MaxUploadBytes = n
		}
	}
	str(envTempRoot, &c.TempRoot)
	integer(envMaxAttempts, &c.MaxAttempts)
	duration(envMaxSyncWait, &c.MaxSyncWait)
	str(envMode, &c.Mode)
	duration(envLease, &c.Lease)
	duration(envResultTTL, &c.ResultTTL)
	str(envEngine, &c.Engine)
	integer(envEnginePasses, &c.EnginePasses)
	str(envEngineRuntime, &c.EngineRuntime)
	str(envDockerImage, &c.DockerImage)
	duration(envSweepInterval, &c.SweepInterval)
	duration(envOrphanAge, &c.OrphanAge)
	str(envDBPath, &c.DBPath)
	if v := os.Getenv(envEmbedWorkers); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envEmbedWorkers, err))
		} else {
			c.EmbedWorkers = b
		}
	}
	str(envLogLevel, &c.LogLevel)
	float(envRate, &c.Rate)
	float(envBurst, &c.Burst)
	str(envMetricsAddr, &c.MetricsAddr)

	return errors.Join(errs...)
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Broker {
	case BrokerRedis, BrokerNATS, BrokerMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker))
	}
	switch c.Mode {
	case ModeSync, ModeAsync:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	switch c.EngineRuntime {
	case RuntimeLocal, RuntimeDocker:
	default:
		errs = append(errs, fmt.Errorf("unknown engine runtime %q", c.EngineRuntime))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be > 0"))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("job timeout must be > 0"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be > 0"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be > 0"))
	}
	if c.MaxSyncWait <= 0 {
		errs = append(errs, errors.New("max sync wait must be > 0"))
	}
	if c.Lease <= 0 {
		errs = append(errs, errors.New("lease must be > 0"))
	}
	if c.EnginePasses <= 0 {
		errs = append(errs, errors.New("engine passes must be > 0"))
	}
	if c.TempRoot == "" {
		errs = append(errs, errors.New("temp root is required"))
	}
	if c.Engine == "" {
		errs = append(errs, errors.New("engine is required"))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
