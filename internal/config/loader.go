package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "sessionforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SESSIONFORGE_PORT")
	setStringSlice(&cfg.Server.AllowedOrigins, "SESSIONFORGE_ALLOWED_ORIGINS")
	setInt64(&cfg.Server.BodyLimit, "SESSIONFORGE_BODY_LIMIT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SESSIONFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SESSIONFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SESSIONFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SESSIONFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SESSIONFORGE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "SESSIONFORGE_NATS_STREAM")
	setString(&cfg.NATS.CallbackSubject, "SESSIONFORGE_CALLBACK_SUBJECT")

	setString(&cfg.Logging.Level, "SESSIONFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SESSIONFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SESSIONFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "SESSIONFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SESSIONFORGE_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "SESSIONFORGE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "SESSIONFORGE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "SESSIONFORGE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "SESSIONFORGE_RATE_MAX_IDLE_TIME")

	setInt64(&cfg.Cache.L1MaxSizeMB, "SESSIONFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "SESSIONFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "SESSIONFORGE_CACHE_L2_TTL")
	setDuration(&cfg.Cache.SessionTTL, "SESSIONFORGE_CACHE_SESSION_TTL")

	setString(&cfg.Idempotency.Bucket, "SESSIONFORGE_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "SESSIONFORGE_IDEMPOTENCY_TTL")

	setString(&cfg.Compute.Provider, "SESSIONFORGE_COMPUTE_PROVIDER")
	setString(&cfg.Compute.Image, "SESSIONFORGE_COMPUTE_IMAGE")
	setString(&cfg.Compute.NetworkMode, "SESSIONFORGE_COMPUTE_NETWORK")
	setInt(&cfg.Compute.MemoryMB, "SESSIONFORGE_COMPUTE_MEMORY_MB")
	setInt(&cfg.Compute.CPUs, "SESSIONFORGE_COMPUTE_CPUS")
	setInt(&cfg.Compute.PidsLimit, "SESSIONFORGE_COMPUTE_PIDS_LIMIT")
	setDuration(&cfg.Compute.StopTimeout, "SESSIONFORGE_COMPUTE_STOP_TIMEOUT")
	setString(&cfg.Compute.IngestURL, "SESSIONFORGE_INGEST_URL")

	setString(&cfg.TokenSvc.URL, "SESSIONFORGE_TOKEN_SERVICE_URL")
	setString(&cfg.TokenSvc.APIKey, "SESSIONFORGE_TOKEN_SERVICE_API_KEY")
	setDuration(&cfg.TokenSvc.Timeout, "SESSIONFORGE_TOKEN_SERVICE_TIMEOUT")

	setString(&cfg.Tickets.Secret, "SESSIONFORGE_TICKET_SECRET")
	setDuration(&cfg.Tickets.TTL, "SESSIONFORGE_TICKET_TTL")

	setString(&cfg.Secrets.EncryptionKey, "SESSIONFORGE_SECRETS_ENCRYPTION_KEY")

	setDuration(&cfg.Lease.TTL, "SESSIONFORGE_LEASE_TTL")

	setDuration(&cfg.Reaper.Interval, "SESSIONFORGE_REAPER_INTERVAL")
	setDuration(&cfg.Reaper.StaleHeartbeat, "SESSIONFORGE_REAPER_STALE_HEARTBEAT")
	setDuration(&cfg.Reaper.PendingStart, "SESSIONFORGE_REAPER_PENDING_START")
	setDuration(&cfg.Reaper.IdleShutdown, "SESSIONFORGE_REAPER_IDLE_SHUTDOWN")
	setDuration(&cfg.Reaper.EventRetention, "SESSIONFORGE_REAPER_EVENT_RETENTION")
	setDuration(&cfg.Reaper.SessionTTL, "SESSIONFORGE_REAPER_SESSION_TTL")

	setString(&cfg.Callback.Consumer, "SESSIONFORGE_CALLBACK_CONSUMER")
	setDuration(&cfg.Callback.Timeout, "SESSIONFORGE_CALLBACK_TIMEOUT")
	setString(&cfg.Callback.SigningSecret, "SESSIONFORGE_CALLBACK_SIGNING_SECRET")

	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "SESSIONFORGE_OTEL_INSECURE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if len(cfg.Tickets.Secret) < 16 {
		return errors.New("tickets.secret must be at least 16 bytes")
	}
	if len(cfg.Secrets.EncryptionKey) < 16 {
		return errors.New("secrets.encryption_key must be at least 16 bytes")
	}
	if cfg.Reaper.Interval < time.Second {
		return errors.New("reaper.interval must be >= 1s")
	}
	if cfg.Lease.TTL < time.Second {
		return errors.New("lease.ttl must be >= 1s")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStringSlice parses a comma-separated env value.
func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
