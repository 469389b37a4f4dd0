package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type StorageMode string

const (
	StoragePostgres StorageMode = "postgres"
	StorageMemory   StorageMode = "memory"
)

type Config struct {
	ServerPort      string
	DatabaseURL     string
	RedisURL        string
	JWTSecret       string
	JWTExpiry       time.Duration
	Storage         StorageMode
	LogLevel        slog.Level
	LogFormat       string
	ShutdownTimeout time.Duration

	// LockTTL has no default: operators must choose how long an unrenewed
	// edit lock survives.
	LockTTL    time.Duration
	LockMaxTTL time.Duration

	LocationStaleAfter        time.Duration
	LocationStaleInterval     time.Duration
	LocationRetention         time.Duration
	LocationThrottleInterval  time.Duration
	LocationThrottleDistanceM float64

	FeedBuffer   int
	FeedPageSize int
	AuditBuffer  int
}

func LoadConfig() (*Config, error) {
	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s format", key))
		}
		return d
	}
	integer := func(key string, def int) int {
		n, err := strconv.Atoi(getEnv(key, strconv.Itoa(def)))
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer", key))
		}
		return n
	}

	cfg := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTExpiry:       duration("JWT_EXPIRY", "24h"),
		Storage:         StorageMode(getEnv("STORAGE", string(StoragePostgres))),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		ShutdownTimeout: duration("SHUTDOWN_TIMEOUT", "10s"),

		LockMaxTTL: duration("LOCK_MAX_TTL", "10m"),

		LocationStaleAfter:       duration("LOCATION_STALE_AFTER", "60s"),
		LocationStaleInterval:    duration("LOCATION_STALE_INTERVAL", "10s"),
		LocationRetention:        duration("LOCATION_RETENTION", "15m"),
		LocationThrottleInterval: duration("LOCATION_THROTTLE_INTERVAL", "2s"),

		FeedBuffer:   integer("FEED_BUFFER", 256),
		FeedPageSize: integer("FEED_PAGE_SIZE", 500),
		AuditBuffer:  integer("AUDIT_BUFFER", 1024),
	}

	distance, err := strconv.ParseFloat(getEnv("LOCATION_THROTTLE_DISTANCE_M", "3"), 64)
	if err != nil || distance < 0 {
		errs = append(errs, errors.New("invalid LOCATION_THROTTLE_DISTANCE_M"))
	}
	cfg.LocationThrottleDistanceM = distance

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, errors.New("invalid LOG_LEVEL"))
	}

	lockTTL := os.Getenv("LOCK_TTL")
	if lockTTL == "" {
		errs = append(errs, errors.New("LOCK_TTL is required"))
	} else if cfg.LockTTL, err = time.ParseDuration(lockTTL); err != nil || cfg.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be a positive duration"))
	}
	if cfg.LockMaxTTL < cfg.LockTTL {
		cfg.LockMaxTTL = cfg.LockTTL
	}

	// Validate required fields
	switch cfg.Storage {
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required"))
		}
		if cfg.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE %q", cfg.Storage))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.LocationStaleAfter <= 0 || cfg.LocationStaleInterval <= 0 {
		errs = append(errs, errors.New("location staleness settings must be positive"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// NewLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
