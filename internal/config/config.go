// Package config defines the typed settings for the transcription job
// service and the validation rules that make configuration a single
// source of truth for every other component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Tier is a speech-recognition model size, totally ordered smallest to
// largest.
type Tier string

const (
	TierTiny   Tier = "tiny"
	TierBase   Tier = "base"
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Tiers lists every tier from smallest to largest. Index order is the
// fallback order used by the model pool's OOM handling.
var Tiers = []Tier{TierTiny, TierBase, TierSmall, TierMedium, TierLarge}

// ValidTier reports whether t is one of the recognized tiers.
func ValidTier(t Tier) bool {
	for _, v := range Tiers {
		if v == t {
			return true
		}
	}
	return false
}

// Smaller returns the next-smaller tier and true, or ("", false) if t is
// already the smallest tier or unrecognized.
func Smaller(t Tier) (Tier, bool) {
	for i, v := range Tiers {
		if v == t {
			if i == 0 {
				return "", false
			}
			return Tiers[i-1], true
		}
	}
	return "", false
}

// Config holds every setting recognized by the service. Fields are
// populated from environment variables by FromEnv and validated once at
// process startup.
type Config struct {
	ModelSize          Tier
	MaxUploadSizeMB    int64
	BrokerURL          string
	DatabaseDriver     string
	DatabaseDSN        string
	WorkerConcurrency  int
	TaskTimeoutSeconds int
	ModelPoolSize      int
	ModelPoolMaxSize   int
	APIKeys            []string
	LogLevel           string
	LogFormat          string
	WorkFolder         string
	OutputFolder       string

	HTTPAddr string
}

// MaxUploadSizeBytes returns the configured upload ceiling in bytes.
func (c Config) MaxUploadSizeBytes() int64 {
	return c.MaxUploadSizeMB * 1024 * 1024
}

// FromEnv builds a Config from environment variables, applying the
// defaults named in the external interface contract. Call Validate
// afterward (or let cmd/* do it) before using the result.
func FromEnv() Config {
	return Config{
		ModelSize:          Tier(envOrDefault("MODEL_SIZE", string(TierBase))),
		MaxUploadSizeMB:     envOrDefaultInt64("MAX_UPLOAD_SIZE_MB", 500),
		BrokerURL:          firstNonEmpty(os.Getenv("BROKER_URL"), envOrDefault("REDIS_URL", "redis://127.0.0.1:6379/0")),
		DatabaseDriver:     envOrDefault("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:        envOrDefault("DATABASE_URL", "./transcribeq.db"),
		WorkerConcurrency:  int(envOrDefaultInt64("WORKER_CONCURRENCY", 4)),
		TaskTimeoutSeconds: int(envOrDefaultInt64("TASK_TIMEOUT_SECONDS", 3600)),
		ModelPoolSize:      int(envOrDefaultInt64("MODEL_POOL_SIZE", 2)),
		ModelPoolMaxSize:   int(envOrDefaultInt64("MODEL_POOL_MAX_SIZE", 4)),
		APIKeys:            splitNonEmpty(os.Getenv("API_KEYS"), ","),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "json"),
		WorkFolder:         envOrDefault("WORK_FOLDER", "./work"),
		OutputFolder:       envOrDefault("OUTPUT_FOLDER", "./output"),
		HTTPAddr:           envOrDefault("HTTP_ADDR", ":8080"),
	}
}

// Validate checks the configuration for internally-consistent values,
// mirroring the fail-fast __post_init__ validation of the original
// Python configuration object: reject impossible settings before any
// component starts rather than surfacing them as runtime errors later.
func (c Config) Validate() error {
	if !ValidTier(c.ModelSize) {
		return fmt.Errorf("config: invalid MODEL_SIZE %q", c.ModelSize)
	}
	if c.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_SIZE_MB must be positive, got %d", c.MaxUploadSizeMB)
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("config: unsupported DATABASE_DRIVER %q, use \"sqlite\" or \"postgres\"", c.DatabaseDriver)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.TaskTimeoutSeconds <= 60 {
		return fmt.Errorf("config: TASK_TIMEOUT_SECONDS must be > 60, got %d", c.TaskTimeoutSeconds)
	}
	if c.ModelPoolSize <= 0 {
		return fmt.Errorf("config: MODEL_POOL_SIZE must be positive, got %d", c.ModelPoolSize)
	}
	if c.ModelPoolMaxSize < c.ModelPoolSize {
		return fmt.Errorf("config: MODEL_POOL_MAX_SIZE (%d) must be >= MODEL_POOL_SIZE (%d)", c.ModelPoolMaxSize, c.ModelPoolSize)
	}
	if c.LogFormat != "json" && c.LogFormat != "human" {
		return fmt.Errorf("config: LOG_FORMAT must be \"json\" or \"human\", got %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q", c.LogLevel)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
