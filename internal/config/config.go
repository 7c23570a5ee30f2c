package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every runtime knob. Values come from the environment, with
// an optional env file loaded first; unknown environment keys are ignored.
type Config struct {
	Host string
	Port int

	OllamaBaseURL       string
	OllamaMaxConcurrent int64

	DatabasePath string

	AdminAPIKey string

	DefaultRequestsPerMinute int64
	DefaultRequestsPerDay    int64
	DefaultTokensPerMinute   int64
	DefaultTokensPerDay      int64
	DefaultTotalTokenLimit   *int64 // nil means unlimited

	MaxUploadSizeMB   int64
	AllowedImageTypes []string

	// AllowedPricingModels restricts which models the admin pricing surface
	// accepts. Empty means any model.
	AllowedPricingModels []string

	StaticDir string

	LogLevel string
	LogFile  string
}

// Load reads configuration from the environment. When envFile is non-empty
// and exists it is loaded first without overriding variables already set.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, errStat := os.Stat(envFile); errStat == nil {
			if errLoad := godotenv.Load(envFile); errLoad != nil {
				return nil, fmt.Errorf("config: load env file %s: %w", envFile, errLoad)
			}
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Host:                     envString("HOST", "0.0.0.0"),
		OllamaBaseURL:            strings.TrimRight(envString("OLLAMA_BASE_URL", "http://localhost:11434"), "/"),
		DatabasePath:             envString("DATABASE_PATH", "./db/proxy.db"),
		AdminAPIKey:              envString("ADMIN_API_KEY", "admin-secret-key"),
		StaticDir:                envString("STATIC_DIR", "./static"),
		LogLevel:                 envString("LOG_LEVEL", "info"),
		LogFile:                  envString("LOG_FILE", ""),
		AllowedImageTypes:        envCSV("ALLOWED_IMAGE_TYPES", []string{"image/jpeg", "image/png", "image/gif", "image/webp"}),
		AllowedPricingModels:     envCSV("ALLOWED_PRICING_MODELS", nil),
		DefaultRequestsPerMinute: envInt64("DEFAULT_REQUESTS_PER_MINUTE", 60),
		DefaultRequestsPerDay:    envInt64("DEFAULT_REQUESTS_PER_DAY", 1000),
		DefaultTokensPerMinute:   envInt64("DEFAULT_TOKENS_PER_MINUTE", 100000),
		DefaultTokensPerDay:      envInt64("DEFAULT_TOKENS_PER_DAY", 1000000),
		MaxUploadSizeMB:          envInt64("MAX_UPLOAD_SIZE_MB", 10),
		OllamaMaxConcurrent:      envInt64("OLLAMA_MAX_CONCURRENT", 1),
	}

	port, errPort := envIntErr("PORT", 8000)
	if errPort != nil {
		return nil, errPort
	}
	cfg.Port = port

	if raw := strings.TrimSpace(os.Getenv("DEFAULT_TOTAL_TOKEN_LIMIT")); raw != "" {
		limit, errParse := strconv.ParseInt(raw, 10, 64)
		if errParse != nil {
			return nil, fmt.Errorf("config: parse DEFAULT_TOTAL_TOKEN_LIMIT: %w", errParse)
		}
		cfg.DefaultTotalTokenLimit = &limit
	}

	if cfg.OllamaMaxConcurrent < 1 {
		cfg.OllamaMaxConcurrent = 1
	}
	if cfg.MaxUploadSizeMB < 1 {
		cfg.MaxUploadSizeMB = 1
	}

	return cfg, nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxUploadBytes returns the upload ceiling in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadSizeMB * 1024 * 1024
}

func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, errParse := strconv.ParseInt(raw, 10, 64)
	if errParse != nil {
		return fallback
	}
	return value
}

func envIntErr(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, errParse := strconv.Atoi(raw)
	if errParse != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, errParse)
	}
	return value, nil
}

func envCSV(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
