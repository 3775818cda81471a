// Package config builds process configuration from the environment so main
// stays lean. Values are read once at startup and treated as immutable
// afterwards; nothing re-reads the environment at request time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration.
type Config struct {
	Addr          string
	DatabaseURL   string
	RedisURL      string
	BlobDir       string
	JWTSigningKey string
	JWTIssuer     string
	CaptchaSecret string

	RetentionDays   int
	DupWindow       time.Duration
	ReaperInterval  time.Duration
	ShutdownTimeout time.Duration
}

// Retention converts the configured day count into a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// FromEnv builds a Config from environment variables, applying defaults
// suitable for local development.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:            envOr("SAPDASH_ADDR", ":8080"),
		DatabaseURL:     os.Getenv("SAPDASH_DATABASE_URL"),
		RedisURL:        os.Getenv("SAPDASH_REDIS_URL"),
		BlobDir:         envOr("SAPDASH_BLOB_DIR", "./data/blobs"),
		JWTSigningKey:   os.Getenv("SAPDASH_JWT_SIGNING_KEY"),
		JWTIssuer:       envOr("SAPDASH_JWT_ISSUER", "sapdash"),
		CaptchaSecret:   os.Getenv("SAPDASH_CAPTCHA_SECRET"),
		RetentionDays:   45,
		DupWindow:       5 * time.Minute,
		ReaperInterval:  time.Hour,
		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	if cfg.RetentionDays, err = envInt("SAPDASH_RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return Config{}, err
	}
	if cfg.DupWindow, err = envDuration("SAPDASH_DUP_WINDOW", cfg.DupWindow); err != nil {
		return Config{}, err
	}
	if cfg.ReaperInterval, err = envDuration("SAPDASH_REAPER_INTERVAL", cfg.ReaperInterval); err != nil {
		return Config{}, err
	}

	if cfg.JWTSigningKey == "" {
		// Development fallback; deployments must override.
		cfg.JWTSigningKey = "dev-secret-key-change-in-production"
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
