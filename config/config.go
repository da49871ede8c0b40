// Package config loads SDK settings from the environment, optionally seeded
// from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// HydrateMode selects how the session resolves the stored credential.
type HydrateMode string

const (
	// HydrateProfile asks the server for the credential's profile.
	HydrateProfile HydrateMode = "profile"
	// HydrateClaims decodes the credential locally.
	HydrateClaims HydrateMode = "claims"
)

// Decode implements envdecode.Decoder.
func (m *HydrateMode) Decode(v string) error {
	switch HydrateMode(v) {
	case HydrateProfile, HydrateClaims:
		*m = HydrateMode(v)
		return nil
	}
	return fmt.Errorf("config: unknown hydrate mode %q", v)
}

// Config holds every LOCO_* setting.
type Config struct {
	APIBaseURL  string        `env:"LOCO_API_BASE_URL,required"`
	HTTPTimeout time.Duration `env:"LOCO_HTTP_TIMEOUT,default=10s,strict"`

	StaleTime   time.Duration `env:"LOCO_STALE_TIME,default=5m,strict"`
	GCTime      time.Duration `env:"LOCO_GC_TIME,default=10m,strict"`
	ReadRetries int           `env:"LOCO_READ_RETRIES,default=1,strict"`
	RetryDelay  time.Duration `env:"LOCO_RETRY_DELAY,default=1s,strict"`
	CacheSize   int           `env:"LOCO_CACHE_SIZE,default=1024,strict"`

	// RedisAddr selects the Redis store when set. Empty means in-process.
	RedisAddr      string `env:"LOCO_REDIS_ADDR"`
	RedisPassword  string `env:"LOCO_REDIS_PASSWORD"`
	RedisDB        int    `env:"LOCO_REDIS_DB,default=0,strict"`
	RedisKeyPrefix string `env:"LOCO_REDIS_KEY_PREFIX,default=loco:cache:"`

	CookieName     string      `env:"LOCO_COOKIE_NAME,default=access_token"`
	CredentialFile string      `env:"LOCO_CREDENTIAL_FILE"`
	Hydrate        HydrateMode `env:"LOCO_HYDRATE,default=profile"`
	JWKSURL        string      `env:"LOCO_JWKS_URL"`
	OIDCIssuer     string      `env:"LOCO_OIDC_ISSUER"`

	LogLevel slog.Level `env:"LOCO_LOG_LEVEL,default=info"`
}

// Load reads the given .env files (".env" when none are named) into the
// process environment without overriding variables already set, then
// decodes the environment. Missing .env files are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv decodes the environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envdecode cannot.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: LOCO_API_BASE_URL must be an absolute http(s) URL, got %q", c.APIBaseURL)
	}
	for name, d := range map[string]time.Duration{
		"LOCO_HTTP_TIMEOUT": c.HTTPTimeout,
		"LOCO_STALE_TIME":   c.StaleTime,
		"LOCO_GC_TIME":      c.GCTime,
		"LOCO_RETRY_DELAY":  c.RetryDelay,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.ReadRetries < 0 {
		return errors.New("config: LOCO_READ_RETRIES must not be negative")
	}
	if c.Hydrate == HydrateProfile && (c.JWKSURL != "" || c.OIDCIssuer != "") {
		return errors.New("config: LOCO_JWKS_URL and LOCO_OIDC_ISSUER require LOCO_HYDRATE=claims")
	}
	if c.JWKSURL != "" && c.OIDCIssuer != "" {
		return errors.New("config: set at most one of LOCO_JWKS_URL and LOCO_OIDC_ISSUER")
	}
	return nil
}
