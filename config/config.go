// Package config loads the susi server configuration from SUSI_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/lborres/susi/core"
	"github.com/lborres/susi/pkg/token"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr string `env:"SUSI_HTTP_ADDR" envDefault:":8080"`
	BasePath string `env:"SUSI_BASE_PATH" envDefault:"/api/auth"`

	JWTSecret       string        `env:"SUSI_JWT_SECRET"`
	JWTIssuer       string        `env:"SUSI_JWT_ISSUER"`
	AccessTokenTTL  time.Duration `env:"SUSI_ACCESS_TOKEN_TTL"  envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"SUSI_REFRESH_TOKEN_TTL" envDefault:"168h"`
	ExchangeCodeTTL time.Duration `env:"SUSI_EXCHANGE_CODE_TTL" envDefault:"5m"`

	DBDriver    string `env:"SUSI_DB_DRIVER"    envDefault:"sqlite"`
	DatabaseURL string `env:"SUSI_DATABASE_URL" envDefault:"susi.db"`

	// Refresh tokens and exchange codes move to Redis when RedisAddr is set
	RedisAddr     string `env:"SUSI_REDIS_ADDR"`
	RedisPassword string `env:"SUSI_REDIS_PASSWORD"`
	RedisDB       int    `env:"SUSI_REDIS_DB"     envDefault:"0"`
	RedisPrefix   string `env:"SUSI_REDIS_PREFIX" envDefault:"susi"`

	GoogleClientID             string `env:"SUSI_GOOGLE_CLIENT_ID"`
	GoogleClientSecret         string `env:"SUSI_GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL          string `env:"SUSI_GOOGLE_REDIRECT_URL"`
	GoogleAllowUnverifiedEmail bool   `env:"SUSI_GOOGLE_ALLOW_UNVERIFIED_EMAIL" envDefault:"false"`

	FrontendURL  string `env:"SUSI_FRONTEND_URL"  envDefault:"http://localhost:3000"`
	CookieSecure bool   `env:"SUSI_COOKIE_SECURE" envDefault:"false"`

	CacheTTL     time.Duration `env:"SUSI_CACHE_TTL"     envDefault:"5m"`
	CacheSize    int           `env:"SUSI_CACHE_SIZE"    envDefault:"500"`
	DisableCache bool          `env:"SUSI_DISABLE_CACHE" envDefault:"false"`

	SweepInterval time.Duration `env:"SUSI_SWEEP_INTERVAL" envDefault:"10m"`

	LogLevel  string `env:"SUSI_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"SUSI_LOG_FORMAT" envDefault:"text"`
}

// Load reads the process environment and validates the result.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads from the given variables instead of the process
// environment.
func LoadFrom(environment map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch {
	case c.JWTSecret == "":
		errs = append(errs, errors.New("SUSI_JWT_SECRET is required"))
	case len(c.JWTSecret) < token.MinSecretLength:
		errs = append(errs, fmt.Errorf("SUSI_JWT_SECRET must be at least %d bytes", token.MinSecretLength))
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.ExchangeCodeTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	} else if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, errors.New("SUSI_REFRESH_TOKEN_TTL must be longer than SUSI_ACCESS_TOKEN_TTL"))
	}

	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("SUSI_DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("SUSI_DATABASE_URL is required"))
	}

	if c.RedisDB < 0 {
		errs = append(errs, errors.New("SUSI_REDIS_DB must not be negative"))
	}

	google := []string{c.GoogleClientID, c.GoogleClientSecret, c.GoogleRedirectURL}
	if set := countSet(google); set > 0 && set < len(google) {
		errs = append(errs, errors.New("SUSI_GOOGLE_CLIENT_ID, SUSI_GOOGLE_CLIENT_SECRET and SUSI_GOOGLE_REDIRECT_URL must be set together"))
	}

	if u, err := url.Parse(c.FrontendURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("SUSI_FRONTEND_URL must be an absolute URL, got %q", c.FrontendURL))
	}

	if c.CacheSize < 0 {
		errs = append(errs, errors.New("SUSI_CACHE_SIZE must not be negative"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SUSI_SWEEP_INTERVAL must be positive"))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("SUSI_LOG_LEVEL: %w", err))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("SUSI_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func (c *Config) TokenConfig() core.TokenConfig {
	return core.TokenConfig{
		AccessTTL:       c.AccessTokenTTL,
		RefreshTTL:      c.RefreshTokenTTL,
		ExchangeCodeTTL: c.ExchangeCodeTTL,
		Issuer:          c.JWTIssuer,
	}
}

func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// SlogLevel returns the parsed log level, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func countSet(values []string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}
