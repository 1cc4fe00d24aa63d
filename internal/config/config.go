// Package config loads the devflow service configuration.
//
// LOADING ORDER (later wins):
//  1. Built-in defaults (Default)
//  2. An optional YAML file (--config / DEVFLOW_CONFIG)
//  3. A .env file in the working directory, if present
//  4. Environment variables
//
// Env vars win so a container deployment can override a baked-in file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sakif/devflow-exec/internal/executor"
)

// Config is the root configuration.
type Config struct {
	Port   int    `yaml:"port"`
	DBPath string `yaml:"db_path"`

	// JWTSecret signs operator tokens. Empty disables auth on /api entirely.
	JWTSecret string `yaml:"jwt_secret"`
	// AdminPasswordHash is the bcrypt hash exchanged for a token at POST /auth/token.
	AdminPasswordHash string `yaml:"admin_password_hash"`
	// TokenTTLMinutes is how long issued tokens stay valid.
	TokenTTLMinutes int `yaml:"token_ttl_minutes"`

	// Shell names the preferred host shell (bash, zsh, sh, powershell).
	// Empty means platform default.
	Shell string `yaml:"shell"`

	DefaultTimeoutSeconds int  `yaml:"default_timeout_seconds"`
	SampleIntervalMS      int  `yaml:"sample_interval_ms"`
	DockerPreflight       bool `yaml:"docker_preflight"`
	// DockerPull lets the preflight pull images that are missing locally.
	DockerPull bool `yaml:"docker_pull"`
	// BlockDangerous rejects commands with danger-level safety issues unless
	// the request sets allow_dangerous.
	BlockDangerous bool `yaml:"block_dangerous"`

	// Profiles restricts the execution profiles runs may use (native,
	// docker, ssh). Empty allows all three.
	Profiles []string `yaml:"profiles"`

	// AllowedOrigins are extra host patterns allowed to open the run stream
	// from a browser (e.g. "devflow.example.com", "localhost:*").
	AllowedOrigins []string `yaml:"allowed_origins"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:                  8080,
		DBPath:                "data/devflow.db",
		TokenTTLMinutes:       60,
		DefaultTimeoutSeconds: 300,
		SampleIntervalMS:      500,
		DockerPreflight:       false,
		DockerPull:            true,
		BlockDangerous:        true,
		LogLevel:              "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), .env and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing YAML %s: %w", path, err)
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		*dst = nil
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				*dst = append(*dst, item)
			}
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a number", key, v)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a boolean", key, v)
		}
		*dst = b
		return nil
	}

	str("DB_PATH", &c.DBPath)
	str("JWT_SECRET", &c.JWTSecret)
	str("DEVFLOW_ADMIN_PASSWORD_HASH", &c.AdminPasswordHash)
	str("DEVFLOW_SHELL", &c.Shell)
	str("DEVFLOW_LOG_LEVEL", &c.LogLevel)
	list("DEVFLOW_PROFILES", &c.Profiles)
	list("DEVFLOW_ALLOWED_ORIGINS", &c.AllowedOrigins)

	return errors.Join(
		num("PORT", &c.Port),
		num("DEVFLOW_TOKEN_TTL_MINUTES", &c.TokenTTLMinutes),
		num("DEVFLOW_DEFAULT_TIMEOUT", &c.DefaultTimeoutSeconds),
		num("DEVFLOW_SAMPLE_INTERVAL_MS", &c.SampleIntervalMS),
		flag("DEVFLOW_DOCKER_PREFLIGHT", &c.DockerPreflight),
		flag("DEVFLOW_DOCKER_PULL", &c.DockerPull),
		flag("DEVFLOW_BLOCK_DANGEROUS", &c.BlockDangerous),
	)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.DefaultTimeoutSeconds < 1 || c.DefaultTimeoutSeconds > 86400 {
		errs = append(errs, fmt.Errorf("default_timeout_seconds %d out of range 1-86400", c.DefaultTimeoutSeconds))
	}
	if c.SampleIntervalMS < 10 {
		errs = append(errs, fmt.Errorf("sample_interval_ms %d is below the 10ms minimum", c.SampleIntervalMS))
	}
	if c.TokenTTLMinutes < 1 {
		errs = append(errs, fmt.Errorf("token_ttl_minutes %d must be positive", c.TokenTTLMinutes))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("jwt_secret must be at least 32 characters"))
	}
	if c.JWTSecret != "" && c.AdminPasswordHash == "" {
		errs = append(errs, errors.New("admin_password_hash is required when jwt_secret is set"))
	}
	for _, p := range c.Profiles {
		if _, err := executor.ParseProfile(p); err != nil {
			errs = append(errs, fmt.Errorf("profiles: %w", err))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// EnabledProfiles returns Profiles parsed. Validate has already rejected
// unknown names; nil means every profile is enabled.
func (c *Config) EnabledProfiles() []executor.Profile {
	var out []executor.Profile
	for _, name := range c.Profiles {
		if p, err := executor.ParseProfile(name); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// AuthEnabled reports whether /api requires a bearer token.
func (c *Config) AuthEnabled() bool { return c.JWTSecret != "" }

// SampleInterval returns the supervisory loop interval.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMS) * time.Millisecond
}

// TokenTTL returns the lifetime of issued operator tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// SlogLevel returns the configured log level. Validate has already rejected
// unknown names, so this falls back to Info only for a zero Config.
func (c *Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
}
