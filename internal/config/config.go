// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthConfig holds authentication and identity provider configuration.
type AuthConfig struct {
	IssuerURL      string   // OIDC issuer URL
	JWTSecret      string   // HS256 shared secret for local/dev auth
	Audience       string   // required JWT audience claim
	AllowedIssuers []string // accepted issuers (defaults to [IssuerURL])
}

// OIDCEnabled returns true when an external identity provider is configured.
func (a *AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != ""
}

// Config holds the gateway's runtime configuration.
type Config struct {
	ListenAddr   string // HTTP listen address (default ":8080")
	AuditDBPath  string // path to the SQLite audit store
	RegistryPath string // path to the procedure registry YAML
	LogLevel     string // debug, info, warn, error (default "info")
	Env          string // "development" (default) or "production"

	// Business database the procedures run against.
	BusinessDBDriver string // database/sql driver name (default "sqlite3")
	BusinessDSN      string // driver DSN (default "procgate_business.sqlite")

	// Execution
	StatementTimeout time.Duration // per-call timeout (default 30s)
	RetryAttempts    int           // max attempts incl. the first (default 3)
	RetryBaseDelay   time.Duration // backoff seed (default 1s)

	// Circuit breaker
	BreakerFailureThreshold int           // consecutive failures before opening (default 5)
	BreakerCoolDown         time.Duration // open-state hold time (default 30s)

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 20)
	RateLimitBurst int     // burst capacity (default 40)

	// Audit
	AuditBufferSize   int           // recorder queue depth (default 1024)
	RetentionRoutine  time.Duration // database event retention (default 90d)
	RetentionSecurity time.Duration // security event retention (default 365d)
	RetentionSchedule string        // cron expression for the sweep (default nightly)

	// CORS
	CORSAllowedOrigins []string // allowed origins (default: ["*"])

	Auth AuthConfig

	// Warnings collects non-fatal findings from config loading. They are
	// logged by the caller once the logger exists.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables and applies
// defaults. Production mode turns insecure defaults into fatal errors.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:        os.Getenv("LISTEN_ADDR"),
		AuditDBPath:       os.Getenv("AUDIT_DB_PATH"),
		RegistryPath:      os.Getenv("REGISTRY_PATH"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		Env:               os.Getenv("ENV"),
		BusinessDBDriver:  os.Getenv("BUSINESS_DB_DRIVER"),
		BusinessDSN:       os.Getenv("BUSINESS_DSN"),
		RetentionSchedule: os.Getenv("AUDIT_RETENTION_SCHEDULE"),
	}

	for key, dst := range map[string]*time.Duration{
		"STATEMENT_TIMEOUT":        &cfg.StatementTimeout,
		"RETRY_BASE_DELAY":         &cfg.RetryBaseDelay,
		"BREAKER_COOLDOWN":         &cfg.BreakerCoolDown,
		"AUDIT_RETENTION_ROUTINE":  &cfg.RetentionRoutine,
		"AUDIT_RETENTION_SECURITY": &cfg.RetentionSecurity,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	for key, dst := range map[string]*int{
		"RETRY_ATTEMPTS":            &cfg.RetryAttempts,
		"BREAKER_FAILURE_THRESHOLD": &cfg.BreakerFailureThreshold,
		"RATE_LIMIT_BURST":          &cfg.RateLimitBurst,
		"AUDIT_BUFFER_SIZE":         &cfg.AuditBufferSize,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimitRPS = f
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}

	cfg.Auth = AuthConfig{
		IssuerURL: os.Getenv("AUTH_ISSUER_URL"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Audience:  os.Getenv("AUTH_AUDIENCE"),
	}
	if v := os.Getenv("AUTH_ALLOWED_ISSUERS"); v != "" {
		cfg.Auth.AllowedIssuers = strings.Split(v, ",")
	}

	applyDefaults(cfg)

	if cfg.Auth.IssuerURL != "" && cfg.Auth.Audience == "" {
		return nil, fmt.Errorf("AUTH_AUDIENCE is required when AUTH_ISSUER_URL is set")
	}
	if !cfg.Auth.OIDCEnabled() && cfg.Auth.JWTSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "no authentication configured; set AUTH_ISSUER_URL or JWT_SECRET")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if !cfg.Auth.OIDCEnabled() {
			return nil, fmt.Errorf("OIDC must be configured in production (set AUTH_ISSUER_URL)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
		if cfg.RegistryPath == "" {
			return nil, fmt.Errorf("REGISTRY_PATH must be set in production (ENV=production)")
		}
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.AuditDBPath == "" {
		cfg.AuditDBPath = "procgate_audit.sqlite"
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = "procedures.yaml"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BusinessDBDriver == "" {
		cfg.BusinessDBDriver = "sqlite3"
	}
	if cfg.BusinessDSN == "" {
		cfg.BusinessDSN = "procgate_business.sqlite"
	}
	if cfg.StatementTimeout == 0 {
		cfg.StatementTimeout = 30 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerCoolDown == 0 {
		cfg.BreakerCoolDown = 30 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.AuditBufferSize == 0 {
		cfg.AuditBufferSize = 1024
	}
	if cfg.RetentionRoutine == 0 {
		cfg.RetentionRoutine = 90 * 24 * time.Hour
	}
	if cfg.RetentionSecurity == 0 {
		cfg.RetentionSecurity = 365 * 24 * time.Hour
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = "30 3 * * *"
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
}

// LoadDotEnv reads a .env file and sets any variables not already in the
// environment. Lines must be in KEY=VALUE format. Comments (#) and blank
// lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Env vars take precedence over the file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
