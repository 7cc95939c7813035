// Package config builds the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port   string `mapstructure:"PORT"`
	AppEnv string `mapstructure:"APP_ENV"`

	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxOpenConns         int           `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns         int           `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetime      time.Duration `mapstructure:"DB_CONN_MAX_LIFETIME"`
	DBConnMaxIdleTime      time.Duration `mapstructure:"DB_CONN_MAX_IDLE_TIME"`
	RunMigrationsOnStartup bool          `mapstructure:"RUN_MIGRATIONS_ON_STARTUP"`
	UpstreamTimeout        time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`

	// JWTSecret selects HS256. JWTPrivateKey and JWTPublicKey (inline PEM or
	// file paths) select RS256 or ES256 and take precedence.
	JWTSecret     string        `mapstructure:"JWT_SECRET"`
	JWTPrivateKey string        `mapstructure:"JWT_PRIVATE_KEY"`
	JWTPublicKey  string        `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer     string        `mapstructure:"JWT_ISSUER"`
	JWTAudience   string        `mapstructure:"JWT_AUDIENCE"`
	AccessTTL     time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTTL    time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	BcryptCost    int           `mapstructure:"BCRYPT_COST"`

	LoginMaxAttempts     int           `mapstructure:"LOGIN_MAX_ATTEMPTS"`
	LoginAttemptWindow   time.Duration `mapstructure:"LOGIN_ATTEMPT_WINDOW"`
	LoginRateLimitMax    int           `mapstructure:"LOGIN_RATE_LIMIT_MAX"`
	LoginRateLimitWindow time.Duration `mapstructure:"LOGIN_RATE_LIMIT_WINDOW"`

	ResetTokenTTL time.Duration `mapstructure:"RESET_TOKEN_TTL"`
	ResetURL      string        `mapstructure:"RESET_URL"`

	PermissionCacheTTL time.Duration `mapstructure:"PERMISSION_CACHE_TTL"`

	RedisURL string `mapstructure:"REDIS_URL"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	MailFrom     string `mapstructure:"MAIL_FROM"`

	SentryDSN string `mapstructure:"SENTRY_DSN"`
	Release   string `mapstructure:"RELEASE"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`

	CronSecret      string `mapstructure:"CRON_SECRET"`
	CleanupSchedule string `mapstructure:"CLEANUP_SCHEDULE"`

	AdminUsername string `mapstructure:"ADMIN_USERNAME"`
	AdminEmail    string `mapstructure:"ADMIN_EMAIL"`
	AdminPassword string `mapstructure:"ADMIN_PASSWORD"`
}

var defaults = map[string]any{
	"PORT":                      "8080",
	"APP_ENV":                   "development",
	"DATABASE_URL":              "",
	"DB_MAX_OPEN_CONNS":         10,
	"DB_MAX_IDLE_CONNS":         5,
	"DB_CONN_MAX_LIFETIME":      "30m",
	"DB_CONN_MAX_IDLE_TIME":     "10m",
	"RUN_MIGRATIONS_ON_STARTUP": false,
	"UPSTREAM_TIMEOUT":          "3s",
	"JWT_SECRET":                "",
	"JWT_PRIVATE_KEY":           "",
	"JWT_PUBLIC_KEY":            "",
	"JWT_ISSUER":                "saas-crm",
	"JWT_AUDIENCE":              "saas-crm-api",
	"ACCESS_TOKEN_TTL":          "15m",
	"REFRESH_TOKEN_TTL":         "168h",
	"BCRYPT_COST":               12,
	"LOGIN_MAX_ATTEMPTS":        5,
	"LOGIN_ATTEMPT_WINDOW":      "15m",
	"LOGIN_RATE_LIMIT_MAX":      10,
	"LOGIN_RATE_LIMIT_WINDOW":   "1m",
	"RESET_TOKEN_TTL":           "15m",
	"RESET_URL":                 "",
	"PERMISSION_CACHE_TTL":      "1m",
	"REDIS_URL":                 "",
	"SMTP_HOST":                 "",
	"SMTP_PORT":                 587,
	"SMTP_USERNAME":             "",
	"SMTP_PASSWORD":             "",
	"MAIL_FROM":                 "no-reply@localhost",
	"SENTRY_DSN":                "",
	"RELEASE":                   "",
	"LOG_LEVEL":                 "info",
	"CRON_SECRET":               "",
	"CLEANUP_SCHEDULE":          "@every 10m",
	"ADMIN_USERNAME":            "",
	"ADMIN_EMAIL":               "",
	"ADMIN_PASSWORD":            "",
}

// Load reads the environment. Call godotenv first if a .env file should be
// honoured.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: DATABASE_URL must be set")
	}
	if !c.UsesKeyPair() && len(c.JWTSecret) < 32 {
		return errors.New("config: JWT_SECRET must be at least 32 bytes, or set JWT_PRIVATE_KEY and JWT_PUBLIC_KEY")
	}
	if (c.JWTPrivateKey == "") != (c.JWTPublicKey == "") {
		return errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required together")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.RefreshTTL < c.AccessTTL {
		return errors.New("config: REFRESH_TOKEN_TTL must not be shorter than ACCESS_TOKEN_TTL")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.LoginMaxAttempts <= 0 || c.LoginAttemptWindow <= 0 {
		return errors.New("config: LOGIN_MAX_ATTEMPTS and LOGIN_ATTEMPT_WINDOW must be positive")
	}
	if c.ResetTokenTTL <= 0 {
		return errors.New("config: RESET_TOKEN_TTL must be positive")
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return errors.New("config: ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	return nil
}

func (c *Config) UsesKeyPair() bool {
	return c.JWTPrivateKey != "" && c.JWTPublicKey != ""
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}
