package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all process configuration, loaded once at startup
type Config struct {
	// BaseURL is the absolute external URL SP endpoints are derived from
	BaseURL string

	ListenAddr     string
	DatabaseURL    string
	MigrationsPath string

	// IdPOverrides holds per-IdP settings from SAMLAUTH_IDP_SETTINGS,
	// taking precedence over persistent storage
	IdPOverrides map[string]map[string]interface{}

	// RetentionSchedule is a cron spec for the purge job
	RetentionSchedule string
	// SessionMaxAge bounds how long session values (pending request ids,
	// authentication flags) are kept
	SessionMaxAge time.Duration
	// LoginAttemptMaxAge bounds the login-attempt audit log
	LoginAttemptMaxAge time.Duration

	// TLSCertFile/TLSKeyFile enable HTTPS serving when both are set
	TLSCertFile string
	TLSKeyFile  string

	Notify NotifyConfig
}

// NotifyConfig selects and configures the post-login notification provider
type NotifyConfig struct {
	Provider string // "", "smtp", "mailgun" or "sendgrid"
	From     string
	AdminTo  string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	MailgunDomain string
	MailgunAPIKey string

	SendGridAPIKey string
}

// Load reads configuration from the environment. BaseURL and DatabaseURL
// are required; everything else has a default.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:            os.Getenv("SAMLAUTH_BASE_URL"),
		ListenAddr:         getEnv("SAMLAUTH_LISTEN_ADDR", ":8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MigrationsPath:     getEnv("SAMLAUTH_MIGRATIONS_PATH", "migrations"),
		RetentionSchedule:  getEnv("SAMLAUTH_RETENTION_SCHEDULE", "@every 1h"),
		SessionMaxAge:      getEnvDuration("SAMLAUTH_SESSION_MAX_AGE", 24*time.Hour),
		LoginAttemptMaxAge: getEnvDuration("SAMLAUTH_LOGIN_ATTEMPT_MAX_AGE", 90*24*time.Hour),
		TLSCertFile:        os.Getenv("SAMLAUTH_TLS_CERT_FILE"),
		TLSKeyFile:         os.Getenv("SAMLAUTH_TLS_KEY_FILE"),
		Notify: NotifyConfig{
			Provider:       os.Getenv("SAMLAUTH_NOTIFY_PROVIDER"),
			From:           os.Getenv("SAMLAUTH_NOTIFY_FROM"),
			AdminTo:        os.Getenv("SAMLAUTH_NOTIFY_ADMIN_TO"),
			SMTPHost:       os.Getenv("SAMLAUTH_SMTP_HOST"),
			SMTPPort:       getEnvInt("SAMLAUTH_SMTP_PORT", 587),
			SMTPUsername:   os.Getenv("SAMLAUTH_SMTP_USERNAME"),
			SMTPPassword:   os.Getenv("SAMLAUTH_SMTP_PASSWORD"),
			MailgunDomain:  os.Getenv("SAMLAUTH_MAILGUN_DOMAIN"),
			MailgunAPIKey:  os.Getenv("SAMLAUTH_MAILGUN_API_KEY"),
			SendGridAPIKey: os.Getenv("SAMLAUTH_SENDGRID_API_KEY"),
		},
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("SAMLAUTH_BASE_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if raw := os.Getenv("SAMLAUTH_IDP_SETTINGS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.IdPOverrides); err != nil {
			return nil, fmt.Errorf("SAMLAUTH_IDP_SETTINGS is not valid JSON: %w", err)
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
