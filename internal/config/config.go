package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	SMTP     SMTPConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
	// CORSOrigins lists origins allowed to call the API
	CORSOrigins []string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// AuthConfig holds token, lockout, and password policy configuration
type AuthConfig struct {
	// JWTSecret signs both access and refresh tokens (HS256)
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string

	// Account lockout
	MaxFailedAttempts int
	LockoutDuration   time.Duration

	// Password policy
	PasswordHistoryDepth int

	// Whether logging in requires a verified email address
	RequireVerifiedEmail bool

	// Single-use token lifetimes
	EmailVerificationExpiry time.Duration
	PasswordResetExpiry     time.Duration
}

// SMTPConfig holds outbound mail configuration for notification emails
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// BaseURL is prepended to verification/reset links in outbound mail
	BaseURL string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			Port:        getEnv("SERVER_PORT", "8080"),
			CORSOrigins: getSliceEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "clinicore"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret:               getEnv("JWT_SECRET", ""),
			AccessTokenExpiry:       getDurationEnv("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:      getDurationEnv("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
			Issuer:                  getEnv("JWT_ISSUER", "clinicore"),
			MaxFailedAttempts:       getIntEnv("AUTH_MAX_FAILED_ATTEMPTS", 5),
			LockoutDuration:         getDurationEnv("AUTH_LOCKOUT_DURATION", 15*time.Minute),
			PasswordHistoryDepth:    getIntEnv("AUTH_PASSWORD_HISTORY_DEPTH", 5),
			RequireVerifiedEmail:    getBoolEnv("AUTH_REQUIRE_VERIFIED_EMAIL", true),
			EmailVerificationExpiry: getDurationEnv("AUTH_EMAIL_VERIFICATION_EXPIRY", 24*time.Hour),
			PasswordResetExpiry:     getDurationEnv("AUTH_PASSWORD_RESET_EXPIRY", time.Hour),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getIntEnv("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "no-reply@clinicore.local"),
			BaseURL:  getEnv("APP_BASE_URL", "http://localhost:8080"),
		},
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getSliceEnv returns a comma-separated list from environment variable or default
func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getIntEnv returns an integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Accepts Go duration strings ("15m") or a bare number of minutes.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}
