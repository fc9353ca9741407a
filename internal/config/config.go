// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// TransportConfig holds real-time transport settings
type TransportConfig struct {
	URL            string
	JWTSecret      string
	RetryAttempts  int
	RetryDelay     time.Duration
	HandshakeWait  time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

// CacheConfig holds conversation cache settings
type CacheConfig struct {
	TTL time.Duration
}

// PresenceConfig holds typing-indicator settings
type PresenceConfig struct {
	TypingTimeout time.Duration
}

// DatabaseConfig holds durable store configuration settings
type DatabaseConfig struct {
	Type string // "mongo" or "postgres"
	URI  string
	Name string
}

// Config holds the complete messaging core configuration
type Config struct {
	Transport *TransportConfig
	Cache     *CacheConfig
	Presence  *PresenceConfig
	Database  *DatabaseConfig
	Debug     bool
}

// DefaultTransportConfig provides default transport settings
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		URL:            "ws://localhost:8080/ws",
		RetryAttempts:  5,
		RetryDelay:     5 * time.Second,
		HandshakeWait:  10 * time.Second,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 4096,
	}
}

// DefaultConfig provides defaults for every subsystem
func DefaultConfig() *Config {
	return &Config{
		Transport: DefaultTransportConfig(),
		Cache:     &CacheConfig{TTL: 5 * time.Minute},
		Presence:  &PresenceConfig{TypingTimeout: 3 * time.Second},
		Database:  &DatabaseConfig{Type: "mongo", Name: "chatsync"},
	}
}

// LoadConfig loads configuration from environment variables and applies defaults
func LoadConfig() (*Config, error) {
	// Silent failure if no .env exists, which is fine
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if url := os.Getenv("TRANSPORT_URL"); url != "" {
		cfg.Transport.URL = url
	}
	cfg.Transport.JWTSecret = os.Getenv("TRANSPORT_JWT_SECRET")

	if attempts := os.Getenv("TRANSPORT_RETRY_ATTEMPTS"); attempts != "" {
		if n, err := strconv.Atoi(attempts); err == nil && n >= 0 {
			cfg.Transport.RetryAttempts = n
		}
	}

	if delay := os.Getenv("TRANSPORT_RETRY_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			cfg.Transport.RetryDelay = d
		}
	}

	if ttl := os.Getenv("CACHE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.Cache.TTL = d
		}
	}

	if timeout := os.Getenv("TYPING_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Presence.TypingTimeout = d
		}
	}

	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		cfg.Database.Type = dbType
	}

	switch cfg.Database.Type {
	case "mongo":
		cfg.Database.URI = getEnvOrDefault("MONGODB_URI", "mongodb://localhost:27017")
	case "postgres":
		if uri := os.Getenv("DATABASE_URL"); uri != "" {
			cfg.Database.URI = uri
		} else {
			user := os.Getenv("DB_USER")
			if user == "" {
				return nil, fmt.Errorf("DB_USER environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
			}
			password := os.Getenv("DB_PASSWORD")
			if password == "" {
				return nil, fmt.Errorf("DB_PASSWORD environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
			}
			host := getEnvOrDefault("DB_HOST", "localhost")
			port := getEnvOrDefault("DB_PORT", "5432")
			name := getEnvOrDefault("DB_NAME", "postgres")
			sslMode := getEnvOrDefault("DB_SSL_MODE", "require")
			cfg.Database.URI = fmt.Sprintf(
				"postgresql://%s:%s@%s:%s/%s?sslmode=%s",
				user, password, host, port, name, sslMode,
			)
		}
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q (expected mongo or postgres)", cfg.Database.Type)
	}

	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Database.Name = name
	}

	if debug := os.Getenv("DEBUG"); debug == "true" {
		cfg.Debug = true
	}

	return cfg, nil
}

// Helper function to get environment variable with default fallback
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
