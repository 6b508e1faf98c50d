package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Twitch   TwitchConfig
	Sweeper  SweeperConfig
	Admin    AdminConfig
	AWS      AWSConfig
	Export   ExportConfig
}

// ServerConfig holds HTTP server settings for the admin surface.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/streamtimeline?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TwitchConfig holds upstream API and EventSub settings.
type TwitchConfig struct {
	ClientID         string
	AccessToken      string // user access token; the refresh flow runs out-of-band
	BroadcasterLogin string // the single tracked identity
	HelixURL         string
	EventSubURL      string
	RequestTimeout   time.Duration
}

// SweeperConfig holds reconciliation settings.
type SweeperConfig struct {
	Interval time.Duration
}

// AdminConfig holds admin API auth settings.
type AdminConfig struct {
	JWTSecret string
}

// AWSConfig holds AWS credentials and the export bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ExportBucket    string
}

// ExportConfig holds aggregate export settings.
type ExportConfig struct {
	KeyPrefix string // S3 key prefix for exported CSV files
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/streamtimeline?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "streamtimeline"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Twitch: TwitchConfig{
			ClientID:         getEnv("TWITCH_CLIENT_ID", ""),
			AccessToken:      getEnv("TWITCH_ACCESS_TOKEN", ""),
			BroadcasterLogin: getEnv("TWITCH_BROADCASTER_LOGIN", ""),
			HelixURL:         getEnv("TWITCH_HELIX_URL", "https://api.twitch.tv/helix"),
			EventSubURL:      getEnv("TWITCH_EVENTSUB_URL", "wss://eventsub.wss.twitch.tv/ws"),
			RequestTimeout:   getEnvDuration("TWITCH_REQUEST_TIMEOUT", 10*time.Second),
		},
		Sweeper: SweeperConfig{
			Interval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", "change-me-in-production"),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ExportBucket:    getEnv("AWS_S3_EXPORT_BUCKET", "streamtimeline-exports"),
		},
		Export: ExportConfig{
			KeyPrefix: getEnv("EXPORT_KEY_PREFIX", "aggregates"),
		},
	}

	if cfg.Twitch.BroadcasterLogin == "" {
		return nil, fmt.Errorf("TWITCH_BROADCASTER_LOGIN is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
