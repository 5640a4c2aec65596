package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the engine
type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	Exchange   ExchangeConfig
	Engine     EngineConfig
	CORS       CORSConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host string
	Port string
	Env  string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig holds JWT token configuration
type JWTConfig struct {
	Secret      string
	TokenExpire time.Duration
}

// EncryptionConfig holds encryption configuration for exchange credentials
type EncryptionConfig struct {
	Key string
}

// ExchangeConfig holds exchange/broker endpoints
type ExchangeConfig struct {
	BinanceAPIURL string
	BrokerAPIURL  string
}

// EngineConfig holds bot scheduling configuration
type EngineConfig struct {
	TickInterval        time.Duration
	MaxTickFailures     int
	StopTimeout         time.Duration
	HeartbeatStaleAfter time.Duration
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("SERVER_ENV", "development"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			TokenExpire: time.Duration(getEnvAsInt("JWT_TOKEN_EXPIRE_MINUTES", 15)) * time.Minute,
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Exchange: ExchangeConfig{
			BinanceAPIURL: getEnv("BINANCE_API_URL", ""),
			BrokerAPIURL:  getEnv("BROKER_API_URL", "https://api.kite.trade"),
		},
		Engine: EngineConfig{
			TickInterval:        time.Duration(getEnvAsInt("BOT_TICK_INTERVAL_SECONDS", 15)) * time.Second,
			MaxTickFailures:     getEnvAsInt("BOT_MAX_TICK_FAILURES", 5),
			StopTimeout:         time.Duration(getEnvAsInt("BOT_STOP_TIMEOUT_SECONDS", 10)) * time.Second,
			HeartbeatStaleAfter: time.Duration(getEnvAsInt("BOT_HEARTBEAT_STALE_MINUTES", 10)) * time.Minute,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}, ","),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 60),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate required fields
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.Encryption.Key == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	if len(cfg.Encryption.Key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}

	return cfg, nil
}

// Address returns the full server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string, separator string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return strings.Split(valueStr, separator)
}
