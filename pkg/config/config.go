package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/env"
)

// Config holds all configuration for the consultation service
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	SMTP         SMTPConfig
	JWT          JWTConfig
	Log          LogConfig
	Signaling    SignalingConfig
	Consultation ConsultationConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	PublicAppURL   string // base for join links
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// SignalingConfig holds WebSocket signaling configuration
type SignalingConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	RoomTTL        time.Duration
}

// ConsultationConfig holds session lifecycle configuration
type ConsultationConfig struct {
	DefaultExpiresInHours int
	ExpirySweepInterval   time.Duration
	JoinCacheTTL          time.Duration
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real env vars take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         env.GetInt("PORT", 8085),
			Environment:  env.GetString("ENV", "development"),
			ServiceName:  env.GetString("SERVICE_NAME", "consult-service"),
			PublicAppURL: env.GetString("PUBLIC_APP_URL", "http://localhost:3000"),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
		},
		Database: DatabaseConfig{
			Enabled:  env.GetBool("DB_ENABLED", true),
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "consultlink"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  env.GetBool("REDIS_ENABLED", true),
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     env.GetString("SMTP_HOST", ""),
			Port:     env.GetInt("SMTP_PORT", 587),
			Username: env.GetString("SMTP_USERNAME", ""),
			Password: env.GetStringFromFile("SMTP_PASSWORD", ""),
			From:     env.GetString("SMTP_FROM", "noreply@consultlink.app"),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/consultlink.log"),
		},
		Signaling: SignalingConfig{
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
			PingInterval:   env.GetDuration("WS_PING_INTERVAL", constants.WebSocketPingInterval),
			RoomTTL:        env.GetDuration("SIGNALING_ROOM_TTL", constants.RoomTTL),
		},
		Consultation: ConsultationConfig{
			DefaultExpiresInHours: env.GetInt("CONSULT_DEFAULT_EXPIRES_HOURS", constants.DefaultExpiresInHours),
			ExpirySweepInterval:   env.GetDuration("CONSULT_EXPIRY_SWEEP_INTERVAL", constants.ExpirySweepInterval),
			JoinCacheTTL:          env.GetDuration("CONSULT_JOIN_CACHE_TTL", constants.JoinCacheTTL),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if !c.Database.Enabled {
			return fmt.Errorf("DB_ENABLED=false is not allowed in production")
		}
	}

	if c.Consultation.DefaultExpiresInHours <= 0 || c.Consultation.DefaultExpiresInHours > constants.MaxExpiresInHours {
		return fmt.Errorf("CONSULT_DEFAULT_EXPIRES_HOURS must be between 1 and %d", constants.MaxExpiresInHours)
	}

	if c.Signaling.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_SIGNALING_CONNECTIONS must be positive")
	}

	return nil
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
