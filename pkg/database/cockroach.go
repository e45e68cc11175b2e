package database

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"consultlink-backend/pkg/constants"
)

// CockroachDB connection using pgx (PostgreSQL-compatible driver)
type CockroachDB struct {
	Pool *pgxpool.Pool
}

// CockroachConfig holds CockroachDB connection configuration
type CockroachConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// ConnString builds the postgresql:// URL for the pool
func (c *CockroachConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgresql",
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	return u.String()
}

// NewCockroachDB creates a new CockroachDB connection pool
func NewCockroachDB(ctx context.Context, config *CockroachConfig) (*CockroachDB, error) {
	poolConfig, err := pgxpool.ParseConfig(config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = int32(config.MaxConns)
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = int32(config.MinConns)
	}
	poolConfig.MaxConnLifetime = constants.MaxConnLifetime
	poolConfig.MaxConnIdleTime = constants.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = constants.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &CockroachDB{Pool: pool}, nil
}

// Close closes the connection pool
func (db *CockroachDB) Close() {
	db.Pool.Close()
}

// Ping tests the database connection
func (db *CockroachDB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stats returns pool statistics
func (db *CockroachDB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
