// Package store opens the spine's backing stores: Postgres for the graph,
// chain, escalations, mutation log and anchors, Redis as a read-through
// cache, and an embedded SQLite chain for single-node deployments.
package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresSleep        = time.Sleep
)

// PostgresConfig is read from DATABASE_* variables by PostgresConfigFromEnv.
type PostgresConfig struct {
	DSN         string
	RequireTLS  bool
	MaxConns    int32
	MinConns    int32
	MaxIdle     time.Duration
	AppName     string
	Retries     int
	RetryDelay  time.Duration
	PingTimeout time.Duration
}

func PostgresConfigFromEnv() PostgresConfig {
	cfg := PostgresConfig{
		DSN:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RequireTLS:  envBool("DATABASE_REQUIRE_TLS"),
		MaxConns:    int32(envInt("DATABASE_MAX_CONNS", 10)),
		MinConns:    int32(envInt("DATABASE_MIN_CONNS", 1)),
		MaxIdle:     5 * time.Minute,
		AppName:     "integrity-spine",
		Retries:     envInt("DATABASE_CONNECT_RETRIES", 30),
		RetryDelay:  2 * time.Second,
		PingTimeout: 2 * time.Second,
	}
	if cfg.DSN == "" {
		cfg.DSN = defaultPostgresURL()
	}
	return cfg
}

// NewPostgresPool connects with PostgresConfigFromEnv.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return OpenPostgres(ctx, PostgresConfigFromEnv())
}

// OpenPostgres retries until the database answers a ping or the retries
// run out. Startup ordering between containers is not guaranteed.
func OpenPostgres(ctx context.Context, c PostgresConfig) (*pgxpool.Pool, error) {
	if c.RequireTLS {
		if err := validatePostgresTLS(c.DSN); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if c.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = c.AppName
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 && c.MinConns <= cfg.MaxConns {
		cfg.MinConns = c.MinConns
	}
	if c.MaxIdle > 0 {
		cfg.MaxConnIdleTime = c.MaxIdle
	}
	retries := c.Retries
	if retries <= 0 {
		retries = 1
	}
	pingTimeout := c.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			postgresSleep(c.RetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func defaultPostgresURL() string {
	user := envString("DATABASE_USER", "spine")
	host := envString("DATABASE_HOST", "localhost")
	port := envString("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + envString("DATABASE_NAME", "spine"),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", envString("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
