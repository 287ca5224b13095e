package store

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"verify_full_allowed", "postgres://u:p@db:5432/spine?sslmode=verify-full", false},
		{"require_allowed", "postgres://u:p@db:5432/spine?sslmode=require", false},
		{"prefer_denied", "postgres://u:p@db:5432/spine?sslmode=prefer", true},
		{"missing_sslmode_denied", "postgres://u:p@db:5432/spine", true},
		{"invalid_url_denied", "://bad", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tt.url)
			if tt.wantErr != (err != nil) {
				t.Fatalf("validatePostgresTLS(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestPostgresConfigFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "DATABASE_USER", "DATABASE_HOST", "DATABASE_NAME", "DATABASE_SSLMODE", "POSTGRES_PASSWORD", "DATABASE_MAX_CONNS", "DATABASE_REQUIRE_TLS"} {
		t.Setenv(k, "")
	}
	t.Setenv("DATABASE_PORT", "not-a-port")
	cfg := PostgresConfigFromEnv()
	u, err := url.Parse(cfg.DSN)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if u.Host != "localhost:5432" || u.Path != "/spine" || u.User.Username() != "spine" {
		t.Fatalf("unexpected default dsn %s", cfg.DSN)
	}
	if u.Query().Get("sslmode") != "disable" {
		t.Fatalf("unexpected sslmode in %s", cfg.DSN)
	}
	if cfg.MaxConns != 10 || cfg.RequireTLS || cfg.AppName != "integrity-spine" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestPostgresConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "p@ss")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "6543")
	t.Setenv("DATABASE_NAME", "graph")
	t.Setenv("DATABASE_SSLMODE", "verify-full")
	t.Setenv("DATABASE_MAX_CONNS", "25")
	t.Setenv("DATABASE_REQUIRE_TLS", "yes")
	cfg := PostgresConfigFromEnv()
	u, err := url.Parse(cfg.DSN)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	pw, _ := u.User.Password()
	if u.Host != "db.internal:6543" || u.Path != "/graph" || u.User.Username() != "svc" || pw != "p@ss" {
		t.Fatalf("unexpected dsn %s", cfg.DSN)
	}
	if cfg.MaxConns != 25 || !cfg.RequireTLS {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if err := validatePostgresTLS(cfg.DSN); err != nil {
		t.Fatalf("verify-full dsn should pass tls check: %v", err)
	}
}

func TestOpenPostgresRejectsInvalidInputs(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), PostgresConfig{DSN: "://bad"}); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}
	_, err := OpenPostgres(context.Background(), PostgresConfig{DSN: "postgres://u:p@db:5432/spine?sslmode=disable", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected insecure transport error, got %v", err)
	}
}

func TestOpenPostgresRetriesThenGivesUp(t *testing.T) {
	origNew, origSleep := pgxPoolNewWithConfig, postgresSleep
	defer func() { pgxPoolNewWithConfig, postgresSleep = origNew, origSleep }()

	attempts := 0
	var slept []time.Duration
	pgxPoolNewWithConfig = func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		return nil, errors.New("connection refused")
	}
	postgresSleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := OpenPostgres(context.Background(), PostgresConfig{
		DSN:        "postgres://spine@localhost:5432/spine?sslmode=disable",
		Retries:    3,
		RetryDelay: time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if attempts != 3 || len(slept) != 2 {
		t.Fatalf("attempts=%d sleeps=%d", attempts, len(slept))
	}
}
