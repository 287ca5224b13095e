package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type config struct {
	Addr        string
	Environment string
	Store       string
	SQLitePath  string
	RulesPath   string
	SeedPath    string
	RedisAddr   string

	EscalationTimeout time.Duration
	SweepInterval     time.Duration
	MutationRetention time.Duration
	PruneInterval     time.Duration

	LedgerPublicURL  string
	LedgerPrivateURL string
	AnchorRetries    int
	AnchorBackoff    time.Duration
	AnchorTimeout    time.Duration

	FacetsURL string

	KafkaBrokers    string
	RevocationTopic string
	KafkaGroupID    string
	AuditTopic      string

	AuthMode     string
	AuthSecret   string
	AuthIssuer   string
	AuthAudience string

	CORSAllowedOrigins string
	MaxBodyBytes       int64
	RateLimit          int
	RateWindow         time.Duration
	DisplaySalt        string
}

func loadConfig() config {
	return config{
		Addr:        env("ADDR", ":8090"),
		Environment: env("ENVIRONMENT", env("APP_ENV", "")),
		Store:       strings.ToLower(env("SPINE_STORE", "postgres")),
		SQLitePath:  env("SPINE_AUDIT_SQLITE_PATH", ""),
		RulesPath:   env("SPINE_RULES_PATH", ""),
		SeedPath:    env("SPINE_GRAPH_SEED_PATH", ""),
		RedisAddr:   env("REDIS_ADDR", ""),

		EscalationTimeout: envDurationSec("SPINE_ESCALATION_TIMEOUT_SEC", 86400),
		SweepInterval:     envDurationSec("SPINE_ESCALATION_SWEEP_SEC", 60),
		MutationRetention: time.Hour * time.Duration(envInt("SPINE_MUTATION_RETENTION_HOURS", 168)),
		PruneInterval:     envDurationSec("SPINE_MUTATION_PRUNE_SEC", 600),

		LedgerPublicURL:  env("SPINE_LEDGER_PUBLIC_URL", ""),
		LedgerPrivateURL: env("SPINE_LEDGER_PRIVATE_URL", ""),
		AnchorRetries:    envInt("SPINE_ANCHOR_MAX_RETRIES", 8),
		AnchorBackoff:    envDurationMs("SPINE_ANCHOR_BASE_BACKOFF_MS", 500),
		AnchorTimeout:    envDurationMs("SPINE_ANCHOR_CALL_TIMEOUT_MS", 5000),

		FacetsURL: env("SPINE_FACETS_URL", ""),

		KafkaBrokers:    env("KAFKA_BROKERS", ""),
		RevocationTopic: env("SPINE_REVOCATION_TOPIC", "spine.consent.revocations"),
		KafkaGroupID:    env("KAFKA_GROUP_ID", "integrity-spine"),
		AuditTopic:      env("SPINE_AUDIT_TOPIC", ""),

		AuthMode:     strings.ToLower(env("AUTH_MODE", "oidc_hs256")),
		AuthSecret:   env("OIDC_HS256_SECRET", ""),
		AuthIssuer:   env("OIDC_ISSUER", ""),
		AuthAudience: env("OIDC_AUDIENCE", ""),

		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		MaxBodyBytes:       int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		RateLimit:          envInt("RATE_LIMIT_PER_MINUTE", 600),
		RateWindow:         time.Minute,
		DisplaySalt:        env("SPINE_AUDIT_DISPLAY_SALT", ""),
	}
}

func (c config) authOff() bool {
	return c.AuthMode == "" || c.AuthMode == "off"
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func envDurationMs(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(envInt(k, def))
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}
