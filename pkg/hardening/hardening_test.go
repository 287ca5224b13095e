package hardening

import (
	"strings"
	"testing"
)

func prodOptions() Options {
	return Options{
		Environment:        "production",
		Store:              "postgres",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://ops.example.com",
		AuthMode:           "oidc_hs256",
		AuthSecret:         strings.Repeat("s", 32),
		LedgerURLs: []EnvRequirement{
			{Name: "SPINE_LEDGER_PUBLIC_URL", Value: "https://public-ledger.example.com"},
			{Name: "SPINE_LEDGER_PRIVATE_URL", Value: "https://private-ledger.example.com"},
		},
	}
}

func TestValidateProduction(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{name: "valid", mutate: func(*Options) {}},
		{name: "dev skips checks", mutate: func(o *Options) { o.Environment = "dev"; o.Store = "memory"; o.AuthMode = "off" }},
		{name: "strict disabled", mutate: func(o *Options) { o.StrictProdSecurity = "false"; o.AuthMode = "off" }},
		{name: "memory store", mutate: func(o *Options) { o.Store = "memory" }, wantErr: "SPINE_STORE=memory"},
		{name: "db tls", mutate: func(o *Options) { o.DatabaseRequireTLS = "" }, wantErr: "DATABASE_REQUIRE_TLS"},
		{name: "redis tls", mutate: func(o *Options) { o.RedisRequireTLS = "false" }, wantErr: "REDIS_REQUIRE_TLS"},
		{name: "redis insecure", mutate: func(o *Options) { o.RedisTLSInsecure = "true" }, wantErr: "REDIS_TLS_INSECURE"},
		{name: "no redis is fine", mutate: func(o *Options) { o.RedisAddr = ""; o.RedisRequireTLS = "" }},
		{name: "auth off", mutate: func(o *Options) { o.AuthMode = "off" }, wantErr: "AUTH_MODE=off"},
		{name: "short secret", mutate: func(o *Options) { o.AuthSecret = "short" }, wantErr: "at least 32 bytes"},
		{name: "cors wildcard", mutate: func(o *Options) { o.CORSAllowedOrigins = "*" }, wantErr: "wildcard"},
		{name: "cors localhost", mutate: func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, wantErr: "localhost"},
		{name: "cors http", mutate: func(o *Options) { o.CORSAllowedOrigins = "http://ops.example.com" }, wantErr: "HTTPS CORS"},
		{name: "cors empty", mutate: func(o *Options) { o.CORSAllowedOrigins = " , " }, wantErr: "explicit CORS"},
		{name: "ledger http", mutate: func(o *Options) { o.LedgerURLs[0].Value = "http://public-ledger" }, wantErr: "https for SPINE_LEDGER_PUBLIC_URL"},
		{name: "ledger bad url", mutate: func(o *Options) { o.LedgerURLs[1].Value = "::nope" }, wantErr: "not a valid URL"},
		{name: "required secret", mutate: func(o *Options) {
			o.Required = []EnvRequirement{{Name: "KAFKA_BROKERS", Value: ""}}
		}, wantErr: "requires KAFKA_BROKERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := prodOptions()
			tt.mutate(&o)
			err := ValidateProduction(o)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsProductionLikeEnv(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, " Staging ": true, "stage": true, "dev": false, "": false} {
		if got := isProductionLikeEnv(env); got != want {
			t.Fatalf("isProductionLikeEnv(%q) = %v", env, got)
		}
	}
}
