// Package hardening refuses to start a production-like deployment whose
// configuration would weaken the spine's guarantees.
package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

const minHS256SecretBytes = 32

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Environment           string
	StrictProdSecurity    string
	Store                 string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	AuthMode              string
	AuthSecret            string
	LedgerURLs            []EnvRequirement
	Required              []EnvRequirement
}

// ValidateProduction returns the first violated rule. Non-production
// environments, or STRICT_PROD_SECURITY=false, skip every check.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(o.Store), "memory") {
		return fmt.Errorf("spine: strict production hardening forbids SPINE_STORE=memory")
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("spine: strict production hardening requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("spine: strict production hardening requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("spine: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	if err := validateAuth(o.AuthMode, o.AuthSecret); err != nil {
		return err
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		return err
	}
	for _, u := range o.LedgerURLs {
		if err := validateHTTPS(u); err != nil {
			return err
		}
	}
	for _, req := range o.Required {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("spine: strict production hardening requires %s", req.Name)
		}
	}
	return nil
}

func validateAuth(mode, secret string) error {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "off":
		return fmt.Errorf("spine: strict production hardening forbids AUTH_MODE=off")
	case "oidc_hs256":
		if len(secret) < minHS256SecretBytes {
			return fmt.Errorf("spine: OIDC_HS256_SECRET must be at least %d bytes", minHS256SecretBytes)
		}
	}
	return nil
}

func validateHTTPS(req EnvRequirement) error {
	raw := strings.TrimSpace(req.Value)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("spine: %s is not a valid URL", req.Name)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("spine: strict production hardening requires https for %s", req.Name)
	}
	return nil
}

func validateCORSOrigins(raw string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("spine: strict production hardening forbids CORS wildcard origin")
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("spine: strict production hardening forbids localhost CORS origin %q", o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("spine: strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("spine: strict production hardening requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
