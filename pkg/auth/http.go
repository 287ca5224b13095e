// Package auth authenticates spine API callers from HS256 bearer tokens.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"integrityspine/pkg/httpx"
)

const (
	ModeOff    = "off"
	ModeHS256  = "oidc_hs256"
	Anonymous  = "anonymous"
	bearerName = "bearer "
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Principal is the authenticated caller. Roles gate escalation review and
// operator endpoints.
type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "spine.principal"

type MiddlewareConfig struct {
	Issuer   string
	Audience string
	Now      func() time.Time
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Now = now }
}

// Middleware attaches a Principal to every request. In off mode every
// caller is anonymous.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == ModeOff {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: Anonymous, Roles: []string{Anonymous}})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mode != ModeHS256 {
				httpx.ErrorCode(w, http.StatusInternalServerError, "AUTH_MISCONFIGURED", "unsupported auth mode")
				return
			}
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), bearerName) {
				httpx.ErrorCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", ErrMissingToken.Error())
				return
			}
			token := strings.TrimSpace(header[len(bearerName):])
			claims, err := VerifyHS256Token(token, secret, cfg.Now(), cfg.Issuer, cfg.Audience)
			if err != nil {
				httpx.ErrorCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", ErrInvalidToken.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: claims.Sub, Roles: claims.Roles})))
		})
	}
}

// RequireRole answers 403 unless the principal holds one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !HasAnyRole(p, roles...) {
				httpx.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", "missing required role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// SubjectKey keys per-caller rate limits. Anonymous callers get an empty
// key so the limiter falls back to the client address.
func SubjectKey(r *http.Request) string {
	p, ok := PrincipalFromContext(r.Context())
	if !ok || p.Subject == "" || p.Subject == Anonymous {
		return ""
	}
	return "sub:" + p.Subject
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

type TokenClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"-"`
	Iss   string   `json:"iss,omitempty"`
	Aud   any      `json:"aud,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if !strings.EqualFold(header.Alg, "HS256") {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, err
	}
	var roles struct {
		Roles json.RawMessage `json:"roles"`
	}
	_ = json.Unmarshal(payloadRaw, &roles)
	claims.Roles = parseRoles(roles.Roles)

	switch {
	case claims.Exp == 0 || now.Unix() >= claims.Exp:
		return TokenClaims{}, ErrExpiredToken
	case claims.Nbf != 0 && now.Unix() < claims.Nbf:
		return TokenClaims{}, errors.New("token not active")
	case claims.Sub == "":
		return TokenClaims{}, errors.New("subject required")
	case issuer != "" && claims.Iss != issuer:
		return TokenClaims{}, errors.New("issuer mismatch")
	case audience != "" && !audContains(claims.Aud, audience):
		return TokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

// roles may be an array or a single string.
func parseRoles(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
