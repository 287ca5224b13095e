package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"integrityspine/pkg/auth"
	"integrityspine/pkg/httpx"
	"integrityspine/pkg/metrics"
	"integrityspine/pkg/ratelimit"
	"integrityspine/pkg/spine"
	"integrityspine/pkg/stream"
	"integrityspine/pkg/telemetry"
)

const (
	roleOperator = "operator"
	// roleService marks relying applications that ask on behalf of viewers.
	roleService = "service"
)

type Server struct {
	Spine       *spine.Service
	Metrics     *metrics.Registry
	Hub         *stream.Hub
	AuthOff     bool
	DisplaySalt []byte
}

func newRouter(s *Server, cfg config, limiter ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("integrity-spine"))
	r.Use(observeRequests(s.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "integrity-spine"})
	})
	r.Get("/metrics", s.metrics)

	authMw := auth.Middleware(
		cfg.AuthMode,
		cfg.AuthSecret,
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAudience(cfg.AuthAudience),
	)
	r.Group(func(api chi.Router) {
		api.Use(authMw)
		api.Use(ratelimit.Middleware(limiter, cfg.RateLimit, auth.SubjectKey))
		api.Get("/v1/stream", s.stream(stream.OriginPatterns(cfg.CORSAllowedOrigins)))

		api.Group(func(api chi.Router) {
			api.Use(httpx.BodyLimitMiddleware(cfg.MaxBodyBytes))
			api.Post("/v1/policy/check", s.checkPolicy)
			api.Post("/v1/decisions", s.decide)
			api.Post("/v1/disclose", s.disclose)

			api.Post("/v1/audit", s.appendAudit)
			api.Get("/v1/audit/entries", s.listAudit)
			api.Get("/v1/audit/verify", s.verifyAudit)
			api.With(s.requireOperator).Post("/v1/audit/resume", s.resumeAudit)

			api.Post("/v1/escalations", s.submitEscalation)
			api.Get("/v1/escalations", s.listEscalations)
			api.Get("/v1/escalations/{id}", s.getEscalation)
			api.Post("/v1/escalations/{id}/resolve", s.resolveEscalation)

			api.Post("/v1/anchors/verify", s.verifyAnchor)
			api.Post("/v1/anchors/event", s.anchorEvent)
			api.Get("/v1/anchors", s.listAnchors)
			api.Get("/v1/anchors/{hash}", s.getAnchor)
			api.With(s.requireOperator).Post("/v1/anchors/{hash}/reconcile", s.reconcileAnchor)

			api.Post("/v1/ownership/transfer", s.transferOwnership)
			api.Post("/v1/consent", s.putConsent)
			api.Post("/v1/consent/revoke", s.revokeConsent)
		})
	})
	return r
}

// observeRequests records latency and status per route pattern, so path
// parameters do not explode the endpoint set.
func observeRequests(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			pattern := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				pattern = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			d := time.Since(start)
			reg.Observe(r.Method+" "+pattern, status, d)
			reg.ObserveLatency("http_request", d)
		})
	}
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	if s.AuthOff {
		return next
	}
	return auth.RequireRole(roleOperator)(next)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		s.Metrics.Handler()(w, r)
		return
	}
	s.Metrics.PrometheusHandler()(w, r)
}

// stream lifts the server write deadline; the socket lives until the
// client leaves.
func (s *Server) stream(origins []string) http.HandlerFunc {
	h := s.Hub.Handler(origins)
	return func(w http.ResponseWriter, r *http.Request) {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		h(w, r)
	}
}
