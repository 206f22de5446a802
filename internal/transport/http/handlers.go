// Package http carries the OAuth wire surface: authorization and token
// endpoints, the consent pages, dynamic registration, revocation, discovery
// metadata and the bearer guard for downstream resource routes.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/authrelay/authrelay/internal/audit"
	"github.com/authrelay/authrelay/internal/oauth"
	"github.com/authrelay/authrelay/internal/provider"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler holds HTTP handlers and dependencies. A nil oauthService means the
// auth core is disabled: only /health is mounted and the bearer guard passes
// requests through.
type Handler struct {
	oauthService *oauth.Service
	adapter      provider.Adapter
	auditLogger  audit.Logger
	startTime    time.Time
}

// NewHandler creates a new HTTP handler
func NewHandler(oauthService *oauth.Service, adapter provider.Adapter, auditLogger audit.Logger) *Handler {
	return &Handler{
		oauthService: oauthService,
		adapter:      adapter,
		auditLogger:  auditLogger,
		startTime:    time.Now(),
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	if h.oauthService == nil {
		return r
	}

	// Discovery (RFC 8414 Section 3)
	r.Get("/.well-known/oauth-authorization-server", h.Metadata)

	// Authorization entry point (RFC 6749 Section 4.1.1)
	r.Get("/authorize", h.Authorize)

	// Credentialed endpoints carry the per-IP limiter
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(rateLimiter))

		// Dynamic registration (RFC 7591)
		r.Post("/register", h.Register)

		// Token endpoint (RFC 6749 Section 4.1.3 / Section 6)
		r.Post("/token", h.Token)
	})

	// Revocation (RFC 7009)
	r.Post("/revoke", h.Revoke)

	// Consent pages and the local login leg
	r.Get("/oauth/consent/page", h.ConsentPage)
	r.Post("/oauth/consent/approve", h.ConsentDecision)
	r.Post("/oauth/authorize/approve", h.ConsentDecision)
	r.Post("/oauth/login", h.Login)

	// Return leg for the active federated provider
	if info := h.adapter.Info(); info.Federated {
		r.Get("/oauth/"+info.Name+"/callback", h.UpstreamCallback)
	}

	return r
}

// HealthCheck returns the liveness payload
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	providerName := "disabled"
	if h.adapter != nil {
		providerName = h.adapter.Info().Name
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "authrelay",
		"provider":       providerName,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

