// Copyright 2026 The AuthRelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/authrelay/authrelay/internal/audit"
	"github.com/authrelay/authrelay/internal/config"
	"github.com/authrelay/authrelay/internal/oauth"
	"github.com/authrelay/authrelay/internal/observability/logger"
	"github.com/authrelay/authrelay/internal/observability/metrics"
	"github.com/authrelay/authrelay/internal/observability/tracing"
	"github.com/authrelay/authrelay/internal/provider"
	"github.com/authrelay/authrelay/internal/store/jsonfile"
	transportHTTP "github.com/authrelay/authrelay/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		OTELEnabled: cfg.Observability.OTELEnabled,
	})
	slog.Info("starting authrelay authorization server")

	// Initialize context
	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

	auditLogger := audit.NewSlogLogger()

	// Initialize the authorization core. When disabled, the server still
	// runs so collaborators keep a health endpoint to probe, and the bearer
	// guard in transport passes requests through.
	var oauthService *oauth.Service
	var adapter provider.Adapter
	if cfg.OAuth.Enabled {
		store, err := jsonfile.Open(cfg.Store.DataDir, strings.Join(cfg.OAuth.DefaultScopes, " "))
		if err != nil {
			slog.Error("failed to open data directory", logger.Error(err))
			os.Exit(1)
		}
		slog.Info("opened data directory", logger.String("dir", cfg.Store.DataDir))

		adapter, err = provider.New(provider.Config{
			Name:         cfg.OAuth.Provider,
			Issuer:       cfg.Server.PublicURL,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TenantID:     cfg.OAuth.TenantID,
		})
		if err != nil {
			slog.Error("failed to configure identity provider", logger.Error(err))
			os.Exit(1)
		}

		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := adapter.Initialize(initCtx); err != nil {
			cancel()
			slog.Error("failed to initialize identity provider",
				logger.Provider(adapter.Info().Name),
				logger.Error(err),
			)
			os.Exit(1)
		}
		cancel()
		slog.Info("identity provider ready", logger.Provider(adapter.Info().Name))

		hasher := oauth.NewSecretHasher(
			cfg.Security.Argon2Memory,
			cfg.Security.Argon2Iterations,
			cfg.Security.Argon2Parallelism,
			cfg.Security.Argon2SaltLength,
			cfg.Security.Argon2KeyLength,
		)

		oauthService = oauth.NewService(
			store,
			adapter,
			oauth.ScopePolicy{
				Valid:    cfg.OAuth.ValidScopes,
				Defaults: cfg.OAuth.DefaultScopes,
			},
			hasher,
			auditLogger,
			oauth.ServiceConfig{
				Issuer:          cfg.Server.PublicURL,
				AccessTokenTTL:  cfg.OAuth.AccessTokenTTL,
				RefreshTokenTTL: cfg.OAuth.RefreshTokenTTL,
				AuthCodeTTL:     cfg.OAuth.AuthCodeTTL,
			},
		)
		oauthService.SetMetrics(newServiceMetrics(meter))

		// Periodically drop expired codes and tokens so the JSON files
		// don't grow without bound.
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				if n := store.Sweep(); n > 0 {
					slog.Info("swept expired records", logger.RecordsSwept(n))
				}
			}
		}()
	} else {
		slog.Warn("oauth is disabled, serving health endpoint only")
	}

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(oauthService, adapter, auditLogger)

	// Create router
	router := transportHTTP.NewRouter(handler, rateLimiter)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

// newServiceMetrics registers the OAuth instruments. A disabled meter hands
// back no-op instruments, so registration failures are only logged.
func newServiceMetrics(meter *metrics.Meter) oauth.Metrics {
	var m oauth.Metrics
	var err error

	if m.ClientsRegistered, err = meter.CreateCounter(
		"oauth.clients.registered", "Clients registered through dynamic registration",
	); err != nil {
		slog.Error("failed to create counter", logger.Error(err))
	}
	if m.CodesIssued, err = meter.CreateCounter(
		"oauth.codes.issued", "Authorization codes issued after consent",
	); err != nil {
		slog.Error("failed to create counter", logger.Error(err))
	}
	if m.TokensIssued, err = meter.CreateCounter(
		"oauth.tokens.issued", "Access tokens issued by the token endpoint",
	); err != nil {
		slog.Error("failed to create counter", logger.Error(err))
	}
	if m.TokensRevoked, err = meter.CreateCounter(
		"oauth.tokens.revoked", "Tokens revoked via RFC 7009",
	); err != nil {
		slog.Error("failed to create counter", logger.Error(err))
	}
	if m.ExchangeDuration, err = meter.CreateHistogram(
		"oauth.token.exchange.duration", "Authorization code exchange latency", "s",
	); err != nil {
		slog.Error("failed to create histogram", logger.Error(err))
	}

	return m
}
