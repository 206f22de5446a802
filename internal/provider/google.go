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

package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/authrelay/authrelay/internal/oauth"
	"github.com/authrelay/authrelay/internal/observability/logger"
)

const (
	googleAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
	googleUserInfoURL  = "https://www.googleapis.com/oauth2/v3/userinfo"
	googleDiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"
)

// Google federates authentication to Google accounts
type Google struct {
	upstream
}

// NewGoogle creates the Google adapter with the published endpoints;
// Initialize refreshes them from discovery
func NewGoogle(cfg Config) *Google {
	issuer := strings.TrimRight(cfg.Issuer, "/")
	return &Google{upstream: upstream{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  issuer + "/oauth/google/callback",
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   googleAuthURL,
				TokenURL:  googleTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient:  &http.Client{Timeout: upstreamTimeout},
		userInfoURL: googleUserInfoURL,
		name:        "google",
	}}
}

// Initialize refreshes endpoints from Google's OIDC discovery document.
// The published defaults stay in place when discovery is unreachable, so
// startup never blocks on Google.
func (g *Google) Initialize(ctx context.Context) error {
	doc, err := fetchDiscovery(ctx, g.httpClient, googleDiscoveryURL)
	if err != nil {
		slog.Warn("google discovery unavailable, using default endpoints",
			logger.Provider("google"), logger.Error(err))
		return nil
	}

	if doc.AuthorizationEndpoint != "" {
		g.oauth2Config.Endpoint.AuthURL = doc.AuthorizationEndpoint
	}
	if doc.TokenEndpoint != "" {
		g.oauth2Config.Endpoint.TokenURL = doc.TokenEndpoint
	}
	if doc.UserInfoEndpoint != "" {
		g.userInfoURL = doc.UserInfoEndpoint
	}
	return nil
}

// InitiateAuthn builds the Google authorization URL. The temp key travels
// as the upstream state; the caller's own state never leaves this server.
func (g *Google) InitiateAuthn(ctx context.Context, pending *oauth.PendingAuthorization) (string, error) {
	return g.oauth2Config.AuthCodeURL(pending.TempKey,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// HandleCallback consumes the redirect from Google
func (g *Google) HandleCallback(ctx context.Context, query url.Values) (*CallbackResult, error) {
	return g.exchangeCallback(ctx, query)
}

// Info describes the provider
func (g *Google) Info() Info {
	return Info{Name: "google", DisplayName: "Google OAuth", Federated: true}
}

var _ Adapter = (*Google)(nil)
